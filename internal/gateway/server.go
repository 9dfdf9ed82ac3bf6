package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zerg-ai/zerg/internal/auth"
	"github.com/zerg-ai/zerg/internal/config"
	"github.com/zerg-ai/zerg/internal/events"
	"github.com/zerg-ai/zerg/internal/gateway/ws"
	"github.com/zerg-ai/zerg/internal/metrics"
	"github.com/zerg-ai/zerg/internal/scheduler"
	"github.com/zerg-ai/zerg/internal/secrets"
	"github.com/zerg-ai/zerg/internal/store"
	"github.com/zerg-ai/zerg/internal/triggers"
	"github.com/zerg-ai/zerg/internal/workflow"
)

// Server is the Zerg gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	bus        *events.Bus
	store      *store.Store
	cfg        *config.Settings
	tokens     *auth.Tokens
	oidc       *auth.OIDCVerifier
	box        *secrets.Box
	tasks      *scheduler.TaskRunner
	quotas     *scheduler.Quotas
	sched      *scheduler.Scheduler
	engine     *workflow.Engine
	webhook    *triggers.Webhook
	gmail      *triggers.GmailIngress
	logger     *slog.Logger

	devOnce sync.Once
}

// Options bundles the server's collaborators.
type Options struct {
	Config  *config.Settings
	Store   *store.Store
	Bus     *events.Bus
	Box     *secrets.Box
	Tasks   *scheduler.TaskRunner
	Quotas  *scheduler.Quotas
	Sched   *scheduler.Scheduler
	Engine  *workflow.Engine
	Webhook *triggers.Webhook
	Gmail   *triggers.GmailIngress
	Logger  *slog.Logger
}

// NewServer wires the router.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		hub:     ws.NewHub(opts.Bus, opts.Logger),
		bus:     opts.Bus,
		store:   opts.Store,
		cfg:     opts.Config,
		tokens:  auth.NewTokens(opts.Config.JWTSecret),
		oidc:    auth.NewOIDCVerifier(opts.Config.PubSubAudience),
		box:     opts.Box,
		tasks:   opts.Tasks,
		quotas:  opts.Quotas,
		sched:   opts.Sched,
		engine:  opts.Engine,
		webhook: opts.Webhook,
		gmail:   opts.Gmail,
		logger:  opts.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	if len(opts.Config.AllowedCORSOrigins) > 0 {
		r.Use(corsMiddleware(opts.Config.AllowedCORSOrigins))
	}

	r.Get("/api/health", s.handleHealth)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/ws", s.handleWS)

	// Externally-contracted ingress paths; authenticated by HMAC and
	// OIDC respectively, not by the API JWT.
	r.Post("/api/triggers/{id}/events", s.handleTriggerEvent)
	r.Post("/api/email/webhook/google/pubsub", s.handlePubSubPush)

	r.Get("/api/events", s.requireAuth(s.handleEvents))

	r.Post("/api/agents", s.requireAuth(s.handleCreateAgent))
	r.Get("/api/agents", s.requireAuth(s.handleListAgents))
	r.Get("/api/agents/{id}", s.requireAuth(s.handleGetAgent))
	r.Patch("/api/agents/{id}", s.requireAuth(s.handleUpdateAgent))
	r.Delete("/api/agents/{id}", s.requireAuth(s.handleDeleteAgent))
	r.Post("/api/agents/{id}/run", s.requireAuth(s.handleRunAgent))
	r.Post("/api/agents/{id}/credentials", s.requireAuth(s.handleSetAgentCredential))
	r.Delete("/api/agents/{id}/credentials/{type}", s.requireAuth(s.handleDeleteAgentCredential))

	r.Get("/api/threads/{id}/messages", s.requireAuth(s.handleListMessages))
	r.Post("/api/threads/{id}/run", s.requireAuth(s.handleRunThread))
	r.Post("/api/threads/{id}/resume", s.requireAuth(s.handleResumeThread))

	r.Post("/api/triggers", s.requireAuth(s.handleCreateTrigger))
	r.Delete("/api/triggers/{id}", s.requireAuth(s.handleDeleteTrigger))

	r.Get("/api/account/connectors", s.requireAuth(s.handleListCredentials))
	r.Post("/api/account/connectors", s.requireAuth(s.handleSetCredential))
	r.Delete("/api/account/connectors/{type}", s.requireAuth(s.handleDeleteCredential))

	r.Post("/api/workflows", s.requireAuth(s.handleCreateWorkflow))
	r.Get("/api/workflows", s.requireAuth(s.handleListWorkflows))
	r.Get("/api/workflows/{id}", s.requireAuth(s.handleGetWorkflow))
	r.Put("/api/workflows/{id}", s.requireAuth(s.handleUpdateWorkflow))
	r.Delete("/api/workflows/{id}", s.requireAuth(s.handleDeleteWorkflow))
	r.Post("/api/workflows/{id}/execute", s.requireAuth(s.handleExecuteWorkflow))

	r.Get("/api/runs/{id}", s.requireAuth(s.handleGetRun))
	r.Post("/api/runs/{id}/cancel", s.requireAuth(s.handleCancelRun))

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Config.Host, opts.Config.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) publishAgentUpdated(agent *store.Agent) {
	s.bus.Publish(events.NewTypedEvent(events.SourceGateway, events.AgentTopic(agent.ID), events.AgentUpdatedPayload{
		AgentID: agent.ID,
		Status:  string(agent.Status),
	}))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWS authenticates before the upgrade; failures complete the
// handshake and close with the auth code so browser clients can read
// the reason.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	owner, err := s.authenticate(r)
	if err != nil {
		ws.RejectUnauthorized(w, r)
		return
	}
	s.hub.ServeWS(w, r, owner.ID)
}

// handleEvents returns recent bus history, newest last.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}

	history := s.bus.History(limit)

	type eventJSON struct {
		ID        string             `json:"id"`
		Type      string             `json:"type"`
		Topic     string             `json:"topic,omitempty"`
		Timestamp string             `json:"timestamp"`
		Source    events.EventSource `json:"source"`
		Payload   map[string]any     `json:"payload"`
	}
	result := make([]eventJSON, len(history))
	for i, e := range history {
		result[i] = eventJSON{
			ID:        e.ID,
			Type:      string(e.Type),
			Topic:     e.Topic,
			Timestamp: e.Timestamp.Format(time.RFC3339Nano),
			Source:    e.Source,
			Payload:   e.Payload,
		}
	}
	writeJSON(w, http.StatusOK, result)
}
