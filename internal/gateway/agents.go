package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zerg-ai/zerg/internal/apierr"
	"github.com/zerg-ai/zerg/internal/ident"
	"github.com/zerg-ai/zerg/internal/store"
)

type agentRequest struct {
	Name               *string   `json:"name,omitempty"`
	Model              *string   `json:"model,omitempty"`
	SystemInstructions *string   `json:"system_instructions,omitempty"`
	TaskInstructions   *string   `json:"task_instructions,omitempty"`
	AllowedTools       *[]string `json:"allowed_tools,omitempty"`
	CronSpec           *string   `json:"cron_spec,omitempty"`
}

type agentJSON struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Model              string    `json:"model"`
	SystemInstructions string    `json:"system_instructions"`
	TaskInstructions   string    `json:"task_instructions"`
	AllowedTools       []string  `json:"allowed_tools"`
	CronSpec           string    `json:"cron_spec,omitempty"`
	Status             string    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func toAgentJSON(a *store.Agent) agentJSON {
	return agentJSON{
		ID:                 a.ID,
		Name:               a.Name,
		Model:              a.Model,
		SystemInstructions: a.SystemInstructions,
		TaskInstructions:   a.TaskInstructions,
		AllowedTools:       a.AllowedTools,
		CronSpec:           a.CronSpec,
		Status:             string(a.Status),
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())

	var req agentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == nil || *req.Name == "" {
		writeError(w, apierr.New(apierr.KindValidation, "name is required"))
		return
	}
	if req.Model == nil || *req.Model == "" {
		writeError(w, apierr.New(apierr.KindValidation, "model is required"))
		return
	}
	if err := s.quotas.CheckModelAllowed(owner, *req.Model); err != nil {
		writeError(w, err)
		return
	}

	agent := &store.Agent{
		ID:      "agt_" + ident.NewID(),
		OwnerID: owner.ID,
		Name:    *req.Name,
		Model:   *req.Model,
		Status:  store.AgentIdle,
	}
	if req.SystemInstructions != nil {
		agent.SystemInstructions = *req.SystemInstructions
	}
	if req.TaskInstructions != nil {
		agent.TaskInstructions = *req.TaskInstructions
	}
	if req.AllowedTools != nil {
		agent.AllowedTools = *req.AllowedTools
	}
	if req.CronSpec != nil {
		agent.CronSpec = *req.CronSpec
	}
	if err := s.store.CreateAgent(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}
	if agent.CronSpec != "" && s.sched != nil {
		if err := s.sched.RegisterAgent(agent); err != nil {
			writeError(w, apierr.Wrap(apierr.KindValidation, "invalid cron spec", err))
			return
		}
	}
	writeJSON(w, http.StatusCreated, toAgentJSON(agent))
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	agents, err := s.store.ListAgents(r.Context(), owner.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]agentJSON, len(agents))
	for i, a := range agents {
		out[i] = toAgentJSON(a)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.loadAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentJSON(agent))
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	agent, err := s.loadAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req agentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Model != nil && *req.Model != agent.Model {
		if err := s.quotas.CheckModelAllowed(owner, *req.Model); err != nil {
			writeError(w, err)
			return
		}
		agent.Model = *req.Model
	}
	if req.Name != nil {
		agent.Name = *req.Name
	}
	if req.SystemInstructions != nil {
		agent.SystemInstructions = *req.SystemInstructions
	}
	if req.TaskInstructions != nil {
		agent.TaskInstructions = *req.TaskInstructions
	}
	if req.AllowedTools != nil {
		agent.AllowedTools = *req.AllowedTools
	}
	cronChanged := req.CronSpec != nil && *req.CronSpec != agent.CronSpec
	if cronChanged {
		agent.CronSpec = *req.CronSpec
	}

	if err := s.store.UpdateAgent(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}
	if cronChanged && s.sched != nil {
		if err := s.sched.RegisterAgent(agent); err != nil {
			writeError(w, apierr.Wrap(apierr.KindValidation, "invalid cron spec", err))
			return
		}
	}
	s.publishAgentUpdated(agent)
	writeJSON(w, http.StatusOK, toAgentJSON(agent))
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.loadAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.sched != nil {
		s.sched.UnregisterAgent(agent.ID)
	}
	if err := s.store.DeleteAgent(r.Context(), agent.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRunAgent starts a manual run and blocks until it finishes.
// A held run lock surfaces as 409 before any thread is created.
func (s *Server) handleRunAgent(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	agent, err := s.loadAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.tasks.StartAgentRun(r.Context(), agent, owner, store.ThreadManual, store.SourceManual)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    result.Run.ID,
		"thread_id": result.Run.ThreadID,
		"status":    string(result.Run.Status),
	})
}

func (s *Server) handleSetAgentCredential(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	agent, err := s.loadAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req credentialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ConnectorType == "" || req.Value == "" {
		writeError(w, apierr.New(apierr.KindValidation, "connector_type and value are required"))
		return
	}
	enc, err := s.box.Encrypt(req.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	cred := &store.AgentCredential{
		ID:             ident.NewID(),
		AgentID:        agent.ID,
		OwnerID:        owner.ID,
		ConnectorType:  req.ConnectorType,
		EncryptedValue: enc,
		DisplayName:    req.DisplayName,
	}
	if err := s.store.UpsertAgentCredential(r.Context(), cred); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"connector_type": cred.ConnectorType,
		"display_name":   cred.DisplayName,
		"value":          redactedValue,
	})
}

func (s *Server) handleDeleteAgentCredential(w http.ResponseWriter, r *http.Request) {
	agent, err := s.loadAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}
	err = s.store.DeleteAgentCredential(r.Context(), agent.ID, chi.URLParam(r, "type"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, apierr.New(apierr.KindNotFound, "credential not found"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loadAgent(r *http.Request) (*store.Agent, error) {
	owner := ownerFrom(r.Context())
	agent, err := s.store.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.New(apierr.KindNotFound, "agent not found")
		}
		return nil, err
	}
	if err := requireOwner(owner, agent.OwnerID); err != nil {
		return nil, err
	}
	return agent, nil
}
