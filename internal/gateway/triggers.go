package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zerg-ai/zerg/internal/apierr"
	"github.com/zerg-ai/zerg/internal/ident"
	"github.com/zerg-ai/zerg/internal/store"
	"github.com/zerg-ai/zerg/internal/triggers"
)

type createTriggerRequest struct {
	AgentID string          `json:"agent_id"`
	Type    string          `json:"type"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// handleCreateTrigger provisions a trigger. The webhook secret is
// returned exactly once, in this response.
func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())

	var req createTriggerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ttype := store.TriggerType(req.Type)
	if ttype != store.TriggerWebhook && ttype != store.TriggerEmail {
		writeError(w, apierr.Newf(apierr.KindValidation, "unknown trigger type %q", req.Type))
		return
	}

	agent, err := s.store.GetAgent(r.Context(), req.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, apierr.New(apierr.KindNotFound, "agent not found"))
			return
		}
		writeError(w, err)
		return
	}
	if err := requireOwner(owner, agent.OwnerID); err != nil {
		writeError(w, err)
		return
	}
	if ttype == store.TriggerEmail && len(req.Config) > 0 {
		var filter store.EmailFilter
		if err := json.Unmarshal(req.Config, &filter); err != nil {
			writeError(w, apierr.Wrap(apierr.KindValidation, "invalid email filter", err))
			return
		}
	}

	trig := &store.Trigger{
		ID:      ident.NewTriggerID(),
		OwnerID: owner.ID,
		AgentID: agent.ID,
		Type:    ttype,
		Config:  req.Config,
	}
	if ttype == store.TriggerWebhook {
		trig.Secret = ident.NewSecret()
	}
	if err := s.store.CreateTrigger(r.Context(), trig); err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{
		"id":       trig.ID,
		"agent_id": trig.AgentID,
		"type":     string(trig.Type),
	}
	if ttype == store.TriggerWebhook {
		resp["secret"] = trig.Secret
		resp["url"] = strings.TrimRight(s.cfg.AppPublicURL, "/") + "/api/triggers/" + trig.ID + "/events"
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	trig, err := s.store.GetTrigger(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, apierr.New(apierr.KindNotFound, "trigger not found"))
			return
		}
		writeError(w, err)
		return
	}
	if err := requireOwner(owner, trig.OwnerID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteTrigger(r.Context(), trig.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTriggerEvent is the HMAC-authenticated webhook ingress. The
// raw body bytes feed the signature check unmodified.
func (s *Server) handleTriggerEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindValidation, "read body", err))
		return
	}

	err = s.webhook.Handle(r.Context(), chi.URLParam(r, "id"),
		r.Header.Get(triggers.HeaderTimestamp),
		r.Header.Get(triggers.HeaderSignature), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handlePubSubPush validates the Google OIDC bearer and hands the
// notification to the ingress. Processing past dedupe is async; the
// 202 only acknowledges receipt.
func (s *Server) handlePubSubPush(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if _, err := s.oidc.Verify(r.Context(), token); err != nil {
		writeError(w, err)
		return
	}

	// Pub/Sub envelopes carry extra fields; decode leniently.
	var push triggers.PubSubPush
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&push); err != nil {
		writeError(w, apierr.Wrap(apierr.KindValidation, "invalid pubsub envelope", err))
		return
	}
	if err := s.gmail.HandlePush(r.Context(), &push); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
