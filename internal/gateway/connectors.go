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

// redactedValue replaces credential material on every read path.
// Plaintext leaves the box only inside a per-request resolver.
const redactedValue = "REDACTED"

type credentialRequest struct {
	ConnectorType string `json:"connector_type"`
	Value         string `json:"value"`
	DisplayName   string `json:"display_name,omitempty"`
}

type credentialJSON struct {
	ConnectorType string    `json:"connector_type"`
	DisplayName   string    `json:"display_name,omitempty"`
	TestStatus    string    `json:"test_status,omitempty"`
	Value         string    `json:"value"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	creds, err := s.store.ListAccountCredentials(r.Context(), owner.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]credentialJSON, len(creds))
	for i, c := range creds {
		out[i] = credentialJSON{
			ConnectorType: c.ConnectorType,
			DisplayName:   c.DisplayName,
			TestStatus:    c.TestStatus,
			Value:         redactedValue,
			CreatedAt:     c.CreatedAt,
			UpdatedAt:     c.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetCredential(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())

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
	cred := &store.AccountCredential{
		ID:             ident.NewID(),
		OwnerID:        owner.ID,
		ConnectorType:  req.ConnectorType,
		EncryptedValue: enc,
		DisplayName:    req.DisplayName,
	}
	if err := s.store.UpsertAccountCredential(r.Context(), cred); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, credentialJSON{
		ConnectorType: cred.ConnectorType,
		DisplayName:   cred.DisplayName,
		Value:         redactedValue,
		CreatedAt:     cred.CreatedAt,
		UpdatedAt:     cred.UpdatedAt,
	})
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	err := s.store.DeleteAccountCredential(r.Context(), owner.ID, chi.URLParam(r, "type"))
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
