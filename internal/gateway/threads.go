package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zerg-ai/zerg/internal/apierr"
	"github.com/zerg-ai/zerg/internal/store"
)

type messageJSON struct {
	ID         string           `json:"id"`
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []store.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
	SentAt     time.Time        `json:"sent_at"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	thread, err := s.loadThread(r)
	if err != nil {
		writeError(w, err)
		return
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	msgs, err := s.store.ListMessages(r.Context(), thread.ID, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]messageJSON, len(msgs))
	for i, m := range msgs {
		out[i] = messageJSON{
			ID:         m.ID,
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
			ToolName:   m.ToolName,
			SentAt:     m.SentAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRunThread appends the caller's message and runs one agent
// turn. The response carries the finished run; live tokens stream on
// the thread topic.
func (s *Server) handleRunThread(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	thread, err := s.loadThread(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Content == "" {
		writeError(w, apierr.New(apierr.KindValidation, "content is required"))
		return
	}

	result, err := s.tasks.RunThread(r.Context(), thread, owner, req.Content, store.SourceAPI)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runJSON(result.Run))
}

// handleResumeThread wakes an interrupted thread. Resuming a thread
// with no pending wake is out of order and conflicts.
func (s *Server) handleResumeThread(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	thread, err := s.loadThread(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if thread.WakeCondition == nil {
		writeError(w, apierr.New(apierr.KindConflict, "thread has no pending wake"))
		return
	}

	result, err := s.tasks.ResumeThread(r.Context(), thread, owner, store.SourceAPI)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runJSON(result.Run))
}

func (s *Server) loadThread(r *http.Request) (*store.Thread, error) {
	owner := ownerFrom(r.Context())
	thread, err := s.store.GetThread(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.New(apierr.KindNotFound, "thread not found")
		}
		return nil, err
	}
	if err := requireOwner(owner, thread.OwnerID); err != nil {
		return nil, err
	}
	return thread, nil
}

type runResponse struct {
	RunID        string   `json:"run_id"`
	ThreadID     string   `json:"thread_id,omitempty"`
	WorkflowID   string   `json:"workflow_id,omitempty"`
	AgentID      string   `json:"agent_id,omitempty"`
	Status       string   `json:"status"`
	DurationMs   int64    `json:"duration_ms"`
	TotalTokens  *int     `json:"total_tokens"`
	TotalCostUSD *float64 `json:"total_cost_usd"`
	Summary      string   `json:"summary,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func runJSON(run *store.Run) runResponse {
	return runResponse{
		RunID:        run.ID,
		ThreadID:     run.ThreadID,
		WorkflowID:   run.WorkflowID,
		AgentID:      run.AgentID,
		Status:       string(run.Status),
		DurationMs:   run.DurationMs,
		TotalTokens:  run.TotalTokens,
		TotalCostUSD: run.TotalCostUSD,
		Summary:      run.Summary,
		Error:        run.Error,
	}
}
