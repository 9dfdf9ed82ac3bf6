package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zerg-ai/zerg/internal/apierr"
	"github.com/zerg-ai/zerg/internal/ident"
	"github.com/zerg-ai/zerg/internal/store"
	"github.com/zerg-ai/zerg/internal/workflow"
)

type workflowRequest struct {
	Name  string               `json:"name"`
	Nodes []store.WorkflowNode `json:"nodes"`
	Edges []store.WorkflowEdge `json:"edges"`
}

type workflowJSON struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Nodes     []store.WorkflowNode `json:"nodes"`
	Edges     []store.WorkflowEdge `json:"edges"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

func toWorkflowJSON(wf *store.Workflow) workflowJSON {
	return workflowJSON{
		ID:        wf.ID,
		Name:      wf.Name,
		Nodes:     wf.Nodes,
		Edges:     wf.Edges,
		CreatedAt: wf.CreatedAt,
		UpdatedAt: wf.UpdatedAt,
	}
}

// validateGraph compiles the canvas so structural problems surface at
// save time rather than first execution.
func validateGraph(wf *store.Workflow) error {
	if _, err := workflow.Compile(wf); err != nil {
		return apierr.Wrap(apierr.KindValidation, "invalid workflow graph", err)
	}
	return nil
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())

	var req workflowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, apierr.New(apierr.KindValidation, "name is required"))
		return
	}

	wf := &store.Workflow{
		ID:      "wf_" + ident.NewID(),
		OwnerID: owner.ID,
		Name:    req.Name,
		Nodes:   req.Nodes,
		Edges:   req.Edges,
	}
	if err := validateGraph(wf); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.CreateWorkflow(r.Context(), wf); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWorkflowJSON(wf))
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	wfs, err := s.store.ListWorkflows(r.Context(), owner.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]workflowJSON, len(wfs))
	for i, wf := range wfs {
		out[i] = toWorkflowJSON(wf)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.loadWorkflow(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowJSON(wf))
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.loadWorkflow(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req workflowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name != "" {
		wf.Name = req.Name
	}
	wf.Nodes = req.Nodes
	wf.Edges = req.Edges
	if err := validateGraph(wf); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.UpdateWorkflow(r.Context(), wf); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowJSON(wf))
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.loadWorkflow(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteWorkflow(r.Context(), wf.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExecuteWorkflow runs the workflow to completion. Node progress
// streams on the workflow_execution topic while this request blocks.
func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	wf, err := s.loadWorkflow(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Trigger map[string]any `json:"trigger,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	run, err := s.engine.Execute(r.Context(), wf, owner, store.SourceAPI, req.Trigger)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runJSON(run))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, apierr.New(apierr.KindNotFound, "run not found"))
			return
		}
		writeError(w, err)
		return
	}
	if err := requireOwner(owner, run.OwnerID); err != nil {
		writeError(w, err)
		return
	}

	states, err := s.store.ListNodeStates(r.Context(), run.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	type nodeJSON struct {
		NodeID string `json:"node_id"`
		Phase  string `json:"phase"`
		Error  string `json:"error,omitempty"`
	}
	nodes := make([]nodeJSON, len(states))
	for i, ns := range states {
		nodes[i] = nodeJSON{NodeID: ns.NodeID, Phase: string(ns.Phase), Error: ns.Error}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":   runJSON(run),
		"nodes": nodes,
	})
}

// handleCancelRun requests cooperative cancellation; the engine stops
// before the next node.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, apierr.New(apierr.KindNotFound, "run not found"))
			return
		}
		writeError(w, err)
		return
	}
	if err := requireOwner(owner, run.OwnerID); err != nil {
		writeError(w, err)
		return
	}
	if run.Status.Terminal() {
		writeError(w, apierr.Newf(apierr.KindConflict, "run %s already %s", run.ID, run.Status))
		return
	}

	s.engine.Cancel(run.ID, "user")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) loadWorkflow(r *http.Request) (*store.Workflow, error) {
	owner := ownerFrom(r.Context())
	wf, err := s.store.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.New(apierr.KindNotFound, "workflow not found")
		}
		return nil, err
	}
	if err := requireOwner(owner, wf.OwnerID); err != nil {
		return nil, err
	}
	return wf, nil
}
