package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zerg-ai/zerg/internal/events"
	"github.com/zerg-ai/zerg/internal/ident"
	"github.com/zerg-ai/zerg/internal/metrics"
	"github.com/zerg-ai/zerg/internal/store"
	"github.com/zerg-ai/zerg/internal/tools"
)

// Engine executes compiled workflows as runs, emitting node_state
// events along the way.
type Engine struct {
	store   *store.Store
	bus     *events.Bus
	invoker *tools.Invoker
	runner  AgentRunner
	clock   ident.Clock
	logger  *slog.Logger

	mu        sync.Mutex
	cancelled map[string]string // run id → reason
}

// NewEngine wires the engine's collaborators.
func NewEngine(st *store.Store, bus *events.Bus, registry *tools.Registry, runner AgentRunner, clock ident.Clock, logger *slog.Logger) *Engine {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     st,
		bus:       bus,
		invoker:   tools.NewInvoker(registry, logger),
		runner:    runner,
		clock:     clock,
		logger:    logger,
		cancelled: make(map[string]string),
	}
}

// Cancel requests cooperative cancellation of a run. The node currently
// executing finishes; everything still pending is skipped.
func (e *Engine) Cancel(runID, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if reason == "" {
		reason = "user"
	}
	e.cancelled[runID] = reason
}

func (e *Engine) cancelReason(runID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reason, ok := e.cancelled[runID]
	return reason, ok
}

func (e *Engine) clearCancel(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancelled, runID)
}

// Execute runs a workflow to a terminal status. The graph must already
// compile; validation errors surface before any run row is written.
func (e *Engine) Execute(ctx context.Context, wf *store.Workflow, owner *store.Owner, source store.TriggerSource, trigger map[string]any) (*store.Run, error) {
	graph, err := Compile(wf)
	if err != nil {
		return nil, fmt.Errorf("compile workflow: %w", err)
	}

	run := &store.Run{
		ID:            ident.NewRunID(),
		OwnerID:       owner.ID,
		WorkflowID:    wf.ID,
		Status:        store.RunQueued,
		TriggerSource: source,
		StartedAt:     e.clock.Now(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	defer e.clearCancel(run.ID)

	e.publishRunCreated(owner, wf, run)
	if err := e.store.MarkRunRunning(ctx, run.ID); err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	run.Status = store.RunRunning

	st := NewState()
	phases := make(map[string]store.NodePhase, graph.Len())
	branches := make(map[string]bool) // conditional node → chosen branch

	for _, id := range graph.Order() {
		phases[id] = store.NodePending
	}

	cancelledAt := -1
	order := graph.Order()
	for i, id := range order {
		if reason, ok := e.cancelReason(run.ID); ok {
			cancelledAt = i
			run.Error = fmt.Sprintf("cancelled (cancel_reason=%s)", reason)
			break
		}

		node := graph.Node(id)
		if e.shouldSkip(graph, id, phases, branches) {
			phases[id] = store.NodeSkipped
			e.recordNode(ctx, run.ID, id, store.NodeSkipped, nil, "")
			continue
		}

		phases[id] = store.NodeRunning
		e.recordNode(ctx, run.ID, id, store.NodeRunning, nil, "")

		env, nodeErr := e.executeNode(ctx, node, st, owner, wf, trigger)
		if nodeErr != nil {
			phases[id] = store.NodeFailed
			st.Fail(fmt.Sprintf("node %s: %v", id, nodeErr))
			e.recordNode(ctx, run.ID, id, store.NodeFailed, nil, nodeErr.Error())
			continue
		}

		phases[id] = store.NodeSucceeded
		st.Complete(id, env)
		if node.Type == store.NodeConditional {
			branches[id], _ = env.Value.(bool)
		}
		e.recordNode(ctx, run.ID, id, store.NodeSucceeded, &env, "")
	}

	if cancelledAt >= 0 {
		reason, _ := e.cancelReason(run.ID)
		for _, id := range order[cancelledAt:] {
			if phases[id] == store.NodePending {
				phases[id] = store.NodeSkipped
				e.recordNode(ctx, run.ID, id, store.NodeSkipped, nil, "cancel_reason="+reason)
			}
		}
		run.Status = store.RunCancelled
	} else if st.Error != "" {
		run.Status = store.RunFailed
		run.Error = st.Error
	} else {
		run.Status = store.RunSuccess
	}

	if err := e.store.FinishRun(ctx, run); err != nil {
		e.logger.Error("finish workflow run", "run_id", run.ID, "error", err)
	}
	metrics.RunsFinished.WithLabelValues(string(run.Status)).Inc()
	e.publishRunUpdated(run)
	return run, nil
}

// shouldSkip applies the reachability, branch and predecessor rules. A
// node skips when no trigger leads to it, or when every live input is
// absent: all predecessors skipped, failed, or on a conditional branch
// that was not chosen.
func (e *Engine) shouldSkip(graph *Graph, id string, phases map[string]store.NodePhase, branches map[string]bool) bool {
	if !graph.Reachable(id) {
		return true
	}
	incoming := graph.Incoming(id)
	if len(incoming) == 0 {
		return false
	}
	for _, edge := range incoming {
		switch phases[edge.From] {
		case store.NodeSkipped, store.NodeFailed:
			continue
		case store.NodeSucceeded:
			if edge.Branch != "" {
				chosen := "false"
				if branches[edge.From] {
					chosen = "true"
				}
				if edge.Branch != chosen {
					continue
				}
			}
			return false
		}
	}
	return true
}

func (e *Engine) recordNode(ctx context.Context, runID, nodeID string, phase store.NodePhase, env *Envelope, errMsg string) {
	ns := &store.NodeExecutionState{
		RunID:  runID,
		NodeID: nodeID,
		Phase:  phase,
		Error:  errMsg,
	}
	now := e.clock.Now()
	switch phase {
	case store.NodeRunning:
		ns.StartedAt = &now
	case store.NodeSucceeded, store.NodeFailed, store.NodeSkipped:
		ns.FinishedAt = &now
	}

	var rawEnv json.RawMessage
	if env != nil {
		data, err := json.Marshal(env)
		if err == nil {
			rawEnv = data
			ns.Envelope = data
		}
	}
	if err := e.store.UpsertNodeState(ctx, ns); err != nil {
		e.logger.Warn("record node state", "run_id", runID, "node_id", nodeID, "error", err)
	}

	e.bus.Publish(events.NewTypedEvent(events.SourceEngine, events.WorkflowExecutionTopic(runID), events.NodeStatePayload{
		RunID:    runID,
		NodeID:   nodeID,
		Phase:    string(phase),
		Envelope: rawEnv,
		Error:    errMsg,
	}))
}

func (e *Engine) publishRunCreated(owner *store.Owner, wf *store.Workflow, run *store.Run) {
	payload := events.RunCreatedPayload{
		RunID:         run.ID,
		OwnerID:       owner.ID,
		WorkflowID:    wf.ID,
		TriggerSource: string(run.TriggerSource),
		Status:        string(run.Status),
	}
	e.bus.Publish(events.NewTypedEvent(events.SourceEngine, events.WorkflowExecutionTopic(run.ID), payload))
	e.bus.Publish(events.NewTypedEvent(events.SourceEngine, events.OpsTopic, payload))
}

func (e *Engine) publishRunUpdated(run *store.Run) {
	payload := events.RunUpdatedPayload{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		Status:     string(run.Status),
		DurationMs: run.DurationMs,
		Error:      run.Error,
	}
	e.bus.Publish(events.NewTypedEvent(events.SourceEngine, events.WorkflowExecutionTopic(run.ID), payload))
	e.bus.Publish(events.NewTypedEvent(events.SourceEngine, events.OpsTopic, payload))
}
