package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zerg-ai/zerg/internal/agentrun"
	"github.com/zerg-ai/zerg/internal/ident"
	"github.com/zerg-ai/zerg/internal/metrics"
	"github.com/zerg-ai/zerg/internal/store"
)

// AgentRunner is the runner slice the scheduler drives.
type AgentRunner interface {
	Run(ctx context.Context, threadID string, owner *store.Owner, source store.TriggerSource) (*agentrun.Result, error)
	Sequencer() *ident.Sequencer
}

// TaskRunner starts non-interactive agent runs: a fresh thread seeded
// with the agent's task instructions, then one runner turn. Cron
// fires, trigger events, and the manual Run button all come through
// here so they behave identically.
type TaskRunner struct {
	store  *store.Store
	runner AgentRunner
	locks  *RunLock
	quotas *Quotas
	logger *slog.Logger
}

// NewTaskRunner wires the task runner.
func NewTaskRunner(st *store.Store, runner AgentRunner, locks *RunLock, quotas *Quotas, logger *slog.Logger) *TaskRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskRunner{store: st, runner: runner, locks: locks, quotas: quotas, logger: logger}
}

// StartAgentRun gates, locks, seeds a thread, and runs one turn. The
// lock is held until the run reaches a terminal status.
func (t *TaskRunner) StartAgentRun(ctx context.Context, agent *store.Agent, owner *store.Owner, kind store.ThreadKind, source store.TriggerSource) (*agentrun.Result, error) {
	if err := t.quotas.CheckRunAllowed(ctx, owner); err != nil {
		metrics.RunsRejected.WithLabelValues("quota").Inc()
		return nil, err
	}
	if err := t.locks.Acquire(agent.ID, "pending"); err != nil {
		metrics.RunsRejected.WithLabelValues("lock").Inc()
		return nil, err
	}
	defer t.locks.Release(agent.ID)

	thread, err := t.seedThread(ctx, agent, owner, kind)
	if err != nil {
		return nil, err
	}
	return t.runner.Run(ctx, thread.ID, owner, source)
}

// RunThread appends a user message and runs one turn on an existing
// thread. This is the chat path; it shares the quota and lock gates
// with task runs.
func (t *TaskRunner) RunThread(ctx context.Context, thread *store.Thread, owner *store.Owner, content string, source store.TriggerSource) (*agentrun.Result, error) {
	if err := t.quotas.CheckRunAllowed(ctx, owner); err != nil {
		metrics.RunsRejected.WithLabelValues("quota").Inc()
		return nil, err
	}
	if err := t.locks.Acquire(thread.AgentID, "pending"); err != nil {
		metrics.RunsRejected.WithLabelValues("lock").Inc()
		return nil, err
	}
	defer t.locks.Release(thread.AgentID)

	if content != "" {
		msg := &store.Message{
			ID:       ident.NewMessageID(),
			ThreadID: thread.ID,
			Role:     "user",
			Content:  content,
			SentAt:   t.runner.Sequencer().Next(thread.ID),
		}
		if err := t.store.AppendMessages(ctx, []*store.Message{msg}); err != nil {
			return nil, fmt.Errorf("append user message: %w", err)
		}
	}
	return t.runner.Run(ctx, thread.ID, owner, source)
}

// ResumeThread runs one more turn on an existing thread, clearing its
// wake condition first so a failed resume does not re-fire.
func (t *TaskRunner) ResumeThread(ctx context.Context, thread *store.Thread, owner *store.Owner, source store.TriggerSource) (*agentrun.Result, error) {
	if err := t.quotas.CheckRunAllowed(ctx, owner); err != nil {
		return nil, err
	}
	if err := t.locks.Acquire(thread.AgentID, "pending"); err != nil {
		return nil, err
	}
	defer t.locks.Release(thread.AgentID)

	if thread.WakeCondition != nil {
		if err := t.store.SetThreadWake(ctx, thread.ID, nil); err != nil {
			return nil, fmt.Errorf("clear wake condition: %w", err)
		}
	}
	return t.runner.Run(ctx, thread.ID, owner, source)
}

// seedThread creates the run's thread with the agent's system message
// and a user message carrying the task instructions.
func (t *TaskRunner) seedThread(ctx context.Context, agent *store.Agent, owner *store.Owner, kind store.ThreadKind) (*store.Thread, error) {
	thread := &store.Thread{
		ID:      ident.NewThreadID(),
		OwnerID: owner.ID,
		AgentID: agent.ID,
		Title:   agent.Name,
		Kind:    kind,
	}
	if err := t.store.CreateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}

	seq := t.runner.Sequencer()
	msgs := []*store.Message{{
		ID:       ident.NewMessageID(),
		ThreadID: thread.ID,
		Role:     "system",
		Content:  agent.SystemInstructions,
		SentAt:   seq.Next(thread.ID),
	}}
	task := agent.TaskInstructions
	if task == "" {
		task = "Perform your scheduled task."
	}
	msgs = append(msgs, &store.Message{
		ID:       ident.NewMessageID(),
		ThreadID: thread.ID,
		Role:     "user",
		Content:  task,
		SentAt:   seq.Next(thread.ID),
	})
	if err := t.store.AppendMessages(ctx, msgs); err != nil {
		return nil, fmt.Errorf("seed thread: %w", err)
	}
	return thread, nil
}
