package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zerg-ai/zerg/internal/events"
	"github.com/zerg-ai/zerg/internal/ident"
	"github.com/zerg-ai/zerg/internal/store"
)

// wakePollInterval is the scan granularity for due thread wakes.
const wakePollInterval = 30 * time.Second

// Scheduler registers cron jobs for scheduled agents, reacts to
// trigger_fired events, and scans for due time wakes.
type Scheduler struct {
	store  *store.Store
	bus    *events.Bus
	tasks  *TaskRunner
	clock  ident.Clock
	logger *slog.Logger

	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID // agent id → cron entry

	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New builds the scheduler. Cron specs are standard 5-field syntax,
// evaluated in UTC.
func New(st *store.Store, bus *events.Bus, tasks *TaskRunner, clock ident.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = ident.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   st,
		bus:     bus,
		tasks:   tasks,
		clock:   clock,
		logger:  logger,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		entries: make(map[string]cron.EntryID),
	}
}

// Start registers every scheduled agent, subscribes to trigger events,
// and begins the cron and wake loops.
func (s *Scheduler) Start(ctx context.Context) error {
	agents, err := s.store.ListScheduledAgents(ctx)
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if err := s.RegisterAgent(agent); err != nil {
			s.logger.Error("register cron agent", "agent_id", agent.ID, "error", err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.unsubscribe = s.bus.Subscribe(func(e events.Event) {
		s.handleTriggerFired(loopCtx, e)
	}, events.EventTriggerFired)

	s.cron.Start()
	s.wg.Add(1)
	go s.wakeLoop(loopCtx)

	s.logger.Info("scheduler started", "cron_entries", len(s.entries))
	return nil
}

// Stop halts cron firing, the wake loop, and the event subscription.
// Runs already in flight complete on their own.
func (s *Scheduler) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// RegisterAgent adds or replaces the agent's cron entry. An empty spec
// removes the entry.
func (s *Scheduler) RegisterAgent(agent *store.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[agent.ID]; ok {
		s.cron.Remove(id)
		delete(s.entries, agent.ID)
	}
	if agent.CronSpec == "" {
		return nil
	}

	agentID := agent.ID
	entryID, err := s.cron.AddFunc(agent.CronSpec, func() {
		s.fireCron(agentID)
	})
	if err != nil {
		return err
	}
	s.entries[agent.ID] = entryID
	return nil
}

// UnregisterAgent drops the agent's cron entry if present.
func (s *Scheduler) UnregisterAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[agentID]; ok {
		s.cron.Remove(id)
		delete(s.entries, agentID)
	}
}

func (s *Scheduler) fireCron(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	agent, owner, err := s.loadAgentOwner(ctx, agentID)
	if err != nil {
		s.logger.Error("cron fire: load agent", "agent_id", agentID, "error", err)
		return
	}
	s.logger.Info("scheduler: triggered", "agent_id", agentID, "source", "cron")
	if _, err := s.tasks.StartAgentRun(ctx, agent, owner, store.ThreadScheduled, store.SourceSchedule); err != nil {
		s.logger.Warn("cron run rejected", "agent_id", agentID, "error", err)
	}
}

func (s *Scheduler) handleTriggerFired(ctx context.Context, e events.Event) {
	payload, ok := events.ExtractPayload[events.TriggerFiredPayload](e)
	if !ok {
		return
	}

	source := store.SourceWebhook
	if payload.Source == "email" {
		source = store.SourceEmail
	}

	runCtx, cancel := context.WithTimeout(ctx, 15*time.Minute)
	defer cancel()

	agent, owner, err := s.loadAgentOwner(runCtx, payload.AgentID)
	if err != nil {
		s.logger.Error("trigger fire: load agent", "agent_id", payload.AgentID, "error", err)
		return
	}
	s.logger.Info("scheduler: triggered", "agent_id", agent.ID, "source", string(source), "trigger_id", payload.TriggerID)
	if _, err := s.tasks.StartAgentRun(runCtx, agent, owner, store.ThreadManual, source); err != nil {
		s.logger.Warn("triggered run rejected", "agent_id", agent.ID, "error", err)
	}
}

// wakeLoop scans for threads whose time wake is due and resumes them.
func (s *Scheduler) wakeLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(wakePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanWakes(ctx)
		}
	}
}

func (s *Scheduler) scanWakes(ctx context.Context) {
	due, err := s.store.ListDueTimeWakes(ctx, s.clock.Now())
	if err != nil {
		s.logger.Error("scan wakes", "error", err)
		return
	}
	for _, thread := range due {
		owner, err := s.store.GetOwner(ctx, thread.OwnerID)
		if err != nil {
			s.logger.Error("wake: load owner", "thread_id", thread.ID, "error", err)
			continue
		}
		s.logger.Info("scheduler: waking thread", "thread_id", thread.ID)
		if _, err := s.tasks.ResumeThread(ctx, thread, owner, store.SourceSchedule); err != nil {
			s.logger.Warn("wake resume rejected", "thread_id", thread.ID, "error", err)
		}
	}
}

func (s *Scheduler) loadAgentOwner(ctx context.Context, agentID string) (*store.Agent, *store.Owner, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	owner, err := s.store.GetOwner(ctx, agent.OwnerID)
	if err != nil {
		return nil, nil, err
	}
	return agent, owner, nil
}
