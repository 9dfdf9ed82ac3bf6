package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zerg-ai/zerg/internal/agentrun"
	"github.com/zerg-ai/zerg/internal/apierr"
	"github.com/zerg-ai/zerg/internal/config"
	"github.com/zerg-ai/zerg/internal/events"
	"github.com/zerg-ai/zerg/internal/ident"
	"github.com/zerg-ai/zerg/internal/store"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeRunner struct {
	mu      sync.Mutex
	seq     *ident.Sequencer
	threads []string
	block   chan struct{} // when set, Run waits until closed
}

func (f *fakeRunner) Run(_ context.Context, threadID string, owner *store.Owner, _ store.TriggerSource) (*agentrun.Result, error) {
	f.mu.Lock()
	f.threads = append(f.threads, threadID)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return &agentrun.Result{Run: &store.Run{ID: "run_x", OwnerID: owner.ID, Status: store.RunSuccess}}, nil
}

func (f *fakeRunner) Sequencer() *ident.Sequencer { return f.seq }

func (f *fakeRunner) ranThreads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.threads))
	copy(out, f.threads)
	return out
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func seedAgent(t *testing.T, s *store.Store, owner *store.Owner) *store.Agent {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateOwner(ctx, owner); err != nil {
		t.Fatalf("owner: %v", err)
	}
	agent := &store.Agent{
		ID: "agt_1", OwnerID: owner.ID, Name: "reporter",
		Model:              "gpt-4o-mini",
		SystemInstructions: "You report.",
		TaskInstructions:   "Summarize yesterday.",
	}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("agent: %v", err)
	}
	return agent
}

func TestRunLock(t *testing.T) {
	l := NewRunLock()
	if err := l.Acquire("agt_1", "run_1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	err := l.Acquire("agt_1", "run_2")
	if apierr.KindOf(err) != apierr.KindConflict {
		t.Fatalf("kind = %v", apierr.KindOf(err))
	}
	if holder, ok := l.Holder("agt_1"); !ok || holder != "run_1" {
		t.Fatalf("holder = %q, %v", holder, ok)
	}

	// Independent agents do not contend.
	if err := l.Acquire("agt_2", "run_3"); err != nil {
		t.Fatalf("acquire other agent: %v", err)
	}

	l.Release("agt_1")
	if err := l.Acquire("agt_1", "run_4"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	l.Release("agt_ghost") // no-op
}

func TestQuotaDailyRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := &store.Owner{ID: "own_1", Email: "a@example.com"}
	if err := s.CreateOwner(ctx, owner); err != nil {
		t.Fatalf("owner: %v", err)
	}

	now := time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC)
	// Two runs today, one before UTC midnight.
	for i, started := range []time.Time{
		now.Add(-time.Hour),
		now.Add(-2 * time.Hour),
		now.Add(-20 * time.Hour),
	} {
		run := &store.Run{
			ID: "run_" + string(rune('a'+i)), OwnerID: owner.ID,
			AgentID: "agt_1", Status: store.RunQueued, TriggerSource: store.SourceManual,
			StartedAt: started,
		}
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	cfg := &config.Settings{DailyRunsPerUser: 2}
	q := NewQuotas(s, cfg, fixedClock{t: now}, nil)
	err := q.CheckRunAllowed(ctx, owner)
	if apierr.KindOf(err) != apierr.KindQuota {
		t.Fatalf("kind = %v (err %v)", apierr.KindOf(err), err)
	}

	// Admins bypass.
	admin := &store.Owner{ID: "own_1", Role: store.RoleAdmin}
	if err := q.CheckRunAllowed(ctx, admin); err != nil {
		t.Fatalf("admin bypass: %v", err)
	}

	// Raising the cap admits the run.
	cfg.DailyRunsPerUser = 5
	if err := q.CheckRunAllowed(ctx, owner); err != nil {
		t.Fatalf("under cap: %v", err)
	}
}

func TestQuotaCostCaps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := &store.Owner{ID: "own_1", Email: "a@example.com"}
	if err := s.CreateOwner(ctx, owner); err != nil {
		t.Fatalf("owner: %v", err)
	}

	now := time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC)
	cost := 0.50 // 50 cents
	run := &store.Run{
		ID: "run_1", OwnerID: owner.ID, AgentID: "agt_1",
		Status: store.RunQueued, TriggerSource: store.SourceManual,
		StartedAt: now.Add(-time.Hour),
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("run: %v", err)
	}
	run.Status = store.RunSuccess
	run.TotalCostUSD = &cost
	if err := s.FinishRun(ctx, run); err != nil {
		t.Fatalf("finish: %v", err)
	}

	clock := fixedClock{t: now}
	over := NewQuotas(s, &config.Settings{DailyCostPerUserCents: 40}, clock, nil)
	if err := over.CheckRunAllowed(ctx, owner); apierr.KindOf(err) != apierr.KindQuota {
		t.Fatalf("per-user cap: kind = %v", apierr.KindOf(err))
	}

	globalOver := NewQuotas(s, &config.Settings{DailyCostGlobalCents: 50}, clock, nil)
	if err := globalOver.CheckRunAllowed(ctx, owner); apierr.KindOf(err) != apierr.KindQuota {
		t.Fatalf("global cap: kind = %v", apierr.KindOf(err))
	}

	under := NewQuotas(s, &config.Settings{DailyCostPerUserCents: 200}, clock, nil)
	if err := under.CheckRunAllowed(ctx, owner); err != nil {
		t.Fatalf("under cap: %v", err)
	}
}

func TestQuotaModelAllowlist(t *testing.T) {
	cfg := &config.Settings{AllowedModelsNonAdmin: []string{"gpt-4o-mini"}}
	q := NewQuotas(nil, cfg, fixedClock{}, nil)

	user := &store.Owner{ID: "own_1", Role: store.RoleUser}
	if err := q.CheckModelAllowed(user, "gpt-4o-mini"); err != nil {
		t.Fatalf("allowed model: %v", err)
	}
	if err := q.CheckModelAllowed(user, "gpt-4o"); apierr.KindOf(err) != apierr.KindValidation {
		t.Fatalf("kind = %v", apierr.KindOf(err))
	}

	admin := &store.Owner{ID: "own_2", Role: store.RoleAdmin}
	if err := q.CheckModelAllowed(admin, "gpt-4o"); err != nil {
		t.Fatalf("admin bypass: %v", err)
	}

	open := NewQuotas(nil, &config.Settings{}, fixedClock{}, nil)
	if err := open.CheckModelAllowed(user, "anything"); err != nil {
		t.Fatalf("empty allowlist: %v", err)
	}
}

func TestStartAgentRunSeedsThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := &store.Owner{ID: "own_1", Email: "a@example.com"}
	agent := seedAgent(t, s, owner)

	runner := &fakeRunner{seq: ident.NewSequencer(nil)}
	tasks := NewTaskRunner(s, runner, NewRunLock(), NewQuotas(s, &config.Settings{}, nil, nil), nil)

	if _, err := tasks.StartAgentRun(ctx, agent, owner, store.ThreadScheduled, store.SourceSchedule); err != nil {
		t.Fatalf("start: %v", err)
	}

	threads := runner.ranThreads()
	if len(threads) != 1 {
		t.Fatalf("runs = %d", len(threads))
	}
	msgs, err := s.ListMessages(ctx, threads[0], 0, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("seeded %d messages", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "You report." {
		t.Fatalf("system message = %+v", msgs[0])
	}
	if msgs[1].Role != "user" || msgs[1].Content != "Summarize yesterday." {
		t.Fatalf("user message = %+v", msgs[1])
	}

	thread, err := s.GetThread(ctx, threads[0])
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if thread.Kind != store.ThreadScheduled {
		t.Fatalf("kind = %s", thread.Kind)
	}
}

func TestStartAgentRunHoldsLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := &store.Owner{ID: "own_1", Email: "a@example.com"}
	agent := seedAgent(t, s, owner)

	block := make(chan struct{})
	runner := &fakeRunner{seq: ident.NewSequencer(nil), block: block}
	locks := NewRunLock()
	tasks := NewTaskRunner(s, runner, locks, NewQuotas(s, &config.Settings{}, nil, nil), nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := tasks.StartAgentRun(ctx, agent, owner, store.ThreadManual, store.SourceManual)
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, held := locks.Holder(agent.ID); held {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lock never acquired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Second start while the first run is in flight → 409.
	_, err := tasks.StartAgentRun(ctx, agent, owner, store.ThreadManual, store.SourceManual)
	if apierr.KindOf(err) != apierr.KindConflict {
		t.Fatalf("kind = %v", apierr.KindOf(err))
	}

	close(block)
	if err := <-errCh; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, held := locks.Holder(agent.ID); held {
		t.Fatal("lock not released after terminal run")
	}
}

func TestTriggerFiredStartsRun(t *testing.T) {
	s := newTestStore(t)
	owner := &store.Owner{ID: "own_1", Email: "a@example.com"}
	seedAgent(t, s, owner)

	bus := events.NewBus(32)
	t.Cleanup(bus.Close)
	runner := &fakeRunner{seq: ident.NewSequencer(nil)}
	tasks := NewTaskRunner(s, runner, NewRunLock(), NewQuotas(s, &config.Settings{}, nil, nil), nil)
	sched := New(s, bus, tasks, nil, nil)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(sched.Stop)

	bus.Publish(events.NewTypedEvent(events.SourceIngress, events.AgentTopic("agt_1"), events.TriggerFiredPayload{
		TriggerID: "trg_1", AgentID: "agt_1", Source: "webhook",
	}))

	deadline := time.Now().Add(2 * time.Second)
	for len(runner.ranThreads()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(runner.ranThreads()); got != 1 {
		t.Fatalf("runs = %d", got)
	}
}

func TestRegisterAgentRejectsBadSpec(t *testing.T) {
	s := newTestStore(t)
	bus := events.NewBus(8)
	t.Cleanup(bus.Close)
	sched := New(s, bus, nil, nil, nil)

	if err := sched.RegisterAgent(&store.Agent{ID: "agt_1", CronSpec: "not a cron"}); err == nil {
		t.Fatal("expected parse error")
	}
	if err := sched.RegisterAgent(&store.Agent{ID: "agt_1", CronSpec: "*/5 * * * *"}); err != nil {
		t.Fatalf("valid spec: %v", err)
	}
	// Empty spec unregisters.
	if err := sched.RegisterAgent(&store.Agent{ID: "agt_1"}); err != nil {
		t.Fatalf("unregister: %v", err)
	}
}
