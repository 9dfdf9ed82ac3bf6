package agentrun

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/zerg-ai/zerg/internal/events"
	"github.com/zerg-ai/zerg/internal/pricing"
	"github.com/zerg-ai/zerg/internal/secrets"
	"github.com/zerg-ai/zerg/internal/store"
	"github.com/zerg-ai/zerg/internal/tools"
)

// scriptedModel replays a fixed sequence of responses.
type scriptedModel struct {
	responses []*schema.Message
	calls     [][]*schema.Message
	idx       int
}

func (m *scriptedModel) Generate(_ context.Context, msgs []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.calls = append(m.calls, msgs)
	if m.idx >= len(m.responses) {
		return schema.AssistantMessage("done", nil), nil
	}
	resp := m.responses[m.idx]
	m.idx++
	return resp, nil
}

func (m *scriptedModel) Stream(ctx context.Context, msgs []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	resp, err := m.Generate(ctx, msgs, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{resp}), nil
}

func (m *scriptedModel) WithTools(_ []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

type scriptedFactory struct{ m *scriptedModel }

func (f *scriptedFactory) Create(context.Context, string) (model.ToolCallingChatModel, error) {
	return f.m, nil
}

type echoTool struct{ name string }

func (e *echoTool) Info(context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: e.name, Desc: "echo"}, nil
}

func (e *echoTool) InvokableRun(_ context.Context, args string, _ ...tool.Option) (string, error) {
	return tools.Success(map[string]any{"echo": args, "tool": e.name}).Encode(), nil
}

var _ tool.InvokableTool = (*echoTool)(nil)

type fixture struct {
	runner *Runner
	store  *store.Store
	bus    *events.Bus
	owner  *store.Owner
	agent  *store.Agent
	thread *store.Thread
	model  *scriptedModel
}

func newFixture(t *testing.T, responses []*schema.Message, catalogJSON string, stream bool) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Init(ctx); err != nil {
		t.Fatalf("init store: %v", err)
	}

	bus := events.NewBus(64)
	t.Cleanup(bus.Close)

	key, err := secrets.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	box, err := secrets.NewBox(key)
	if err != nil {
		t.Fatalf("box: %v", err)
	}

	b := tools.NewBuilder()
	for _, name := range []string{"echo_a", "echo_b"} {
		if err := b.Register(name, &echoTool{name: name}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	catalog, err := pricing.Parse([]byte(catalogJSON))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	m := &scriptedModel{responses: responses}
	runner := New(Options{
		Store:     st,
		Bus:       bus,
		Registry:  b.Build(),
		Factory:   &scriptedFactory{m: m},
		Catalog:   catalog,
		Box:       box,
		Stream:    stream,
		Supported: []string{"github"},
	})

	owner := &store.Owner{ID: "own_1", Email: "u@example.com"}
	if err := st.CreateOwner(ctx, owner); err != nil {
		t.Fatalf("owner: %v", err)
	}
	agent := &store.Agent{
		ID: "agt_1", OwnerID: owner.ID, Name: "helper", Model: "gpt-4o",
		SystemInstructions: "You are helpful.",
		AllowedTools:       []string{"echo_*"},
	}
	if err := st.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("agent: %v", err)
	}
	thread := &store.Thread{ID: "thr_1", OwnerID: owner.ID, AgentID: agent.ID, Kind: store.ThreadChat}
	if err := st.CreateThread(ctx, thread); err != nil {
		t.Fatalf("thread: %v", err)
	}
	if err := st.AppendMessages(ctx, []*store.Message{{
		ID: "m_user", ThreadID: thread.ID, Role: "user",
		Content: "hello", SentAt: time.Now().UTC(),
	}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	return &fixture{runner: runner, store: st, bus: bus, owner: owner, agent: agent, thread: thread, model: m}
}

func withUsage(m *schema.Message, prompt, completion int) *schema.Message {
	m.ResponseMeta = &schema.ResponseMeta{
		Usage: &schema.TokenUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}
	return m
}

func toolCallMessage(calls ...schema.ToolCall) *schema.Message {
	return &schema.Message{Role: schema.Assistant, ToolCalls: calls}
}

func TestSimpleTurn(t *testing.T) {
	f := newFixture(t, []*schema.Message{
		withUsage(schema.AssistantMessage("Hi there, how can I help?", nil), 20, 8),
	}, `{"gpt-4o": [2.5, 10.0]}`, false)

	res, err := f.runner.Run(context.Background(), f.thread.ID, f.owner, store.SourceManual)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(res.NewMessages) != 1 {
		t.Fatalf("new messages = %d", len(res.NewMessages))
	}
	if res.NewMessages[0].Role != "assistant" || res.NewMessages[0].Content != "Hi there, how can I help?" {
		t.Fatalf("message = %+v", res.NewMessages[0])
	}

	run := res.Run
	if run.Status != store.RunSuccess {
		t.Fatalf("status = %s", run.Status)
	}
	if run.TotalTokens == nil || *run.TotalTokens != 28 {
		t.Fatalf("tokens = %v", run.TotalTokens)
	}
	want := 20.0/1000*2.5 + 8.0/1000*10.0
	if run.TotalCostUSD == nil || *run.TotalCostUSD != want {
		t.Fatalf("cost = %v, want %v", run.TotalCostUSD, want)
	}
	if run.Summary != "Hi there, how can I help?" {
		t.Fatalf("summary = %q", run.Summary)
	}

	// Only the suffix persists: the seeded user message plus the reply.
	persisted, err := f.store.ListMessages(context.Background(), f.thread.ID, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(persisted) != 2 {
		t.Fatalf("persisted = %d", len(persisted))
	}
	if !persisted[1].SentAt.After(persisted[0].SentAt) {
		t.Fatal("sent_at not monotonic")
	}
}

func TestParallelToolFanOut(t *testing.T) {
	f := newFixture(t, []*schema.Message{
		withUsage(toolCallMessage(
			schema.ToolCall{ID: "call_1", Function: schema.FunctionCall{Name: "echo_a", Arguments: `{"x":1}`}},
			schema.ToolCall{ID: "call_2", Function: schema.FunctionCall{Name: "echo_b", Arguments: `{"x":2}`}},
		), 30, 12),
		withUsage(schema.AssistantMessage("both tools returned", nil), 50, 9),
	}, `{}`, false)

	res, err := f.runner.Run(context.Background(), f.thread.ID, f.owner, store.SourceAPI)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// assistant(tool calls), tool, tool, assistant(final)
	if len(res.NewMessages) != 4 {
		t.Fatalf("new messages = %d: %+v", len(res.NewMessages), res.NewMessages)
	}
	first := res.NewMessages[0]
	if len(first.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d", len(first.ToolCalls))
	}
	// Pairing: tool messages keep request order and ids.
	if res.NewMessages[1].ToolCallID != "call_1" || res.NewMessages[2].ToolCallID != "call_2" {
		t.Fatalf("pairing broken: %s, %s", res.NewMessages[1].ToolCallID, res.NewMessages[2].ToolCallID)
	}
	if res.NewMessages[1].ParentID != first.ID || res.NewMessages[2].ParentID != first.ID {
		t.Fatal("tool messages not parented to the assistant call")
	}
	if res.NewMessages[3].Role != "assistant" {
		t.Fatalf("final role = %s", res.NewMessages[3].Role)
	}

	// sent_at strictly increasing across the whole suffix.
	for i := 1; i < len(res.NewMessages); i++ {
		if !res.NewMessages[i].SentAt.After(res.NewMessages[i-1].SentAt) {
			t.Fatalf("sent_at not increasing at %d", i)
		}
	}

	// Usage summed across both calls; no catalog entry so cost stays nil.
	if res.Run.TotalTokens == nil || *res.Run.TotalTokens != 30+12+50+9 {
		t.Fatalf("tokens = %v", res.Run.TotalTokens)
	}
	if res.Run.TotalCostUSD != nil {
		t.Fatalf("cost should be nil without catalog entry, got %v", *res.Run.TotalCostUSD)
	}
}

func TestNoUsageMeansNilTotals(t *testing.T) {
	f := newFixture(t, []*schema.Message{
		schema.AssistantMessage("no meta on this one", nil),
	}, `{"gpt-4o": [2.5, 10.0]}`, false)

	res, err := f.runner.Run(context.Background(), f.thread.ID, f.owner, store.SourceManual)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Run.TotalTokens != nil || res.Run.TotalCostUSD != nil {
		t.Fatalf("totals should be nil without provider usage: %v %v",
			res.Run.TotalTokens, res.Run.TotalCostUSD)
	}
}

func TestSummaryTruncation(t *testing.T) {
	long := strings.Repeat("z", 900)
	f := newFixture(t, []*schema.Message{
		schema.AssistantMessage(long, nil),
	}, `{}`, false)

	res, err := f.runner.Run(context.Background(), f.thread.ID, f.owner, store.SourceManual)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Run.Summary) != 500 {
		t.Fatalf("summary len = %d", len(res.Run.Summary))
	}
	// Persisted content is untouched.
	if res.NewMessages[0].Content != long {
		t.Fatal("persisted content was truncated")
	}
}

func TestRunLifecycleEvents(t *testing.T) {
	f := newFixture(t, []*schema.Message{
		withUsage(schema.AssistantMessage("ok", nil), 5, 2),
	}, `{}`, false)

	recv, unsub := f.bus.SubscribeChan(32, events.EventRunCreated, events.EventRunUpdated)
	defer unsub()

	if _, err := f.runner.Run(context.Background(), f.thread.ID, f.owner, store.SourceSchedule); err != nil {
		t.Fatalf("run: %v", err)
	}

	var seen []events.EventType
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case e := <-recv:
			seen = append(seen, e.Type)
			if e.Topic != events.AgentTopic(f.agent.ID) {
				t.Fatalf("topic = %s", e.Topic)
			}
			if e.Type == events.EventRunUpdated {
				p, ok := events.GetRunUpdatedPayload(e)
				if !ok {
					t.Fatal("payload decode failed")
				}
				if p.Status != string(store.RunSuccess) {
					t.Fatalf("status = %s", p.Status)
				}
			}
		case <-timeout:
			t.Fatalf("events seen: %v", seen)
		}
	}
	if seen[0] != events.EventRunCreated || seen[1] != events.EventRunUpdated {
		t.Fatalf("order = %v", seen)
	}
}

func TestStreamingEmitsChunksAndAssistantID(t *testing.T) {
	f := newFixture(t, []*schema.Message{
		withUsage(schema.AssistantMessage("streamed reply", nil), 5, 3),
	}, `{}`, true)

	recv, unsub := f.bus.SubscribeChan(64,
		events.EventStreamStart, events.EventStreamChunk,
		events.EventAssistantID, events.EventStreamEnd)
	defer unsub()

	res, err := f.runner.Run(context.Background(), f.thread.ID, f.owner, store.SourceManual)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var types []events.EventType
	timeout := time.After(2 * time.Second)
	for len(types) < 4 {
		select {
		case e := <-recv:
			if e.Topic != events.ThreadTopic(f.thread.ID) {
				t.Fatalf("topic = %s", e.Topic)
			}
			types = append(types, e.Type)
			if e.Type == events.EventStreamChunk {
				p, ok := events.GetStreamChunkPayload(e)
				if !ok || p.ChunkType != "assistant_token" {
					t.Fatalf("chunk payload = %+v", p)
				}
			}
		case <-timeout:
			t.Fatalf("types so far: %v", types)
		}
	}
	if types[0] != events.EventStreamStart || types[len(types)-1] != events.EventStreamEnd {
		t.Fatalf("bracket order = %v", types)
	}
	if res.NewMessages[0].Content != "streamed reply" {
		t.Fatalf("assembled = %q", res.NewMessages[0].Content)
	}
}

func TestContextInjectionPlacement(t *testing.T) {
	f := newFixture(t, []*schema.Message{
		schema.AssistantMessage("ok", nil),
	}, `{}`, false)

	if _, err := f.runner.Run(context.Background(), f.thread.ID, f.owner, store.SourceManual); err != nil {
		t.Fatalf("run: %v", err)
	}

	sent := f.model.calls[0]
	// system, injection, user
	if len(sent) != 3 {
		t.Fatalf("presented = %d messages", len(sent))
	}
	if sent[0].Role != schema.System || !strings.Contains(sent[0].Content, "Connector protocol") {
		t.Fatalf("system = %+v", sent[0])
	}
	if sent[1].Role != schema.System || !strings.Contains(sent[1].Content, "connector_status") {
		t.Fatalf("injection = %+v", sent[1])
	}
	if sent[2].Role != schema.User || !strings.HasPrefix(sent[2].Content, "[") {
		t.Fatalf("user not timestamp prefixed: %q", sent[2].Content)
	}

	// The injection is ephemeral: nothing with connector_status persists.
	persisted, err := f.store.ListMessages(context.Background(), f.thread.ID, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, m := range persisted {
		if strings.Contains(m.Content, "connector_status") {
			t.Fatal("context injection was persisted")
		}
	}
}

func TestSeededThreadGetsConnectorProtocol(t *testing.T) {
	f := newFixture(t, []*schema.Message{
		schema.AssistantMessage("on it", nil),
	}, `{}`, false)
	ctx := context.Background()

	// Scheduled and triggered threads are seeded with a bare system row
	// holding only the agent instructions, plus the task message.
	thread := &store.Thread{ID: "thr_sched", OwnerID: f.owner.ID, AgentID: f.agent.ID, Kind: store.ThreadScheduled}
	if err := f.store.CreateThread(ctx, thread); err != nil {
		t.Fatalf("thread: %v", err)
	}
	if err := f.store.AppendMessages(ctx, []*store.Message{
		{ID: "m_sys", ThreadID: thread.ID, Role: "system", Content: f.agent.SystemInstructions, SentAt: time.Now().UTC()},
		{ID: "m_task", ThreadID: thread.ID, Role: "user", Content: "Perform your scheduled task.", SentAt: time.Now().UTC().Add(time.Millisecond)},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := f.runner.Run(ctx, thread.ID, f.owner, store.SourceSchedule); err != nil {
		t.Fatalf("run: %v", err)
	}

	sent := f.model.calls[0]
	if sent[0].Role != schema.System || !strings.Contains(sent[0].Content, "Connector protocol") {
		t.Fatalf("system prompt missing connector protocol: %q", sent[0].Content)
	}
	if !strings.HasPrefix(sent[0].Content, f.agent.SystemInstructions) {
		t.Fatalf("system prompt does not start with instructions: %q", sent[0].Content)
	}

	// The persisted system row is replaced in presentation, not duplicated.
	systems := 0
	for _, m := range sent {
		if m.Role == schema.System {
			systems++
		}
	}
	if systems != 2 { // prompt plus context injection
		t.Fatalf("system messages presented = %d", systems)
	}
}
