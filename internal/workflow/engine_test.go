package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/zerg-ai/zerg/internal/agentrun"
	"github.com/zerg-ai/zerg/internal/events"
	"github.com/zerg-ai/zerg/internal/ident"
	"github.com/zerg-ai/zerg/internal/store"
	"github.com/zerg-ai/zerg/internal/tools"
)

type fakeTool struct {
	name string
	run  func(ctx context.Context, args string) (string, error)
}

func (f *fakeTool) Info(context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: f.name, Desc: "test tool"}, nil
}

func (f *fakeTool) InvokableRun(ctx context.Context, args string, _ ...tool.Option) (string, error) {
	return f.run(ctx, args)
}

type fakeRunner struct {
	seq     *ident.Sequencer
	threads []string
	reply   string
	err     error
}

func (f *fakeRunner) Run(_ context.Context, threadID string, owner *store.Owner, _ store.TriggerSource) (*agentrun.Result, error) {
	f.threads = append(f.threads, threadID)
	if f.err != nil {
		return nil, f.err
	}
	return &agentrun.Result{
		Run: &store.Run{ID: "run_agent", OwnerID: owner.ID, Status: store.RunSuccess},
		NewMessages: []*store.Message{
			{Role: "assistant", Content: f.reply},
		},
	}, nil
}

func (f *fakeRunner) Sequencer() *ident.Sequencer { return f.seq }

type engineFixture struct {
	store  *store.Store
	bus    *events.Bus
	engine *Engine
	runner *fakeRunner
	owner  *store.Owner
}

func newEngineFixture(t *testing.T, fakes ...*fakeTool) *engineFixture {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	if err := st.Init(ctx); err != nil {
		t.Fatalf("init store: %v", err)
	}

	owner := &store.Owner{ID: "own_1", Email: "wf@example.com"}
	if err := st.CreateOwner(ctx, owner); err != nil {
		t.Fatalf("create owner: %v", err)
	}

	b := tools.NewBuilder()
	for _, f := range fakes {
		if err := b.Register(f.name, f); err != nil {
			t.Fatalf("register %s: %v", f.name, err)
		}
	}

	bus := events.NewBus(128)
	t.Cleanup(bus.Close)
	runner := &fakeRunner{seq: ident.NewSequencer(nil), reply: "done"}
	return &engineFixture{
		store:  st,
		bus:    bus,
		engine: NewEngine(st, bus, b.Build(), runner, nil, nil),
		runner: runner,
		owner:  owner,
	}
}

func cfg(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	return data
}

func phasesByNode(t *testing.T, st *store.Store, runID string) map[string]store.NodePhase {
	t.Helper()
	states, err := st.ListNodeStates(context.Background(), runID)
	if err != nil {
		t.Fatalf("list node states: %v", err)
	}
	out := make(map[string]store.NodePhase, len(states))
	for _, ns := range states {
		out[ns.NodeID] = ns.Phase
	}
	return out
}

func TestExecuteBranching(t *testing.T) {
	echo := &fakeTool{name: "echo", run: func(_ context.Context, args string) (string, error) {
		var in map[string]any
		if err := json.Unmarshal([]byte(args), &in); err != nil {
			return "", err
		}
		return tools.Success(in).Encode(), nil
	}}
	fx := newEngineFixture(t, echo)

	wf := &store.Workflow{
		ID:      "wf_1",
		OwnerID: fx.owner.ID,
		Name:    "branching",
		Nodes: []store.WorkflowNode{
			{ID: "start", Type: store.NodeTrigger, Config: json.RawMessage(`{}`)},
			{ID: "fetch", Type: store.NodeTool, Config: cfg(t, toolNodeConfig{
				ToolName: "echo",
				Params:   map[string]any{"count": "${start.value.count}"},
			})},
			{ID: "gate", Type: store.NodeConditional, Config: cfg(t, conditionalNodeConfig{
				Expression: "${fetch.value.count} > 2",
			})},
			{ID: "big", Type: store.NodeTool, Config: cfg(t, toolNodeConfig{
				ToolName: "echo",
				Params:   map[string]any{"path": "big"},
			})},
			{ID: "small", Type: store.NodeTool, Config: cfg(t, toolNodeConfig{
				ToolName: "echo",
				Params:   map[string]any{"path": "small"},
			})},
		},
		Edges: []store.WorkflowEdge{
			{From: "start", To: "fetch"},
			{From: "fetch", To: "gate"},
			{From: "gate", To: "big", Branch: "true"},
			{From: "gate", To: "small", Branch: "false"},
		},
	}

	run, err := fx.engine.Execute(context.Background(), wf, fx.owner, store.SourceAPI,
		map[string]any{"count": float64(5)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if run.Status != store.RunSuccess {
		t.Fatalf("status = %s, error = %q", run.Status, run.Error)
	}

	phases := phasesByNode(t, fx.store, run.ID)
	want := map[string]store.NodePhase{
		"start": store.NodeSucceeded,
		"fetch": store.NodeSucceeded,
		"gate":  store.NodeSucceeded,
		"big":   store.NodeSucceeded,
		"small": store.NodeSkipped,
	}
	for id, phase := range want {
		if phases[id] != phase {
			t.Fatalf("node %s phase = %s, want %s (all: %v)", id, phases[id], phase, phases)
		}
	}
}

func TestExecuteFalseBranch(t *testing.T) {
	echo := &fakeTool{name: "echo", run: func(_ context.Context, args string) (string, error) {
		return tools.Success(map[string]any{"ok": true}).Encode(), nil
	}}
	fx := newEngineFixture(t, echo)

	wf := &store.Workflow{
		ID: "wf_2", OwnerID: fx.owner.ID, Name: "false branch",
		Nodes: []store.WorkflowNode{
			{ID: "start", Type: store.NodeTrigger, Config: json.RawMessage(`{}`)},
			{ID: "gate", Type: store.NodeConditional, Config: cfg(t, conditionalNodeConfig{
				Expression: "${start.value.count} > 2",
			})},
			{ID: "big", Type: store.NodeTool, Config: cfg(t, toolNodeConfig{ToolName: "echo"})},
			{ID: "small", Type: store.NodeTool, Config: cfg(t, toolNodeConfig{ToolName: "echo"})},
		},
		Edges: []store.WorkflowEdge{
			{From: "start", To: "gate"},
			{From: "gate", To: "big", Branch: "true"},
			{From: "gate", To: "small", Branch: "false"},
		},
	}

	run, err := fx.engine.Execute(context.Background(), wf, fx.owner, store.SourceAPI,
		map[string]any{"count": float64(1)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if run.Status != store.RunSuccess {
		t.Fatalf("status = %s, error = %q", run.Status, run.Error)
	}

	phases := phasesByNode(t, fx.store, run.ID)
	if phases["big"] != store.NodeSkipped || phases["small"] != store.NodeSucceeded {
		t.Fatalf("phases = %v", phases)
	}
}

func TestExecuteNodeFailureSkipsDownstream(t *testing.T) {
	boom := &fakeTool{name: "boom", run: func(context.Context, string) (string, error) {
		return tools.Failure(tools.ErrUpstream, "service down").Encode(), nil
	}}
	echo := &fakeTool{name: "echo", run: func(context.Context, string) (string, error) {
		return tools.Success(nil).Encode(), nil
	}}
	fx := newEngineFixture(t, boom, echo)

	wf := &store.Workflow{
		ID: "wf_3", OwnerID: fx.owner.ID, Name: "failure",
		Nodes: []store.WorkflowNode{
			{ID: "start", Type: store.NodeTrigger, Config: json.RawMessage(`{}`)},
			{ID: "broken", Type: store.NodeTool, Config: cfg(t, toolNodeConfig{ToolName: "boom"})},
			{ID: "after", Type: store.NodeTool, Config: cfg(t, toolNodeConfig{ToolName: "echo"})},
		},
		Edges: []store.WorkflowEdge{
			{From: "start", To: "broken"},
			{From: "broken", To: "after"},
		},
	}

	run, err := fx.engine.Execute(context.Background(), wf, fx.owner, store.SourceAPI, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if run.Status != store.RunFailed {
		t.Fatalf("status = %s", run.Status)
	}
	if run.Error == "" {
		t.Fatal("expected run error to name the failed node")
	}

	phases := phasesByNode(t, fx.store, run.ID)
	if phases["broken"] != store.NodeFailed || phases["after"] != store.NodeSkipped {
		t.Fatalf("phases = %v", phases)
	}

	stored, err := fx.store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.Status != store.RunFailed {
		t.Fatalf("stored status = %s", stored.Status)
	}
}

func TestExecuteCancellation(t *testing.T) {
	// The first tool node cancels its own run, so the nodes after it
	// must come out skipped and the run cancelled.
	runIDCh := make(chan string, 1)
	var fx *engineFixture
	cancelling := &fakeTool{name: "cancelling", run: func(context.Context, string) (string, error) {
		fx.engine.Cancel(<-runIDCh, "user")
		return tools.Success(nil).Encode(), nil
	}}
	fx = newEngineFixture(t, cancelling)

	wf := &store.Workflow{
		ID: "wf_4", OwnerID: fx.owner.ID, Name: "cancel",
		Nodes: []store.WorkflowNode{
			{ID: "start", Type: store.NodeTrigger, Config: json.RawMessage(`{}`)},
			{ID: "first", Type: store.NodeTool, Config: cfg(t, toolNodeConfig{ToolName: "cancelling"})},
			{ID: "second", Type: store.NodeTool, Config: cfg(t, toolNodeConfig{ToolName: "cancelling"})},
		},
		Edges: []store.WorkflowEdge{
			{From: "start", To: "first"},
			{From: "first", To: "second"},
		},
	}

	ch, unsub := fx.bus.SubscribeChan(16, events.EventRunCreated)
	defer unsub()
	done := make(chan *store.Run, 1)
	go func() {
		run, err := fx.engine.Execute(context.Background(), wf, fx.owner, store.SourceAPI, nil)
		if err != nil {
			t.Errorf("execute: %v", err)
		}
		done <- run
	}()

	select {
	case e := <-ch:
		payload, ok := events.ExtractPayload[events.RunCreatedPayload](e)
		if !ok {
			t.Fatal("bad run_created payload")
		}
		runIDCh <- payload.RunID
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run_created")
	}

	run := <-done
	if run.Status != store.RunCancelled {
		t.Fatalf("status = %s", run.Status)
	}

	phases := phasesByNode(t, fx.store, run.ID)
	if phases["first"] != store.NodeSucceeded || phases["second"] != store.NodeSkipped {
		t.Fatalf("phases = %v", phases)
	}
}

func TestExecuteAgentNode(t *testing.T) {
	fx := newEngineFixture(t)
	fx.runner.reply = "report ready"

	wf := &store.Workflow{
		ID: "wf_5", OwnerID: fx.owner.ID, Name: "agents",
		Nodes: []store.WorkflowNode{
			{ID: "start", Type: store.NodeTrigger, Config: json.RawMessage(`{}`)},
			{ID: "summarize", Type: store.NodeAgent, Config: cfg(t, agentNodeConfig{
				AgentID: "agt_1",
				Message: "summarize ${start.value.subject}",
			})},
		},
		Edges: []store.WorkflowEdge{{From: "start", To: "summarize"}},
	}

	run, err := fx.engine.Execute(context.Background(), wf, fx.owner, store.SourceAPI,
		map[string]any{"subject": "q2 numbers"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if run.Status != store.RunSuccess {
		t.Fatalf("status = %s, error = %q", run.Status, run.Error)
	}
	if len(fx.runner.threads) != 1 {
		t.Fatalf("agent runs = %d", len(fx.runner.threads))
	}

	// The agent node's thread was created and seeded with the resolved
	// message before the run.
	msgs, err := fx.store.ListMessages(context.Background(), fx.runner.threads[0], 0, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != "user" || msgs[0].Content != "summarize q2 numbers" {
		t.Fatalf("seeded messages = %+v", msgs)
	}

	states, err := fx.store.ListNodeStates(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("list node states: %v", err)
	}
	for _, ns := range states {
		if ns.NodeID != "summarize" || ns.Phase != store.NodeSucceeded {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(ns.Envelope, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		value, ok := env.Value.(map[string]any)
		if !ok {
			t.Fatalf("envelope value = %T", env.Value)
		}
		list, ok := value["messages"].([]any)
		if !ok || len(list) != 1 {
			t.Fatalf("messages = %v", value["messages"])
		}
		msg := list[0].(map[string]any)
		if msg["role"] != "assistant" || msg["content"] != "report ready" {
			t.Fatalf("message = %v", msg)
		}
		return
	}
	t.Fatal("no succeeded node state for summarize")
}

func TestExecuteEmitsNodeStateEvents(t *testing.T) {
	echo := &fakeTool{name: "echo", run: func(context.Context, string) (string, error) {
		return tools.Success(nil).Encode(), nil
	}}
	fx := newEngineFixture(t, echo)

	ch, unsub := fx.bus.SubscribeChan(32, events.EventNodeState)
	defer unsub()

	wf := &store.Workflow{
		ID: "wf_6", OwnerID: fx.owner.ID, Name: "events",
		Nodes: []store.WorkflowNode{
			{ID: "start", Type: store.NodeTrigger, Config: json.RawMessage(`{}`)},
			{ID: "work", Type: store.NodeTool, Config: cfg(t, toolNodeConfig{ToolName: "echo"})},
		},
		Edges: []store.WorkflowEdge{{From: "start", To: "work"}},
	}

	run, err := fx.engine.Execute(context.Background(), wf, fx.owner, store.SourceAPI, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// start running, start succeeded, work running, work succeeded.
	wantTopic := events.WorkflowExecutionTopic(run.ID)
	var seen []string
	deadline := time.After(2 * time.Second)
	for len(seen) < 4 {
		select {
		case e := <-ch:
			if e.Topic != wantTopic {
				t.Fatalf("topic = %s, want %s", e.Topic, wantTopic)
			}
			payload, ok := events.ExtractPayload[events.NodeStatePayload](e)
			if !ok {
				t.Fatal("bad node_state payload")
			}
			seen = append(seen, fmt.Sprintf("%s:%s", payload.NodeID, payload.Phase))
		case <-deadline:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	want := []string{"start:running", "start:succeeded", "work:running", "work:succeeded"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("events = %v, want %v", seen, want)
		}
	}
}

func TestExecuteSkipsUnreachableNode(t *testing.T) {
	echo := &fakeTool{name: "echo", run: func(_ context.Context, args string) (string, error) {
		return tools.Success(map[string]any{"ok": true}).Encode(), nil
	}}
	fx := newEngineFixture(t, echo)

	wf := &store.Workflow{
		ID:      "wf_orphan",
		OwnerID: fx.owner.ID,
		Name:    "orphan",
		Nodes: []store.WorkflowNode{
			{ID: "start", Type: store.NodeTrigger, Config: json.RawMessage(`{}`)},
			{ID: "fetch", Type: store.NodeTool, Config: cfg(t, toolNodeConfig{ToolName: "echo"})},
			{ID: "orphan", Type: store.NodeTool, Config: cfg(t, toolNodeConfig{ToolName: "echo"})},
		},
		Edges: []store.WorkflowEdge{{From: "start", To: "fetch"}},
	}

	run, err := fx.engine.Execute(context.Background(), wf, fx.owner, store.SourceAPI, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if run.Status != store.RunSuccess {
		t.Fatalf("status = %s, error = %q", run.Status, run.Error)
	}

	phases := phasesByNode(t, fx.store, run.ID)
	want := map[string]store.NodePhase{
		"start":  store.NodeSucceeded,
		"fetch":  store.NodeSucceeded,
		"orphan": store.NodeSkipped,
	}
	for id, phase := range want {
		if phases[id] != phase {
			t.Fatalf("node %s phase = %s, want %s (all: %v)", id, phases[id], phase, phases)
		}
	}
}
