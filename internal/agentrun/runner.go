// Package agentrun drives a single agent turn: prompt assembly, the
// model/tool loop, persistence and cost accounting.
package agentrun

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zerg-ai/zerg/internal/checkpoint"
	"github.com/zerg-ai/zerg/internal/credentials"
	"github.com/zerg-ai/zerg/internal/events"
	"github.com/zerg-ai/zerg/internal/ident"
	"github.com/zerg-ai/zerg/internal/metrics"
	"github.com/zerg-ai/zerg/internal/pricing"
	"github.com/zerg-ai/zerg/internal/secrets"
	"github.com/zerg-ai/zerg/internal/store"
	"github.com/zerg-ai/zerg/internal/tools"
)

// maxIterations bounds the model/tool loop so a model that keeps
// requesting tools cannot spin forever.
const maxIterations = 16

// ModelFactory builds a chat model for a model name.
type ModelFactory interface {
	Create(ctx context.Context, modelName string) (model.ToolCallingChatModel, error)
}

// Result is what one turn produced.
type Result struct {
	Run         *store.Run
	NewMessages []*store.Message
}

// Runner executes agent turns. One Runner serves the whole process;
// per-run state lives on the stack.
type Runner struct {
	store       *store.Store
	bus         *events.Bus
	registry    *tools.Registry
	invoker     *tools.Invoker
	factory     ModelFactory
	catalog     *pricing.Catalog
	box         *secrets.Box
	checkpoints *checkpoint.Manager
	seq         *ident.Sequencer
	clock       ident.Clock
	stream      bool
	supported   []string
	logger      *slog.Logger
}

// turnCheckpoint marks a turn in flight on a thread. It is cleared on
// terminal transition; a survivor after restart names an orphaned run.
type turnCheckpoint struct {
	RunID     string    `json:"run_id"`
	Source    string    `json:"source"`
	StartedAt time.Time `json:"started_at"`
}

// Options bundles the runner's collaborators.
type Options struct {
	Store     *store.Store
	Bus       *events.Bus
	Registry  *tools.Registry
	Factory   ModelFactory
	Catalog   *pricing.Catalog
	Box       *secrets.Box
	Clock     ident.Clock
	Stream    bool
	Supported []string // connector types surfaced in context injection
	Logger    *slog.Logger
}

// New builds a Runner.
func New(opts Options) *Runner {
	if opts.Clock == nil {
		opts.Clock = ident.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Catalog == nil {
		opts.Catalog, _ = pricing.Load("")
	}
	return &Runner{
		store:       opts.Store,
		bus:         opts.Bus,
		registry:    opts.Registry,
		invoker:     tools.NewInvoker(opts.Registry, opts.Logger),
		factory:     opts.Factory,
		catalog:     opts.Catalog,
		box:         opts.Box,
		checkpoints: checkpoint.NewManager(opts.Store),
		seq:         ident.NewSequencer(opts.Clock),
		clock:       opts.Clock,
		stream:      opts.Stream,
		supported:   opts.Supported,
		logger:      opts.Logger,
	}
}

// Run executes one turn on a thread. The returned error reflects model
// provider failures; tool errors stay inside the conversation.
func (r *Runner) Run(ctx context.Context, threadID string, owner *store.Owner, source store.TriggerSource) (*Result, error) {
	thread, err := r.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	agent, err := r.store.GetAgent(ctx, thread.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}

	run := &store.Run{
		ID:            ident.NewRunID(),
		OwnerID:       owner.ID,
		AgentID:       agent.ID,
		ThreadID:      threadID,
		Status:        store.RunQueued,
		TriggerSource: source,
		StartedAt:     r.clock.Now(),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	r.bus.Publish(events.NewTypedEvent(events.SourceRunner, events.AgentTopic(agent.ID), events.RunCreatedPayload{
		RunID:         run.ID,
		OwnerID:       owner.ID,
		AgentID:       agent.ID,
		ThreadID:      threadID,
		TriggerSource: string(source),
		Status:        string(store.RunQueued),
	}))

	if err := r.store.MarkRunRunning(ctx, run.ID); err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	run.Status = store.RunRunning
	r.setAgentStatus(ctx, agent.ID, store.AgentRunning)

	// A durable in-flight marker; after a crash it names the run that
	// never finished on this thread.
	if err := r.checkpoints.Save(ctx, threadID, turnCheckpoint{
		RunID:     run.ID,
		Source:    string(source),
		StartedAt: run.StartedAt,
	}); err != nil {
		r.logger.Warn("save checkpoint failed", "thread_id", threadID, "error", err)
	}

	result, turnErr := r.turn(ctx, thread, agent, owner, run)

	r.setAgentStatus(ctx, agent.ID, store.AgentIdle)

	if turnErr != nil {
		run.Status = store.RunFailed
		run.Error = turnErr.Error()
	} else {
		run.Status = store.RunSuccess
	}
	if err := r.store.FinishRun(ctx, run); err != nil {
		r.logger.Error("finish run failed", "run_id", run.ID, "error", err)
	}
	metrics.RunsFinished.WithLabelValues(string(run.Status)).Inc()
	if err := r.checkpoints.Clear(ctx, threadID); err != nil {
		r.logger.Warn("clear checkpoint failed", "thread_id", threadID, "error", err)
	}
	r.publishRunUpdated(agent.ID, run)

	if turnErr != nil {
		return nil, turnErr
	}
	result.Run = run
	return result, nil
}

func (r *Runner) turn(ctx context.Context, thread *store.Thread, agent *store.Agent, owner *store.Owner, run *store.Run) (*Result, error) {
	log, err := r.store.ListMessages(ctx, thread.ID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	resolver := credentials.NewResolver(r.store, r.box, owner.ID, agent.ID)
	ctx = tools.WithOwnerID(ctx, owner.ID)
	ctx = tools.WithAgentID(ctx, agent.ID)
	ctx = tools.WithResolver(ctx, resolver)

	chat, err := r.factory.Create(ctx, agent.Model)
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}
	selected := r.registry.Select(agent.AllowedTools)
	if len(selected) > 0 {
		infos := make([]*schema.ToolInfo, 0, len(selected))
		for _, t := range selected {
			info, err := t.Info(ctx)
			if err != nil {
				return nil, fmt.Errorf("tool info: %w", err)
			}
			infos = append(infos, info)
		}
		chat, err = chat.WithTools(infos)
		if err != nil {
			return nil, fmt.Errorf("bind tools: %w", err)
		}
	}

	injection := contextInjection(ctx, r.clock.Now(), resolver, r.supported)
	// Persisted system rows carry only the raw instructions. The full
	// prompt is re-rendered every turn so instruction edits and the
	// connector protocol reach existing threads.
	if len(log) > 0 && log[0].Role == "system" {
		log = log[1:]
	}
	working := append([]*schema.Message{SystemMessage(agent)}, present(log, injection)...)

	var newMsgs []*store.Message
	var promptTokens, completionTokens int
	sawUsage := false

	if r.stream {
		r.bus.Publish(events.NewTypedEvent(events.SourceRunner, events.ThreadTopic(thread.ID), events.StreamStartPayload{
			ThreadID: thread.ID,
			RunID:    run.ID,
		}))
		defer r.bus.Publish(events.NewTypedEvent(events.SourceRunner, events.ThreadTopic(thread.ID), events.StreamEndPayload{
			ThreadID: thread.ID,
			RunID:    run.ID,
		}))
	}

	for i := 0; i < maxIterations; i++ {
		resp, err := r.call(ctx, chat, working, thread.ID)
		if err != nil {
			return nil, fmt.Errorf("model call: %w", err)
		}

		if resp.ResponseMeta != nil && resp.ResponseMeta.Usage != nil {
			promptTokens += resp.ResponseMeta.Usage.PromptTokens
			completionTokens += resp.ResponseMeta.Usage.CompletionTokens
			sawUsage = true
		}

		assistant := r.toStoreMessage(thread.ID, resp)
		newMsgs = append(newMsgs, assistant)
		working = append(working, resp)

		if r.stream {
			r.bus.Publish(events.NewTypedEvent(events.SourceRunner, events.ThreadTopic(thread.ID), events.AssistantIDPayload{
				ThreadID:  thread.ID,
				MessageID: assistant.ID,
			}))
		}

		if len(resp.ToolCalls) == 0 {
			break
		}

		calls := make([]tools.Invocation, len(resp.ToolCalls))
		for j, tc := range resp.ToolCalls {
			calls[j] = tools.Invocation{
				CallID:    tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}
		}
		outcomes := r.invoker.InvokeAll(ctx, calls)
		for _, oc := range outcomes {
			toolMsg := &store.Message{
				ID:         ident.NewMessageID(),
				ThreadID:   thread.ID,
				Role:       "tool",
				Content:    oc.Output,
				ToolCallID: oc.CallID,
				ToolName:   oc.Name,
				ParentID:   assistant.ID,
				SentAt:     r.seq.Next(thread.ID),
			}
			newMsgs = append(newMsgs, toolMsg)
			working = append(working, &schema.Message{
				Role:       schema.Tool,
				Content:    oc.Output,
				ToolCallID: oc.CallID,
				ToolName:   oc.Name,
			})
		}
	}

	if err := r.store.AppendMessages(ctx, newMsgs); err != nil {
		return nil, fmt.Errorf("persist messages: %w", err)
	}

	if sawUsage {
		total := promptTokens + completionTokens
		run.TotalTokens = &total
		run.TotalCostUSD = r.catalog.Cost(agent.Model, promptTokens, completionTokens)
	}
	run.Summary = summarize(newMsgs)

	return &Result{NewMessages: newMsgs}, nil
}

// call invokes the model, streaming token chunks to the thread topic
// when enabled. Either way it returns the fully assembled message.
func (r *Runner) call(ctx context.Context, chat model.BaseChatModel, msgs []*schema.Message, threadID string) (*schema.Message, error) {
	if !r.stream {
		return chat.Generate(ctx, msgs)
	}

	stream, err := chat.Stream(ctx, msgs)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var chunks []*schema.Message
	index := 0
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
		if chunk.Content != "" {
			r.bus.Publish(events.NewTypedEvent(events.SourceRunner, events.ThreadTopic(threadID), events.StreamChunkPayload{
				ThreadID:  threadID,
				ChunkType: "assistant_token",
				Content:   chunk.Content,
				Index:     index,
			}))
			index++
		}
	}
	return schema.ConcatMessages(chunks)
}

func (r *Runner) toStoreMessage(threadID string, m *schema.Message) *store.Message {
	msg := &store.Message{
		ID:       ident.NewMessageID(),
		ThreadID: threadID,
		Role:     string(m.Role),
		Content:  m.Content,
		SentAt:   r.seq.Next(threadID),
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, store.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return msg
}

func (r *Runner) setAgentStatus(ctx context.Context, agentID string, status store.AgentStatus) {
	if err := r.store.SetAgentStatus(ctx, agentID, status); err != nil {
		r.logger.Warn("set agent status", "agent_id", agentID, "error", err)
		return
	}
	r.bus.Publish(events.NewTypedEvent(events.SourceRunner, events.AgentTopic(agentID), events.AgentUpdatedPayload{
		AgentID: agentID,
		Status:  string(status),
	}))
}

func (r *Runner) publishRunUpdated(agentID string, run *store.Run) {
	r.bus.Publish(events.NewTypedEvent(events.SourceRunner, events.AgentTopic(agentID), events.RunUpdatedPayload{
		RunID:        run.ID,
		AgentID:      agentID,
		Status:       string(run.Status),
		DurationMs:   run.DurationMs,
		TotalTokens:  run.TotalTokens,
		TotalCostUSD: run.TotalCostUSD,
		Summary:      run.Summary,
		Error:        run.Error,
	}))
}

// Sequencer exposes the shared per-thread timestamp source so callers
// seeding threads (task runner, gateway) order their writes after ours.
func (r *Runner) Sequencer() *ident.Sequencer { return r.seq }
