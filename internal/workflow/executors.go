package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zerg-ai/zerg/internal/agentrun"
	"github.com/zerg-ai/zerg/internal/ident"
	"github.com/zerg-ai/zerg/internal/store"
	"github.com/zerg-ai/zerg/internal/tools"
)

// AgentRunner is the slice of the agent runner the agent executor
// needs.
type AgentRunner interface {
	Run(ctx context.Context, threadID string, owner *store.Owner, source store.TriggerSource) (*agentrun.Result, error)
	Sequencer() *ident.Sequencer
}

type toolNodeConfig struct {
	ToolName string         `json:"tool_name"`
	Params   map[string]any `json:"params"`
}

type agentNodeConfig struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
}

type conditionalNodeConfig struct {
	Expression string `json:"expression"`
}

// executeNode dispatches to the per-type executor and wraps the result
// in an envelope. The returned error marks the node failed; it never
// aborts the whole run by itself.
func (e *Engine) executeNode(ctx context.Context, node *store.WorkflowNode, st *State, owner *store.Owner, wf *store.Workflow, trigger map[string]any) (Envelope, error) {
	started := e.clock.Now()
	meta := map[string]any{
		"node_type":  string(node.Type),
		"started_at": started.Format(time.RFC3339Nano),
	}
	finish := func(value any, extra map[string]any) Envelope {
		finished := e.clock.Now()
		meta["status"] = "succeeded"
		meta["finished_at"] = finished.Format(time.RFC3339Nano)
		meta["duration_ms"] = finished.Sub(started).Milliseconds()
		for k, v := range extra {
			meta[k] = v
		}
		return Envelope{Value: value, Meta: meta}
	}

	switch node.Type {
	case store.NodeTrigger:
		var payload any = trigger
		if trigger == nil {
			payload = map[string]any{}
		}
		return finish(payload, nil), nil

	case store.NodeTool:
		var cfg toolNodeConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return Envelope{}, fmt.Errorf("tool node config: %w", err)
		}
		if cfg.ToolName == "" {
			return Envelope{}, fmt.Errorf("tool node %q has no tool_name", node.ID)
		}
		resolved, err := Resolve(anyMap(cfg.Params), st)
		if err != nil {
			return Envelope{}, err
		}
		args, err := json.Marshal(resolved)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal params: %w", err)
		}
		out := e.invoker.Invoke(ctx, tools.Invocation{
			CallID:    node.ID,
			Name:      cfg.ToolName,
			Arguments: string(args),
		})
		var res tools.Result
		if err := json.Unmarshal([]byte(out.Output), &res); err != nil {
			return Envelope{}, fmt.Errorf("decode tool result: %w", err)
		}
		if !res.OK {
			return Envelope{}, fmt.Errorf("tool %s: %s: %s", cfg.ToolName, res.ErrorType, res.UserMessage)
		}
		return finish(res.Data, map[string]any{"tool_name": cfg.ToolName}), nil

	case store.NodeAgent:
		var cfg agentNodeConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return Envelope{}, fmt.Errorf("agent node config: %w", err)
		}
		resolvedID, err := Resolve(cfg.AgentID, st)
		if err != nil {
			return Envelope{}, err
		}
		resolvedMsg, err := Resolve(cfg.Message, st)
		if err != nil {
			return Envelope{}, err
		}
		agentID := stringify(resolvedID)
		message := stringify(resolvedMsg)
		if agentID == "" || message == "" {
			return Envelope{}, fmt.Errorf("agent node %q needs agent_id and message", node.ID)
		}

		value, err := e.runAgentNode(ctx, node.ID, agentID, message, owner, wf)
		if err != nil {
			return Envelope{}, err
		}
		return finish(value, map[string]any{"agent_id": agentID}), nil

	case store.NodeConditional:
		var cfg conditionalNodeConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return Envelope{}, fmt.Errorf("conditional node config: %w", err)
		}
		rewritten, vars, err := rewriteRefs(cfg.Expression, st)
		if err != nil {
			return Envelope{}, err
		}
		result, err := Eval(rewritten, vars)
		if err != nil {
			return Envelope{}, err
		}
		return finish(Truthy(result), nil), nil

	default:
		return Envelope{}, fmt.Errorf("unknown node type %q", node.Type)
	}
}

// runAgentNode creates a fresh manual thread seeded with the resolved
// message, runs the agent, and collects the turn's messages.
func (e *Engine) runAgentNode(ctx context.Context, nodeID, agentID, message string, owner *store.Owner, wf *store.Workflow) (any, error) {
	thread := &store.Thread{
		ID:      ident.NewThreadID(),
		OwnerID: owner.ID,
		AgentID: agentID,
		Title:   fmt.Sprintf("%s / %s", wf.Name, nodeID),
		Kind:    store.ThreadManual,
	}
	if err := e.store.CreateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	if err := e.store.AppendMessages(ctx, []*store.Message{{
		ID:       ident.NewMessageID(),
		ThreadID: thread.ID,
		Role:     "user",
		Content:  message,
		SentAt:   e.runner.Sequencer().Next(thread.ID),
	}}); err != nil {
		return nil, fmt.Errorf("seed thread: %w", err)
	}

	res, err := e.runner.Run(ctx, thread.ID, owner, store.SourceAPI)
	if err != nil {
		return nil, fmt.Errorf("agent run: %w", err)
	}

	msgs := make([]map[string]any, 0, len(res.NewMessages))
	for _, m := range res.NewMessages {
		msgs = append(msgs, map[string]any{
			"role":    m.Role,
			"content": m.Content,
		})
	}
	return map[string]any{"messages": msgs, "thread_id": thread.ID}, nil
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
