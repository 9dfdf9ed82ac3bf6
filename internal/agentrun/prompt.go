package agentrun

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/zerg-ai/zerg/internal/credentials"
	"github.com/zerg-ai/zerg/internal/store"
)

// connectorProtocol is appended to every agent's system instructions.
// It tells the model how to present capabilities, react to tool error
// envelopes, and reason about time.
const connectorProtocol = `

## Connector protocol

- Your available tools reflect the connectors the user has set up. Present
  capabilities in terms of what you can do now, not what could be configured.
- Tool results arrive as JSON envelopes. When "ok" is false, read
  "error_type": for "connector_not_configured" tell the user which connector
  to set up (include "setup_url" when present); for "invalid_credentials"
  ask them to reconnect; for "rate_limited" wait and retry later; do not
  retry "permission_denied" or "invalid_arguments" unchanged.
- A context block before the latest user message carries the current time
  and connector status. Trust it over your own assumptions. User and
  assistant messages are prefixed with their send time in brackets; use
  those timestamps when reasoning about "today", "yesterday" or elapsed time.`

// ConnectorStatus values surfaced in the context injection.
const (
	StatusConnected          = "connected"
	StatusNotConfigured      = "not_configured"
	StatusInvalidCredentials = "invalid_credentials"
)

// SystemMessage composes the persistent system prompt for an agent.
func SystemMessage(agent *store.Agent) *schema.Message {
	return schema.SystemMessage(agent.SystemInstructions + connectorProtocol)
}

// contextInjection builds the ephemeral system block carrying the clock
// and connector status. It is presented to the model each turn and
// never persisted.
func contextInjection(ctx context.Context, now time.Time, resolver *credentials.Resolver, supported []string) *schema.Message {
	status := make(map[string]string, len(supported))
	tested := map[string]string{}
	if resolver != nil {
		if m, err := resolver.Status(ctx); err == nil {
			tested = m
		}
	}
	for _, ct := range supported {
		switch tested[ct] {
		case store.CredFailed:
			status[ct] = StatusInvalidCredentials
		case store.CredSuccess, store.CredUntested:
			status[ct] = StatusConnected
		default:
			status[ct] = StatusNotConfigured
		}
	}

	block := map[string]any{
		"current_time":     now.UTC().Format(time.RFC3339),
		"connector_status": status,
		"captured_at":      now.UTC().Format(time.RFC3339),
	}
	data, _ := json.Marshal(block)
	return schema.SystemMessage("Context: " + string(data))
}

// present converts the persisted log to model messages, prefixing user
// and assistant content with the send time and splicing the context
// injection in just before the latest user message.
func present(msgs []*store.Message, injection *schema.Message) []*schema.Message {
	lastUser := -1
	for i, m := range msgs {
		if m.Role == "user" {
			lastUser = i
		}
	}

	out := make([]*schema.Message, 0, len(msgs)+1)
	for i, m := range msgs {
		if injection != nil && i == lastUser {
			out = append(out, injection)
		}
		out = append(out, toModelMessage(m))
	}
	if injection != nil && lastUser == -1 {
		out = append(out, injection)
	}
	return out
}

func toModelMessage(m *store.Message) *schema.Message {
	sm := &schema.Message{
		Role:    schema.RoleType(m.Role),
		Content: m.Content,
	}
	switch m.Role {
	case "user", "assistant":
		if m.Content != "" {
			sm.Content = fmt.Sprintf("[%s] %s", m.SentAt.UTC().Format(time.RFC3339), m.Content)
		}
	case "tool":
		sm.ToolCallID = m.ToolCallID
		sm.ToolName = m.ToolName
	}
	for _, tc := range m.ToolCalls {
		sm.ToolCalls = append(sm.ToolCalls, schema.ToolCall{
			ID: tc.ID,
			Function: schema.FunctionCall{
				Name:      tc.Name,
				Arguments: string(tc.Arguments),
			},
		})
	}
	return sm
}

// summarize derives the display summary from the first assistant text.
func summarize(msgs []*store.Message) string {
	for _, m := range msgs {
		if m.Role == "assistant" && m.Content != "" {
			return truncate(strings.TrimSpace(m.Content), 500)
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
