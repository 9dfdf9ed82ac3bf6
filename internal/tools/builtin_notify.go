package tools

import (
	"context"
	"encoding/json"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/zerg-ai/zerg/internal/events"
)

var _ tool.InvokableTool = (*NotifyTool)(nil)

// NotifyTool lets an agent surface a message to its owner's dashboard
// by publishing an agent_event on the agent's topic.
type NotifyTool struct {
	bus *events.Bus
}

// NewNotifyTool wraps the event bus.
func NewNotifyTool(bus *events.Bus) *NotifyTool {
	return &NotifyTool{bus: bus}
}

func (t *NotifyTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "notify",
		Desc: "Send a notification message to the user who owns this agent. Use for important findings or when the user asked to be told about something.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"message": {
				Type:     schema.String,
				Desc:     "The notification text",
				Required: true,
			},
			"level": {
				Type:     schema.String,
				Desc:     "Severity of the notification",
				Required: false,
				Enum:     []string{"info", "warning", "critical"},
			},
		}),
	}, nil
}

func (t *NotifyTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args struct {
		Message string `json:"message"`
		Level   string `json:"level"`
	}
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return Failuref(ErrInvalidArguments, "parse arguments: %v", err).Encode(), nil
	}
	if args.Message == "" {
		return Failure(ErrInvalidArguments, "message is required").Encode(), nil
	}
	if args.Level == "" {
		args.Level = "info"
	}

	agentID := AgentIDFromContext(ctx)
	t.bus.Publish(events.NewTypedEvent(events.SourceRunner, events.AgentTopic(agentID), events.AgentEventPayload{
		AgentID: agentID,
		Kind:    "notification",
		Detail:  map[string]any{"message": args.Message, "level": args.Level},
	}))

	return Success(map[string]any{"delivered": true}).Encode(), nil
}
