package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

var _ tool.InvokableTool = (*CurrentTimeTool)(nil)

// CurrentTimeTool reports the current time, optionally in a named zone.
type CurrentTimeTool struct {
	now func() time.Time
}

// NewCurrentTimeTool builds the tool. now defaults to time.Now.
func NewCurrentTimeTool(now func() time.Time) *CurrentTimeTool {
	if now == nil {
		now = time.Now
	}
	return &CurrentTimeTool{now: now}
}

func (t *CurrentTimeTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "current_time",
		Desc: "Get the current date and time. Defaults to UTC.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"timezone": {
				Type:     schema.String,
				Desc:     "IANA timezone name, e.g. America/New_York",
				Required: false,
			},
		}),
	}, nil
}

func (t *CurrentTimeTool) InvokableRun(_ context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args struct {
		Timezone string `json:"timezone"`
	}
	if argumentsInJSON != "" {
		if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
			return Failuref(ErrInvalidArguments, "parse arguments: %v", err).Encode(), nil
		}
	}

	loc := time.UTC
	if args.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(args.Timezone)
		if err != nil {
			return Failuref(ErrInvalidArguments, "unknown timezone %q", args.Timezone).Encode(), nil
		}
	}

	now := t.now().In(loc)
	return Success(map[string]any{
		"iso":      now.Format(time.RFC3339),
		"unix":     now.Unix(),
		"timezone": loc.String(),
		"weekday":  fmt.Sprint(now.Weekday()),
	}).Encode(), nil
}
