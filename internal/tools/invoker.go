package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/tool"

	"github.com/zerg-ai/zerg/internal/credentials"
	"github.com/zerg-ai/zerg/internal/store"
)

// Invocation is one tool call requested by the model.
type Invocation struct {
	CallID    string
	Name      string
	Arguments string
}

// Outcome pairs the call id with the envelope string handed back to the
// model as a tool message.
type Outcome struct {
	CallID string
	Name   string
	Output string
}

// Invoker executes tool calls under the never-raise contract: every
// failure, including panics and timeouts, becomes an error envelope in
// the tool output. The run itself only ends on context cancellation.
type Invoker struct {
	registry *Registry
	logger   *slog.Logger
}

// NewInvoker wraps a registry.
func NewInvoker(registry *Registry, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{registry: registry, logger: logger}
}

// Invoke runs one tool call and always returns an envelope.
func (inv *Invoker) Invoke(ctx context.Context, call Invocation) Outcome {
	t := inv.registry.Get(call.Name)
	if t == nil {
		return Outcome{
			CallID: call.CallID,
			Name:   call.Name,
			Output: Failuref(ErrInvalidArguments, "unknown tool %q", call.Name).Encode(),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, inv.registry.Timeout(call.Name))
	defer cancel()

	start := time.Now()
	output, err := runGuarded(ctx, t, call.Arguments)
	elapsed := time.Since(start)

	if err != nil {
		inv.logger.Warn("tool failed",
			"tool", call.Name, "elapsed", elapsed, "error", err)
		return Outcome{CallID: call.CallID, Name: call.Name, Output: classify(err).Encode()}
	}

	inv.logger.Debug("tool completed", "tool", call.Name, "elapsed", elapsed)
	return Outcome{CallID: call.CallID, Name: call.Name, Output: output}
}

func runGuarded(ctx context.Context, t tool.InvokableTool, args string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return t.InvokableRun(ctx, args)
}

// InvokeAll fans the batch out in parallel and returns outcomes in the
// original call order, so tool messages line up with tool_call ids.
func (inv *Invoker) InvokeAll(ctx context.Context, calls []Invocation) []Outcome {
	outcomes := make([]Outcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call Invocation) {
			defer wg.Done()
			outcomes[i] = inv.Invoke(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return outcomes
}

// classify maps Go errors leaking out of a tool to envelope error types.
func classify(err error) Result {
	switch {
	case errors.Is(err, credentials.ErrNotConfigured):
		return Failure(ErrConnectorNotConfigured, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return Failure(ErrUpstream, "tool timed out")
	case errors.Is(err, store.ErrNotFound):
		return Failure(ErrInvalidArguments, err.Error())
	default:
		return Failure(ErrUpstream, err.Error())
	}
}
