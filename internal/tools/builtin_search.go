package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	duckduckgo "github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

var _ tool.InvokableTool = (*SearchTool)(nil)

// SearchTool is a web search builtin backed by DuckDuckGo text search.
// Provider output is re-wrapped in the standard result envelope so the
// model sees the same shape as every other tool.
type SearchTool struct {
	inner tool.InvokableTool
}

// NewSearchTool builds the search tool. No API key is required.
func NewSearchTool(ctx context.Context) (*SearchTool, error) {
	inner, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "search_web",
		ToolDesc:   "Search the web. Returns result titles, URLs, and snippets.",
		MaxResults: 10,
		Timeout:    25 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("build search tool: %w", err)
	}
	return &SearchTool{inner: inner}, nil
}

func (t *SearchTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return t.inner.Info(ctx)
}

func (t *SearchTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	out, err := t.inner.InvokableRun(ctx, argumentsInJSON, opts...)
	if err != nil {
		return Failuref(ErrUpstream, "search: %v", err).Encode(), nil
	}
	var results any
	if jsonErr := json.Unmarshal([]byte(out), &results); jsonErr != nil {
		results = out
	}
	return Success(map[string]any{"results": results}).Encode(), nil
}
