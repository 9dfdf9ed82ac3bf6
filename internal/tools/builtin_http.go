package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

const httpGetMaxBody = 256 * 1024

var _ tool.InvokableTool = (*HTTPGetTool)(nil)

// HTTPGetTool fetches a URL and returns status, headers and a truncated
// body in the result envelope.
type HTTPGetTool struct {
	client *http.Client
}

// NewHTTPGetTool builds the tool with a bounded client. The invoker's
// per-call timeout still applies on top.
func NewHTTPGetTool() *HTTPGetTool {
	return &HTTPGetTool{client: &http.Client{Timeout: 25 * time.Second}}
}

func (t *HTTPGetTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "http_get",
		Desc: "Fetch a URL over HTTP GET. Returns the status code, content type, and response body (truncated to 256KB).",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"url": {
				Type:     schema.String,
				Desc:     "The absolute http(s) URL to fetch",
				Required: true,
			},
		}),
	}, nil
}

func (t *HTTPGetTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return Failuref(ErrInvalidArguments, "parse arguments: %v", err).Encode(), nil
	}
	if !strings.HasPrefix(args.URL, "http://") && !strings.HasPrefix(args.URL, "https://") {
		return Failuref(ErrInvalidArguments, "url must be absolute http(s), got %q", args.URL).Encode(), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
	if err != nil {
		return Failuref(ErrInvalidArguments, "build request: %v", err).Encode(), nil
	}
	req.Header.Set("User-Agent", "zerg-agent/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return Failuref(ErrUpstream, "fetch %s: %v", args.URL, err).Encode(), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, httpGetMaxBody))
	if err != nil {
		return Failuref(ErrUpstream, "read body: %v", err).Encode(), nil
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return Failure(ErrRateLimited, fmt.Sprintf("%s returned 429", args.URL)).Encode(), nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return Failuref(ErrPermissionDenied, "%s returned %d", args.URL, resp.StatusCode).Encode(), nil
	}

	return Success(map[string]any{
		"status":       resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"body":         string(body),
		"truncated":    len(body) == httpGetMaxBody,
	}).Encode(), nil
}
