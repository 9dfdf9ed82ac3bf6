package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPTool adapts one remote MCP tool to Eino's tool.InvokableTool.
// Registered names are namespaced "mcp_{server}_{tool}" so two servers
// exposing the same tool never collide.
type MCPTool struct {
	session *mcpsdk.ClientSession
	name    string // qualified registry name
	remote  string // tool name on the server
	desc    string
	schema  map[string]any
}

var _ tool.InvokableTool = (*MCPTool)(nil)

// Info converts the server's JSON Schema to Eino ToolInfo.
func (t *MCPTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	info := &schema.ToolInfo{
		Name: t.name,
		Desc: t.desc,
	}
	if params := schemaToParams(t.schema); len(params) > 0 {
		info.ParamsOneOf = schema.NewParamsOneOfByParams(params)
	}
	return info, nil
}

// schemaToParams flattens a JSON Schema object into ParameterInfo.
// Nested object schemas pass through as generic objects; the server
// still validates the real shape on its side.
func schemaToParams(s map[string]any) map[string]*schema.ParameterInfo {
	props, _ := s["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}
	required := make(map[string]bool)
	if reqList, ok := s["required"].([]any); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	params := make(map[string]*schema.ParameterInfo, len(props))
	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		typeName, _ := prop["type"].(string)
		desc, _ := prop["description"].(string)
		p := &schema.ParameterInfo{
			Type:     jsonTypeToDataType(typeName),
			Desc:     desc,
			Required: required[name],
		}
		if enumList, ok := prop["enum"].([]any); ok {
			for _, e := range enumList {
				if v, ok := e.(string); ok {
					p.Enum = append(p.Enum, v)
				}
			}
		}
		params[name] = p
	}
	return params
}

func jsonTypeToDataType(t string) schema.DataType {
	switch t {
	case "number":
		return schema.Number
	case "integer":
		return schema.Integer
	case "boolean":
		return schema.Boolean
	case "array":
		return schema.Array
	case "object":
		return schema.Object
	default:
		return schema.String
	}
}

// InvokableRun forwards the call to the server. Server-side IsError
// results become error envelopes, not Go errors.
func (t *MCPTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	res, err := t.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.remote,
		Arguments: json.RawMessage(argumentsInJSON),
	})
	if err != nil {
		return Failuref(ErrUpstream, "mcp call %s: %v", t.remote, err).Encode(), nil
	}

	text := flattenContent(res.Content)
	if res.IsError {
		return Failure(ErrUpstream, text).Encode(), nil
	}
	return Success(text).Encode(), nil
}

func flattenContent(content []mcpsdk.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// DiscoverMCP connects to each configured server, lists its tools, and
// registers them under namespaced names. A server that fails to connect
// is logged and skipped so one bad endpoint never blocks startup.
func DiscoverMCP(ctx context.Context, b *Builder, servers map[string]string, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for serverName, url := range servers {
		if err := discoverServer(ctx, b, serverName, url); err != nil {
			logger.Warn("mcp discovery failed", "server", serverName, "url", url, "error", err)
			continue
		}
		logger.Info("mcp server connected", "server", serverName, "url", url)
	}
}

func discoverServer(ctx context.Context, b *Builder, serverName, url string) error {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "zerg",
		Version: "1.0.0",
	}, nil)

	session, err := client.Connect(ctx, &mcpsdk.StreamableClientTransport{Endpoint: url}, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	listed, err := session.ListTools(ctx, nil)
	if err != nil {
		session.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	for _, remote := range listed.Tools {
		name := fmt.Sprintf("mcp_%s_%s", serverName, remote.Name)
		var inputSchema map[string]any
		if remote.InputSchema != nil {
			data, err := json.Marshal(remote.InputSchema)
			if err == nil {
				_ = json.Unmarshal(data, &inputSchema)
			}
		}
		t := &MCPTool{
			session: session,
			name:    name,
			remote:  remote.Name,
			desc:    remote.Description,
			schema:  inputSchema,
		}
		if err := b.Register(name, t); err != nil {
			return err
		}
	}
	return nil
}
