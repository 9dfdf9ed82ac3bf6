// Package llm builds Eino chat models from a model name. Providers are
// inferred from the name, so agents only ever carry "gpt-4o" or
// "claude-sonnet-4-6" and never a provider tuple.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	einoclaude "github.com/cloudwego/eino-ext/components/model/claude"
	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/zerg-ai/zerg/internal/config"
)

const defaultMaxTokens = 4096

// Factory caches nothing: models are cheap wrappers around an HTTP
// client and each run binds its own tool set.
type Factory struct {
	cfg *config.Settings
}

// NewFactory wraps settings.
func NewFactory(cfg *config.Settings) *Factory {
	return &Factory{cfg: cfg}
}

// Provider returns the provider inferred from a model name.
func Provider(modelName string) string {
	if strings.HasPrefix(modelName, "claude") {
		return "anthropic"
	}
	return "openai"
}

// Create builds a tool-calling chat model for the named model. The
// configured MAX_OUTPUT_TOKENS ceiling always applies.
func (f *Factory) Create(ctx context.Context, modelName string) (model.ToolCallingChatModel, error) {
	maxTokens := f.cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	switch Provider(modelName) {
	case "anthropic":
		if f.cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("model %q requires ANTHROPIC_API_KEY", modelName)
		}
		return einoclaude.NewChatModel(ctx, &einoclaude.Config{
			APIKey:    f.cfg.AnthropicAPIKey,
			Model:     modelName,
			MaxTokens: maxTokens,
		})
	default:
		if f.cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("model %q requires OPENAI_API_KEY", modelName)
		}
		return einoopenai.NewChatModel(ctx, &einoopenai.ChatModelConfig{
			APIKey:              f.cfg.OpenAIAPIKey,
			Model:               modelName,
			MaxCompletionTokens: &maxTokens,
			Timeout:             60 * time.Second,
		})
	}
}
