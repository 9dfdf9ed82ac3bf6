// Package config loads Zerg settings from the environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Settings is the process configuration, read once at startup.
type Settings struct {
	Host string
	Port int

	DatabasePath string

	JWTSecret    string
	AuthDisabled bool // dev only

	// FernetSecret holds the credential encryption key. The name is part of
	// the deployment contract; the value is an age X25519 identity string.
	FernetSecret string

	AppPublicURL       string
	GoogleClientID     string
	GoogleClientSecret string
	PubSubAudience     string
	PubSubTopic        string

	TriggerSigningSecret string

	MaxOutputTokens       int
	AllowedModelsNonAdmin []string
	DailyRunsPerUser      int
	DailyCostPerUserCents int
	DailyCostGlobalCents  int

	PricingCatalogPath string
	LLMTokenStream     bool

	AllowedCORSOrigins []string

	// MCPServers lists MCP endpoints to discover tools from at startup,
	// as comma-separated name=url pairs.
	MCPServers map[string]string

	OpenAIAPIKey    string
	AnthropicAPIKey string
}

// Load reads Settings from the environment. Invalid numeric values fall back
// to their defaults with a warning rather than failing startup.
func Load() Settings {
	return Settings{
		Host:         envStr("HOST", "0.0.0.0"),
		Port:         envInt("PORT", 8001),
		DatabasePath: envStr("DATABASE_PATH", "zerg.db"),

		JWTSecret:    os.Getenv("JWT_SECRET"),
		AuthDisabled: envBool("AUTH_DISABLED", false),
		FernetSecret: os.Getenv("FERNET_SECRET"),

		AppPublicURL:       os.Getenv("APP_PUBLIC_URL"),
		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		PubSubAudience:     os.Getenv("PUBSUB_AUDIENCE"),
		PubSubTopic:        os.Getenv("PUBSUB_TOPIC"),

		TriggerSigningSecret: os.Getenv("TRIGGER_SIGNING_SECRET"),

		MaxOutputTokens:       envInt("MAX_OUTPUT_TOKENS", 4096),
		AllowedModelsNonAdmin: envList("ALLOWED_MODELS_NON_ADMIN"),
		DailyRunsPerUser:      envInt("DAILY_RUNS_PER_USER", 0),
		DailyCostPerUserCents: envInt("DAILY_COST_PER_USER_CENTS", 0),
		DailyCostGlobalCents:  envInt("DAILY_COST_GLOBAL_CENTS", 0),

		PricingCatalogPath: os.Getenv("PRICING_CATALOG_PATH"),
		LLMTokenStream:     envBool("LLM_TOKEN_STREAM", true),

		AllowedCORSOrigins: envList("ALLOWED_CORS_ORIGINS"),

		MCPServers: envPairs("MCP_SERVERS"),

		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	slog.Warn("invalid boolean env var, using default", "key", key, "value", v, "default", def)
	return def
}

// envList parses a comma-separated env var, trimming whitespace and dropping
// empty entries.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envPairs parses comma-separated name=value pairs.
func envPairs(key string) map[string]string {
	items := envList(key)
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		name, value, ok := strings.Cut(item, "=")
		if !ok {
			slog.Warn("skipping malformed env pair", "key", key, "entry", item)
			continue
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return out
}

// LoadDotenv applies a .env file to the process environment before Load
// runs. A missing file is not an error. Variables already present in the
// environment win over file values, so deployment config cannot be
// shadowed by a stale local file.
func LoadDotenv(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// "export KEY=value" lines work too, for files shared with shells.
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if n := len(value); n >= 2 {
			if (value[0] == '"' && value[n-1] == '"') || (value[0] == '\'' && value[n-1] == '\'') {
				value = value[1 : n-1]
			}
		}

		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, value)
		}
	}
	return nil
}
