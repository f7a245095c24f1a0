package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Participation: ParticipationConfig{
			AliasMode:                 "strict",
			CooldownLogic:             "OR",
			MinMessagesBetweenReplies: 3,
			MinSecondsBetweenReplies:  30,
			RandomResponseChance:      0.15,
			AntiSpam: AntiSpamConfig{
				MaxResponses:  3,
				WindowSeconds: 120,
			},
			ContextHint: ContextHintConfig{
				TimeBoundMinutes: 15,
				MaxMessages:      10,
			},
			Conversation: ConversationConfig{
				WindowSeconds: 120,
				MaxMessages:   5,
			},
		},
		Model: ModelConfig{
			MaxContextTokens:       8192,
			ReservedResponseTokens: 1024,
			MaxResponseTokens:      1024,
			CharsPerToken:          4.0,
			TruncateUserMinTokens:  8,
		},
		Providers: ProvidersConfig{
			AutoFallbackModel: "openrouter/auto",
			Concurrency:       2,
			RetryAttempts:     2,
		},
		Lore: LoreConfig{
			MaxFraction: 0.33,
			MDPriority:  "high",
		},
		Memory: MemoryConfig{Capacity: 200},
		Batch: BatchConfig{
			FlushSeconds: 10,
			DrainLimit:   10,
		},
		Split: SplitConfig{
			MaxChars:    2000,
			MaxMessages: 3,
		},
		Vision: VisionConfig{
			MaxImages:    4,
			MaxDimension: 1536,
		},
		HTTP: HTTPConfig{
			Host: "0.0.0.0",
			Port: 18850,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "parley",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A
// missing file is not an error: defaults plus env are enough to run.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("PARLEY_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("PARLEY_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("PARLEY_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("PARLEY_SQLITE_PATH", &c.Store.SQLitePath)

	// Auto-enable channels if credentials are provided via env.
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}

	envStr("PARLEY_HOST", &c.HTTP.Host)
	if v := os.Getenv("PARLEY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.HTTP.Port = port
		}
	}

	envStr("PARLEY_PERSONA_PATH", &c.Persona.PersonaPath)
	envStr("PARLEY_SYSTEM_PROMPT_PATH", &c.Persona.SystemPromptPath)

	if v := os.Getenv("PARLEY_ALIASES"); v != "" {
		c.Participation.Aliases = splitCSV(v)
	}
	if v := os.Getenv("PARLEY_ALLOWED_CHANNELS"); v != "" {
		c.Participation.AllowedChannels = splitCSV(v)
	}

	envStr("PARLEY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("PARLEY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("PARLEY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("PARLEY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PARLEY_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	envStr("PARLEY_LOG_LEVEL", &c.Logging.Level)
	envStr("PARLEY_LOG_FORMAT", &c.Logging.Format)
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
