package config

import "strings"

// Config is the root configuration for the Parley gateway.
type Config struct {
	Participation ParticipationConfig `json:"participation"`
	Model         ModelConfig         `json:"model"`
	Providers     ProvidersConfig     `json:"providers"`
	Lore          LoreConfig          `json:"lore"`
	Persona       PersonaConfig       `json:"persona"`
	Memory        MemoryConfig        `json:"memory"`
	Batch         BatchConfig         `json:"batch"`
	Split         SplitConfig         `json:"split"`
	Vision        VisionConfig        `json:"vision,omitempty"`
	Channels      ChannelsConfig      `json:"channels"`
	HTTP          HTTPConfig          `json:"http"`
	Store         StoreConfig         `json:"store,omitempty"`
	Reminders     []ReminderConfig    `json:"reminders,omitempty"`
	Telemetry     TelemetryConfig     `json:"telemetry,omitempty"`
	Logging       LoggingConfig       `json:"logging,omitempty"`
}

// ParticipationConfig holds the rules deciding when the bot speaks.
type ParticipationConfig struct {
	RespondToBots bool     `json:"respond_to_bots,omitempty"`
	BlockedBotIDs []string `json:"blocked_bot_ids,omitempty"`
	AllowedBotIDs []string `json:"allowed_bot_ids,omitempty"`

	Aliases         []string `json:"aliases,omitempty"`
	AliasMode       string   `json:"alias_mode,omitempty"` // "strict" (default) or "loose"
	MentionRequired bool     `json:"mention_required,omitempty"`

	AllowedChannels  []string `json:"allowed_channels,omitempty"`
	OverrideChannels []string `json:"override_channels,omitempty"`

	MinMessagesBetweenReplies int     `json:"min_messages_between_replies,omitempty"`
	MinSecondsBetweenReplies  int     `json:"min_seconds_between_replies,omitempty"`
	CooldownLogic             string  `json:"cooldown_logic,omitempty"` // "OR" (default) or "AND"
	RandomResponseChance      float64 `json:"random_response_chance,omitempty"`

	AntiSpam     AntiSpamConfig     `json:"anti_spam"`
	ContextHint  ContextHintConfig  `json:"context_hint"`
	Conversation ConversationConfig `json:"conversation"`
}

// AntiSpamConfig caps replies per channel per trailing window.
type AntiSpamConfig struct {
	MaxResponses  int `json:"max_responses,omitempty"`
	WindowSeconds int `json:"window_seconds,omitempty"`
}

// ContextHintConfig narrows prompt history when the channel has been
// quiet past the cooldown threshold.
type ContextHintConfig struct {
	TimeBoundMinutes int `json:"time_bound_minutes,omitempty"`
	MaxMessages      int `json:"max_messages,omitempty"`
}

// ConversationConfig tunes the burst window opened after a direct
// reply. AffectsCooldown decides whether batched burst replies reset
// the cooldown clock; leaving it off avoids runaway reply loops.
type ConversationConfig struct {
	WindowSeconds     int  `json:"window_seconds,omitempty"`
	MaxMessages       int  `json:"max_messages,omitempty"`
	IncludeNonReplies bool `json:"include_non_replies,omitempty"`
	AffectsCooldown   bool `json:"affects_cooldown,omitempty"`
}

// ModelConfig holds sampling parameters and the token budget.
type ModelConfig struct {
	MaxContextTokens       int      `json:"max_context_tokens,omitempty"`
	ReservedResponseTokens int      `json:"reserved_response_tokens,omitempty"`
	MaxResponseTokens      int      `json:"max_response_tokens,omitempty"`
	Temperature            *float64 `json:"temperature,omitempty"`
	TopP                   *float64 `json:"top_p,omitempty"`
	FrequencyPenalty       *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty        *float64 `json:"presence_penalty,omitempty"`
	Stop                   []string `json:"stop,omitempty"`
	CharsPerToken          float64  `json:"chars_per_token,omitempty"`
	TruncateUserMinTokens  int      `json:"truncate_user_min_tokens,omitempty"`
}

// ProvidersConfig wires backends and their per-scope model pools.
type ProvidersConfig struct {
	OpenRouter OpenRouterConfig `json:"openrouter"`
	Compat     []CompatConfig   `json:"compat,omitempty"`

	Pools             PoolsConfig `json:"pools"`
	AllowAutoFallback bool        `json:"allow_auto_fallback,omitempty"`
	AutoFallbackModel string      `json:"auto_fallback_model,omitempty"`

	Concurrency   int `json:"concurrency,omitempty"`
	RetryAttempts int `json:"retry_attempts,omitempty"`
}

// OpenRouterConfig configures the hosted cloud-router backend.
// APIKey comes from env PARLEY_OPENROUTER_API_KEY only.
type OpenRouterConfig struct {
	APIKey      string `json:"-"`
	BaseURL     string `json:"base_url,omitempty"`
	HTTPReferer string `json:"http_referer,omitempty"`
	XTitle      string `json:"x_title,omitempty"`
}

// CompatConfig configures one OpenAI-compatible local endpoint.
type CompatConfig struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key,omitempty"`
}

// PoolEntry names a backend and its model fallback chain.
type PoolEntry struct {
	Provider string   `json:"provider"` // "openrouter" or a compat name
	Models   []string `json:"models"`
}

// PoolsConfig holds the per-scope backend pools.
type PoolsConfig struct {
	Normal []PoolEntry `json:"normal,omitempty"`
	NSFW   []PoolEntry `json:"nsfw,omitempty"`
	Vision []PoolEntry `json:"vision,omitempty"`
	Web    []PoolEntry `json:"web,omitempty"`
}

// LoreConfig points at background-text sources.
type LoreConfig struct {
	Paths       []string `json:"paths,omitempty"`
	MaxFraction float64  `json:"max_fraction,omitempty"`
	MDPriority  string   `json:"md_priority,omitempty"` // "high" (default) or "low"
}

// PersonaConfig points at persona and prompt template files.
type PersonaConfig struct {
	PersonaPath          string `json:"persona_path,omitempty"`
	SystemPromptPath     string `json:"system_prompt_path,omitempty"`
	SystemPromptNSFWPath string `json:"system_prompt_nsfw_path,omitempty"`
	ContextTemplatePath  string `json:"context_template_path,omitempty"`
}

// MemoryConfig bounds per-channel history.
type MemoryConfig struct {
	Capacity int `json:"capacity,omitempty"`
}

// BatchConfig tunes the conversation-mode flush loop.
type BatchConfig struct {
	FlushSeconds int `json:"flush_seconds,omitempty"`
	DrainLimit   int `json:"drain_limit,omitempty"`
}

// SplitConfig bounds outbound message splitting.
type SplitConfig struct {
	MaxChars    int `json:"max_chars,omitempty"`
	MaxMessages int `json:"max_messages,omitempty"`
}

// VisionConfig tunes image handling for vision-capable pools.
type VisionConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	// Scopes limits image attachment to certain trigger kinds:
	// "replies", "mentions", "general". Empty means all.
	Scopes       []string `json:"scopes,omitempty"`
	MaxImages    int      `json:"max_images,omitempty"`
	MaxDimension int      `json:"max_dimension,omitempty"`
}

// AllowsScope reports whether images are attached for the given trigger
// kind. An empty scope list allows everything.
func (v VisionConfig) AllowsScope(scope string) bool {
	if len(v.Scopes) == 0 {
		return true
	}
	for _, s := range v.Scopes {
		if strings.EqualFold(s, scope) {
			return true
		}
	}
	return false
}

// ChannelsConfig holds platform adapter settings. Tokens come from env
// only (PARLEY_DISCORD_TOKEN, PARLEY_TELEGRAM_TOKEN).
type ChannelsConfig struct {
	Discord  DiscordConfig  `json:"discord"`
	Telegram TelegramConfig `json:"telegram"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled      bool     `json:"enabled,omitempty"`
	Token        string   `json:"-"`
	NSFWChannels []string `json:"nsfw_channels,omitempty"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"-"`
}

// HTTPConfig configures the web-room surface.
type HTTPConfig struct {
	Enabled   bool   `json:"enabled,omitempty"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	StaticDir string `json:"static_dir,omitempty"`
}

// StoreConfig configures transcript persistence.
type StoreConfig struct {
	SQLitePath string `json:"sqlite_path,omitempty"`
}

// ReminderConfig is one scheduled one-shot prompt. Source names the
// adapter that delivers it (defaults to "discord").
type ReminderConfig struct {
	Source  string `json:"source,omitempty"`
	Channel string `json:"channel"`
	Cron    string `json:"cron"`
	Prompt  string `json:"prompt"`
}

// TelemetryConfig configures the OTLP exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// LoggingConfig tunes the slog handler. PromptDumpDir, when set, gets
// one file per generation with the fully assembled prompt.
type LoggingConfig struct {
	Level         string `json:"level,omitempty"`  // debug|info|warn|error
	Format        string `json:"format,omitempty"` // "text" (default) or "json"
	PromptDumpDir string `json:"prompt_dump_dir,omitempty"`
}
