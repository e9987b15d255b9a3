package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config is the root configuration for randreply.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Trigger  TriggerConfig  `json:"trigger"`
	Pipeline PipelineConfig `json:"pipeline"`
	Channels ChannelsConfig `json:"channels"`
	Audit    AuditConfig    `json:"audit"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"          env:"RANDREPLY_LOG_LEVEL"`
	LogFile  string `json:"logFile,omitempty" env:"RANDREPLY_LOG_FILE"`
}

// TriggerConfig holds the tunables of the random-reply engine.
type TriggerConfig struct {
	Enabled                bool           `json:"enabled"                        env:"RANDREPLY_ENABLED"`
	Probability            PerMille       `json:"probability"                    env:"RANDREPLY_PROBABILITY"`
	MinLength              int            `json:"minLength"                      env:"RANDREPLY_MIN_LENGTH"`
	MaxLength              int            `json:"maxLength"                      env:"RANDREPLY_MAX_LENGTH"`
	BlacklistGroups        FlexStringList `json:"blacklistGroups"`
	BlacklistUsers         FlexStringList `json:"blacklistUsers"`
	Keywords               []string       `json:"keywords"`
	UseExternalKeywords    bool           `json:"useExternalKeywords"`
	ExternalKeywordsPath   string         `json:"externalKeywordsPath,omitempty" env:"RANDREPLY_EXTERNAL_KEYWORDS"`
	ExcludedKeywords       []string       `json:"excludedKeywords"`
	ProtectPrivateMessages bool           `json:"protectPrivateMessages"`
}

// PipelineConfig configures the host pipeline the engine is embedded in.
type PipelineConfig struct {
	GroupChatPrefix         []string `json:"groupChatPrefix"`
	Concurrency             int      `json:"concurrency"`
	QueueSize               int      `json:"queueSize"`
	ResponderURL            string   `json:"responderUrl,omitempty" env:"RANDREPLY_RESPONDER_URL"`
	ResponderTimeoutSeconds int      `json:"responderTimeoutSeconds"`
	SendWindowSeconds       int      `json:"sendWindowSeconds"`
	SendMonitorSeconds      int      `json:"sendMonitorSeconds"`
	RequestTimeoutSeconds   int      `json:"requestTimeoutSeconds"`
}

type ChannelsConfig struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Discord   DiscordConfig   `json:"discord,omitempty"`
	Slack     SlackConfig     `json:"slack,omitempty"`
	WebSocket WebSocketConfig `json:"websocket,omitempty"`
	Webhook   WebhookConfig   `json:"webhook,omitempty"`
	CLI       CLIConfig       `json:"cli"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"     env:"RANDREPLY_TELEGRAM_TOKEN"`
	AllowFrom FlexStringList `json:"allowFrom"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"             env:"RANDREPLY_DISCORD_TOKEN"`
	GuildID string `json:"guildId,omitempty"` // optional: restrict to specific guild
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken" env:"RANDREPLY_SLACK_BOT_TOKEN"`
	AppToken string `json:"appToken" env:"RANDREPLY_SLACK_APP_TOKEN"` // required for Socket Mode
}

type WebSocketConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// WebhookConfig configures the generic HTTP channel: messages arrive as signed
// POSTs and replies are POSTed to CallbackURL.
type WebhookConfig struct {
	Enabled     bool   `json:"enabled"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Path        string `json:"path"`
	Secret      string `json:"secret,omitempty"      env:"RANDREPLY_WEBHOOK_SECRET"`
	CallbackURL string `json:"callbackUrl,omitempty" env:"RANDREPLY_WEBHOOK_CALLBACK"`
}

type CLIConfig struct {
	Enabled bool `json:"enabled"`
}

// AuditConfig configures the SQLite decision log.
type AuditConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath" env:"RANDREPLY_AUDIT_DB"`
	RetentionDays int    `json:"retentionDays"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Listen   string `json:"listen"`
	Endpoint string `json:"endpoint"`
}

// PerMille is a probability expressed in parts per thousand, always within [0, 1000].
type PerMille int

const MaxPerMille PerMille = 1000

// ClampPerMille bounds v to [0, 1000].
func ClampPerMille(v int) PerMille {
	switch {
	case v < 0:
		return 0
	case v > int(MaxPerMille):
		return MaxPerMille
	}
	return PerMille(v)
}

// Fractional values strictly between 0 and 1 are read as the legacy [0,1)
// scale and converted; everything else is taken as parts per thousand.
func perMilleFromFloat(f float64) PerMille {
	if math.IsNaN(f) {
		return 0
	}
	if f > 0 && f < 1 {
		f *= 1000
	}
	if f > float64(MaxPerMille) {
		return MaxPerMille
	}
	return ClampPerMille(int(math.Round(f)))
}

func (p *PerMille) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("probability: %w", err)
	}
	*p = perMilleFromFloat(f)
	return nil
}

func (p *PerMille) UnmarshalText(text []byte) error {
	f, err := strconv.ParseFloat(strings.TrimSpace(string(text)), 64)
	if err != nil {
		return fmt.Errorf("probability: %w", err)
	}
	*p = perMilleFromFloat(f)
	return nil
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// Contains reports whether id is in the list.
func (f FlexStringList) Contains(id string) bool {
	for _, v := range f {
		if v == id {
			return true
		}
	}
	return false
}

// DefaultConfigDir returns the default config directory (~/.randreply).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".randreply"
	}
	return filepath.Join(home, ".randreply")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.Normalize()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides cfg with RANDREPLY_* environment variables.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("cannot apply environment overrides: %w", err)
	}
	return nil
}

// Normalize clamps and expands values in place. It never fails.
func (c *Config) Normalize() {
	c.Trigger.Probability = ClampPerMille(int(c.Trigger.Probability))
	c.Trigger.ExternalKeywordsPath = ExpandPath(c.Trigger.ExternalKeywordsPath)
	c.Audit.DBPath = ExpandPath(c.Audit.DBPath)
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.General.LogLevel = strings.ToLower(strings.TrimSpace(c.General.LogLevel))
}

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		cp := *c
		return &cp
	}
	cp := &Config{}
	if err := json.Unmarshal(data, cp); err != nil {
		shallow := *c
		return &shallow
	}
	return cp
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Trigger.MinLength < 0 {
		errs = append(errs, "trigger.minLength must be >= 0")
	}
	if cfg.Trigger.MaxLength < 4 {
		errs = append(errs, "trigger.maxLength must be >= 4")
	}
	if cfg.Trigger.UseExternalKeywords && cfg.Trigger.ExternalKeywordsPath == "" {
		errs = append(errs, "trigger.externalKeywordsPath is required when useExternalKeywords is set")
	}

	if cfg.Pipeline.Concurrency < 1 || cfg.Pipeline.Concurrency > 100 {
		errs = append(errs, "pipeline.concurrency must be between 1 and 100")
	}
	if cfg.Pipeline.QueueSize < 1 {
		errs = append(errs, "pipeline.queueSize must be >= 1")
	}
	if cfg.Pipeline.ResponderTimeoutSeconds < 1 {
		errs = append(errs, "pipeline.responderTimeoutSeconds must be >= 1")
	}
	if cfg.Pipeline.SendWindowSeconds < 1 {
		errs = append(errs, "pipeline.sendWindowSeconds must be >= 1")
	}
	if cfg.Pipeline.SendMonitorSeconds < 1 {
		errs = append(errs, "pipeline.sendMonitorSeconds must be >= 1")
	}
	if cfg.Pipeline.RequestTimeoutSeconds < 1 {
		errs = append(errs, "pipeline.requestTimeoutSeconds must be >= 1")
	}

	if cfg.Channels.WebSocket.Port < 0 || cfg.Channels.WebSocket.Port > 65535 {
		errs = append(errs, "channels.websocket.port must be between 0 and 65535")
	}
	if cfg.Channels.Webhook.Port < 0 || cfg.Channels.Webhook.Port > 65535 {
		errs = append(errs, "channels.webhook.port must be between 0 and 65535")
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		errs = append(errs, "channels.discord.token is required when discord is enabled")
	}
	if cfg.Channels.Slack.Enabled && (cfg.Channels.Slack.BotToken == "" || cfg.Channels.Slack.AppToken == "") {
		errs = append(errs, "channels.slack.botToken and appToken are required when slack is enabled")
	}

	if cfg.Audit.Enabled && cfg.Audit.DBPath == "" {
		errs = append(errs, "audit.dbPath is required when audit is enabled")
	}
	if cfg.Audit.RetentionDays < 1 {
		errs = append(errs, "audit.retentionDays must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
