package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/h1v3-io/relay/pkg/protocol"
)

// Config is the top-level relay configuration.
type Config struct {
	Relay      RelayConfig               `json:"relay"`
	Providers  map[string]ProviderConfig `json:"providers"`
	Workspace  WorkspaceConfig           `json:"workspace"`
	Policy     PolicyConfig              `json:"policy"`
	Connectors ConnectorConfig           `json:"connectors"`
	API        APIConfig                 `json:"api"`
}

// RelayConfig holds daemon-level settings.
type RelayConfig struct {
	DataDir      string `json:"data_dir"`
	DBPath       string `json:"db_path,omitempty"`    // default <data_dir>/relay.db
	StepsFile    string `json:"steps_file,omitempty"` // YAML step overrides
	BranchPrefix string `json:"branch_prefix,omitempty"`
	DryRun       bool   `json:"dry_run,omitempty"` // scripted agents, no provider calls

	RetentionDays     int    `json:"retention_days,omitempty"` // 0 disables retirement
	RetentionSchedule string `json:"retention_schedule,omitempty"`
	StaleMinutes      int    `json:"stale_minutes,omitempty"` // 0 disables the sweep
	SweepSchedule     string `json:"sweep_schedule,omitempty"`
}

// ProviderConfig holds LLM provider settings. Config.Providers is keyed by
// "default" or by an agent kind that should use its own model or key.
type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default)
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model"`
}

// WorkspaceConfig selects how pipelines get a checkout.
type WorkspaceConfig struct {
	Kind         string `json:"kind,omitempty"`          // "git" (default) or "scratch"
	Root         string `json:"root,omitempty"`          // default <data_dir>/workspaces
	ShellTimeout int    `json:"shell_timeout,omitempty"` // seconds
}

// PolicyConfig overrides the engine's retry and timeout policy. Zero values
// keep the defaults.
type PolicyConfig struct {
	AgentRetries     *int `json:"agent_retries,omitempty"`
	WorkspaceRetries *int `json:"workspace_retries,omitempty"`
	StepTimeout      int  `json:"step_timeout,omitempty"`  // seconds
	RetryBackoff     int  `json:"retry_backoff,omitempty"` // seconds
}

// ConnectorConfig holds settings for chat and webhook connectors.
type ConnectorConfig struct {
	Slack    *SlackConfig    `json:"slack,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Webhook  *WebhookConfig  `json:"webhook,omitempty"`
}

// SlackConfig holds Slack Socket Mode settings.
type SlackConfig struct {
	BotToken      string   `json:"bot_token"`
	AppToken      string   `json:"app_token"`
	AllowChannels []string `json:"allow_channels,omitempty"`
	NotifyChannel string   `json:"notify_channel,omitempty"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token      string  `json:"token"`
	AllowFrom  []int64 `json:"allow_from,omitempty"`
	NotifyChat int64   `json:"notify_chat,omitempty"`
}

// WebhookConfig holds the pipeline trigger endpoint settings.
type WebhookConfig struct {
	Secret      string `json:"secret,omitempty"`       // HMAC-SHA256 key
	BearerToken string `json:"bearer_token,omitempty"` // used when Secret is empty
	DefaultRepo string `json:"default_repo,omitempty"`
	AutoStart   bool   `json:"auto_start,omitempty"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Key  string `json:"api_key"`
}

// Load reads configuration from a JSON file. A relative steps file is
// resolved against the config file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if f := cfg.Relay.StepsFile; f != "" && !filepath.IsAbs(f) {
		cfg.Relay.StepsFile = filepath.Join(filepath.Dir(path), f)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a config from environment variables with RELAY_ prefix.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Relay: RelayConfig{
			DataDir:       getenv("RELAY_DATA_DIR", "/data"),
			StepsFile:     os.Getenv("RELAY_STEPS_FILE"),
			BranchPrefix:  os.Getenv("RELAY_BRANCH_PREFIX"),
			DryRun:        getenvBool("RELAY_DRY_RUN"),
			RetentionDays: getenvInt("RELAY_RETENTION_DAYS", 30),
			StaleMinutes:  getenvInt("RELAY_STALE_MINUTES", 0),
		},
		Providers: make(map[string]ProviderConfig),
		Workspace: WorkspaceConfig{
			Kind:         os.Getenv("RELAY_WORKSPACE_KIND"),
			Root:         os.Getenv("RELAY_WORKSPACE_ROOT"),
			ShellTimeout: getenvInt("RELAY_SHELL_TIMEOUT", 0),
		},
		Policy: PolicyConfig{
			StepTimeout:  getenvInt("RELAY_STEP_TIMEOUT", 0),
			RetryBackoff: getenvInt("RELAY_RETRY_BACKOFF", 0),
		},
		API: APIConfig{
			Host: getenv("RELAY_API_HOST", "0.0.0.0"),
			Port: getenvInt("RELAY_API_PORT", 8080),
			Key:  os.Getenv("RELAY_API_KEY"),
		},
	}

	if apiKey := os.Getenv("RELAY_ANTHROPIC_API_KEY"); apiKey != "" {
		cfg.Providers["default"] = ProviderConfig{
			Type:    "anthropic",
			APIKey:  apiKey,
			BaseURL: os.Getenv("RELAY_ANTHROPIC_BASE_URL"),
			Model:   getenv("RELAY_MODEL", "claude-sonnet-4-20250514"),
		}
	}

	if token := os.Getenv("RELAY_SLACK_BOT_TOKEN"); token != "" {
		cfg.Connectors.Slack = &SlackConfig{
			BotToken:      token,
			AppToken:      os.Getenv("RELAY_SLACK_APP_TOKEN"),
			AllowChannels: splitList(os.Getenv("RELAY_SLACK_ALLOW_CHANNELS")),
			NotifyChannel: os.Getenv("RELAY_SLACK_NOTIFY_CHANNEL"),
		}
	}

	if token := os.Getenv("RELAY_TELEGRAM_TOKEN"); token != "" {
		cfg.Connectors.Telegram = &TelegramConfig{Token: token}
		if ids := os.Getenv("RELAY_TELEGRAM_ALLOW_FROM"); ids != "" {
			parsed, err := parseInt64List(ids)
			if err != nil {
				return nil, fmt.Errorf("config: RELAY_TELEGRAM_ALLOW_FROM: %w", err)
			}
			cfg.Connectors.Telegram.AllowFrom = parsed
		}
		if chat := os.Getenv("RELAY_TELEGRAM_NOTIFY_CHAT"); chat != "" {
			n, err := strconv.ParseInt(chat, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("config: RELAY_TELEGRAM_NOTIFY_CHAT: invalid integer %q", chat)
			}
			cfg.Connectors.Telegram.NotifyChat = n
		}
	}

	secret, bearer := os.Getenv("RELAY_WEBHOOK_SECRET"), os.Getenv("RELAY_WEBHOOK_TOKEN")
	if secret != "" || bearer != "" {
		cfg.Connectors.Webhook = &WebhookConfig{
			Secret:      secret,
			BearerToken: bearer,
			DefaultRepo: os.Getenv("RELAY_WEBHOOK_REPO"),
			AutoStart:   getenvBool("RELAY_WEBHOOK_AUTOSTART"),
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Relay.DBPath == "" && c.Relay.DataDir != "" {
		c.Relay.DBPath = filepath.Join(c.Relay.DataDir, "relay.db")
	}
	if c.Relay.RetentionSchedule == "" {
		c.Relay.RetentionSchedule = "0 3 * * *"
	}
	if c.Relay.SweepSchedule == "" {
		c.Relay.SweepSchedule = "@every 5m"
	}
	if c.Workspace.Kind == "" {
		c.Workspace.Kind = "git"
	}
	if c.Workspace.Root == "" && c.Relay.DataDir != "" {
		c.Workspace.Root = filepath.Join(c.Relay.DataDir, "workspaces")
	}
}

// Validate checks for required fields.
func (c *Config) Validate() error {
	var errs []string

	if c.Relay.DataDir == "" {
		errs = append(errs, "relay.data_dir is required")
	}
	if c.Relay.RetentionDays < 0 {
		errs = append(errs, "relay.retention_days must not be negative")
	}
	if c.Relay.StaleMinutes < 0 {
		errs = append(errs, "relay.stale_minutes must not be negative")
	}

	if !c.Relay.DryRun {
		if _, ok := c.Providers["default"]; !ok {
			errs = append(errs, `a "default" provider is required unless relay.dry_run is set`)
		}
	}
	for name, p := range c.Providers {
		if name != "default" {
			if _, err := protocol.ParseAgentKind(name); err != nil {
				errs = append(errs, fmt.Sprintf("providers.%s: name must be \"default\" or an agent kind", name))
			}
		}
		if p.Type != "" && p.Type != "anthropic" {
			errs = append(errs, fmt.Sprintf("providers.%s.type %q is not supported", name, p.Type))
		}
		if p.APIKey == "" {
			errs = append(errs, fmt.Sprintf("providers.%s.api_key is required", name))
		}
		if p.Model == "" {
			errs = append(errs, fmt.Sprintf("providers.%s.model is required", name))
		}
	}

	switch c.Workspace.Kind {
	case "", "git", "scratch":
	default:
		errs = append(errs, fmt.Sprintf("workspace.kind %q must be git or scratch", c.Workspace.Kind))
	}

	for name, v := range map[string]*int{
		"policy.agent_retries":     c.Policy.AgentRetries,
		"policy.workspace_retries": c.Policy.WorkspaceRetries,
	} {
		if v != nil && *v < 0 {
			errs = append(errs, name+" must not be negative")
		}
	}

	if s := c.Connectors.Slack; s != nil {
		if s.BotToken == "" {
			errs = append(errs, "connectors.slack.bot_token is required")
		}
		if s.AppToken == "" {
			errs = append(errs, "connectors.slack.app_token is required")
		}
	}
	if c.Connectors.Telegram != nil && c.Connectors.Telegram.Token == "" {
		errs = append(errs, "connectors.telegram.token is required")
	}
	if w := c.Connectors.Webhook; w != nil && w.Secret == "" && w.BearerToken == "" {
		errs = append(errs, "connectors.webhook needs a secret or bearer_token")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// StepTimeoutDuration returns the configured step timeout, or zero.
func (p PolicyConfig) StepTimeoutDuration() time.Duration {
	return time.Duration(p.StepTimeout) * time.Second
}

// RetryBackoffDuration returns the configured retry backoff, or zero.
func (p PolicyConfig) RetryBackoffDuration() time.Duration {
	return time.Duration(p.RetryBackoff) * time.Second
}

// Retention returns how long terminal pipelines are kept before retirement.
func (r RelayConfig) Retention() time.Duration {
	return time.Duration(r.RetentionDays) * 24 * time.Hour
}

// StaleAfter returns the age after which a running pipeline without a live
// task is swept.
func (r RelayConfig) StaleAfter() time.Duration {
	return time.Duration(r.StaleMinutes) * time.Minute
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInt64List(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	result := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		result = append(result, n)
	}
	return result, nil
}
