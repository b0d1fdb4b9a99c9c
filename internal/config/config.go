package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LLMConfig holds provider settings for the model client.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai", "openai_compatible".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`
}

// SchedulerConfig bounds concurrent environment usage.
type SchedulerConfig struct {
	// MaxConcurrent is the global slot budget. Default 2.
	MaxConcurrent int `yaml:"max_concurrent"`

	// ExternalReserved counts slots held by processes outside this scheduler
	// (e.g. environments a user started by hand against the same host).
	ExternalReserved int `yaml:"external_reserved"`

	ProvisionTimeoutSeconds int `yaml:"provision_timeout_seconds"` // default 180
	HandshakeTimeoutSeconds int `yaml:"handshake_timeout_seconds"` // default 60
}

// LoopConfig bounds a single agent session.
type LoopConfig struct {
	MaxIterations         int `yaml:"max_iterations"`          // default 100
	MaxCompletionAttempts int `yaml:"max_completion_attempts"` // default 3
	TimeoutMinutes        int `yaml:"timeout_minutes"`         // default 60
	StepDelayMillis       int `yaml:"step_delay_millis"`       // inter-iteration pacing, default 500
	PollIntervalMillis    int `yaml:"poll_interval_millis"`    // cancellation poll, default 250
	KeepRecentImages      int `yaml:"keep_recent_images"`      // image turns kept verbatim, default 3
}

// ResilienceConfig tunes the model-call retry and compaction layer.
type ResilienceConfig struct {
	MaxRetries            int     `yaml:"max_retries"`              // default 3
	BaseRetryDelaySeconds float64 `yaml:"base_retry_delay_seconds"` // default 2.0
	MaxCompactionRetries  int     `yaml:"max_compaction_retries"`   // default 3
	ProactivePasses       int     `yaml:"proactive_passes"`         // default 3
	FillRatio             float64 `yaml:"fill_ratio"`               // default 0.85
	ToolResultCharLimit   int     `yaml:"tool_result_char_limit"`   // default 12000
	SummaryInputCharLimit int     `yaml:"summary_input_char_limit"` // default 40000
	SummaryMaxChars       int     `yaml:"summary_max_chars"`        // default 4000
	KeepRecentTurns       int     `yaml:"keep_recent_turns"`        // turns kept out of summarization, default 6
}

// EnvironmentConfig describes how execution environments are provisioned.
type EnvironmentConfig struct {
	// DefaultTemplate is the image/template used when a task names none.
	DefaultTemplate   string `yaml:"default_template"`
	MemoryMB          int64  `yaml:"memory_mb"`          // default 2048
	Network           string `yaml:"network"`            // default "bridge"
	ScreenshotCommand string `yaml:"screenshot_command"` // guest command writing a PNG; default scrot
	InboxDir          string `yaml:"inbox_dir"`          // default /var/helmsman/inbox
	OutboxDir         string `yaml:"outbox_dir"`         // default /var/helmsman/outbox
}

// TelegramConfig enables outcome notifications.
type TelegramConfig struct {
	Enabled bool    `yaml:"enabled"`
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
}

// OtelConfig mirrors internal/otel.Config for YAML loading.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp" or "stdout"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// ScheduleEntry defines a recurring task submission.
type ScheduleEntry struct {
	Name        string `yaml:"name"`
	Cron        string `yaml:"cron"` // 5-field cron expression
	Description string `yaml:"description"`
	Template    string `yaml:"template"`
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins lists Origin headers accepted for browser WebSocket
	// connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	LLM         LLMConfig         `yaml:"llm"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Loop        LoopConfig        `yaml:"loop"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Environment EnvironmentConfig `yaml:"environment"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Otel        OtelConfig        `yaml:"otel"`

	// ContextLimits overrides the advertised context window per
	// "provider/model" or bare model key (tokens).
	ContextLimits map[string]int `yaml:"context_limits"`

	Schedules []ScheduleEntry `yaml:"schedules"`
}

// DefaultHomeDir returns ~/.helmsman, or ./.helmsman when the home
// directory cannot be resolved.
func DefaultHomeDir() string {
	if v := strings.TrimSpace(os.Getenv("HELMSMAN_HOME")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".helmsman")
}

// Load reads <home>/config.yaml, applies defaults and environment overrides.
// A missing config file is not an error; defaults apply.
func Load() (*Config, error) {
	return LoadFrom(DefaultHomeDir())
}

// LoadFrom loads configuration rooted at the given home directory.
func LoadFrom(homeDir string) (*Config, error) {
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg.HomeDir = homeDir

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:18790"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}

	if c.Scheduler.MaxConcurrent <= 0 {
		c.Scheduler.MaxConcurrent = 2
	}
	if c.Scheduler.ExternalReserved < 0 {
		c.Scheduler.ExternalReserved = 0
	}
	if c.Scheduler.ProvisionTimeoutSeconds <= 0 {
		c.Scheduler.ProvisionTimeoutSeconds = 180
	}
	if c.Scheduler.HandshakeTimeoutSeconds <= 0 {
		c.Scheduler.HandshakeTimeoutSeconds = 60
	}

	if c.Loop.MaxIterations <= 0 {
		c.Loop.MaxIterations = 100
	}
	if c.Loop.MaxCompletionAttempts <= 0 {
		c.Loop.MaxCompletionAttempts = 3
	}
	if c.Loop.TimeoutMinutes <= 0 {
		c.Loop.TimeoutMinutes = 60
	}
	if c.Loop.StepDelayMillis <= 0 {
		c.Loop.StepDelayMillis = 500
	}
	if c.Loop.PollIntervalMillis <= 0 {
		c.Loop.PollIntervalMillis = 250
	}
	if c.Loop.KeepRecentImages <= 0 {
		c.Loop.KeepRecentImages = 3
	}

	if c.Resilience.MaxRetries <= 0 {
		c.Resilience.MaxRetries = 3
	}
	if c.Resilience.BaseRetryDelaySeconds <= 0 {
		c.Resilience.BaseRetryDelaySeconds = 2.0
	}
	if c.Resilience.MaxCompactionRetries <= 0 {
		c.Resilience.MaxCompactionRetries = 3
	}
	if c.Resilience.ProactivePasses <= 0 {
		c.Resilience.ProactivePasses = 3
	}
	if c.Resilience.FillRatio <= 0 || c.Resilience.FillRatio >= 1 {
		c.Resilience.FillRatio = 0.85
	}
	if c.Resilience.ToolResultCharLimit <= 0 {
		c.Resilience.ToolResultCharLimit = 12000
	}
	if c.Resilience.SummaryInputCharLimit <= 0 {
		c.Resilience.SummaryInputCharLimit = 40000
	}
	if c.Resilience.SummaryMaxChars <= 0 {
		c.Resilience.SummaryMaxChars = 4000
	}
	if c.Resilience.KeepRecentTurns <= 0 {
		c.Resilience.KeepRecentTurns = 6
	}

	if c.Environment.DefaultTemplate == "" {
		c.Environment.DefaultTemplate = "helmsman/desktop:latest"
	}
	if c.Environment.MemoryMB <= 0 {
		c.Environment.MemoryMB = 2048
	}
	if c.Environment.Network == "" {
		c.Environment.Network = "bridge"
	}
	if c.Environment.ScreenshotCommand == "" {
		c.Environment.ScreenshotCommand = "scrot -o -z"
	}
	if c.Environment.InboxDir == "" {
		c.Environment.InboxDir = "/var/helmsman/inbox"
	}
	if c.Environment.OutboxDir == "" {
		c.Environment.OutboxDir = "/var/helmsman/outbox"
	}

	if c.Otel.ServiceName == "" {
		c.Otel.ServiceName = "helmsman"
	}
}

func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("HELMSMAN_BIND_ADDR")); v != "" {
		c.BindAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("HELMSMAN_AUTH_TOKEN")); v != "" {
		c.AuthToken = v
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = envAPIKeyForProvider(c.LLM.Provider)
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); v != "" {
		c.Telegram.Token = v
	}
}

func envAPIKeyForProvider(provider string) string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		return os.Getenv("GEMINI_API_KEY")
	}
	return ""
}

// ProvisionTimeout returns the provisioning timeout as a duration.
func (c *Config) ProvisionTimeout() time.Duration {
	return time.Duration(c.Scheduler.ProvisionTimeoutSeconds) * time.Second
}

// HandshakeTimeout returns the guest-connectivity timeout as a duration.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Scheduler.HandshakeTimeoutSeconds) * time.Second
}
