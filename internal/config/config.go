// Package config loads and validates the YAML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Workspace string        `yaml:"workspace"`
	LLM       LLMConfig     `yaml:"llm"`
	Agent     AgentConfig   `yaml:"agent"`
	Memory    MemoryConfig  `yaml:"memory"`
	Subagent  SubagentConfig `yaml:"subagents"`
	Channels  ChannelsConfig `yaml:"channels"`
	Health    HealthConfig  `yaml:"health"`
	Logging   LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the provider client.
type LLMConfig struct {
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	Model          string        `yaml:"model"`
	MaxTokens      int           `yaml:"max_tokens"`
	Temperature    float32       `yaml:"temperature"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	// ContextBudget is the hard prompt budget in tokens.
	ContextBudget int `yaml:"context_budget"`
	// ReplyReserve is held back from the budget for the model's reply.
	ReplyReserve int `yaml:"reply_reserve"`
	// BreakerFailures opens the circuit breaker after N consecutive failures.
	BreakerFailures int `yaml:"breaker_failures"`
	// BreakerCooldown is how long the breaker stays open.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
	// PromptCaching marks the static system block cacheable when supported.
	PromptCaching bool `yaml:"prompt_caching"`
}

// AgentConfig configures the turn runner and context builder.
type AgentConfig struct {
	MaxIterations int `yaml:"max_iterations"`
	// SlidingWindowTurns keeps the N most recent user turns before budgeting.
	SlidingWindowTurns int `yaml:"sliding_window_turns"`
	// CompactToolThreshold switches the tool catalog to compact mode past
	// this many tools.
	CompactToolThreshold int `yaml:"compact_tool_threshold"`
	// CompactCharThreshold switches to compact mode past this many catalog
	// characters.
	CompactCharThreshold int `yaml:"compact_char_threshold"`
}

// MemoryConfig configures consolidation and the memory store policies.
type MemoryConfig struct {
	// Window is the session length past which consolidation is scheduled.
	Window int `yaml:"window"`
	// InputBudget is the soft token budget per consolidation chunk.
	InputBudget int `yaml:"input_budget"`
	// ReplyReserve is held back for the save_memory tool call.
	ReplyReserve int `yaml:"reply_reserve"`
	// DailyMode is one of compatible, preferred, required.
	DailyMode string `yaml:"daily_mode"`
	// ConflictStrategy is one of keep_new, keep_old, ask_user, merge.
	ConflictStrategy string `yaml:"conflict_strategy"`
	// PreferenceKeys are the keys checked for preference conflicts.
	PreferenceKeys []string `yaml:"preference_keys"`
}

// SubagentConfig bounds the background task pool.
type SubagentConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxIterations int           `yaml:"max_iterations"`
}

// ChannelsConfig enables channel adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// HealthConfig configures the health endpoint listener.
type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, env-expands, decodes, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.Workspace == "" {
		home, _ := os.UserHomeDir()
		c.Workspace = filepath.Join(home, ".nanobot")
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o"
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.RequestTimeout <= 0 {
		c.LLM.RequestTimeout = 120 * time.Second
	}
	if c.LLM.MaxRetries <= 0 {
		c.LLM.MaxRetries = 3
	}
	if c.LLM.ContextBudget <= 0 {
		c.LLM.ContextBudget = 96_000
	}
	if c.LLM.ReplyReserve <= 0 {
		c.LLM.ReplyReserve = 4096
	}
	if c.LLM.BreakerFailures <= 0 {
		c.LLM.BreakerFailures = 5
	}
	if c.LLM.BreakerCooldown <= 0 {
		c.LLM.BreakerCooldown = 60 * time.Second
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 20
	}
	if c.Agent.SlidingWindowTurns <= 0 {
		c.Agent.SlidingWindowTurns = 20
	}
	if c.Agent.CompactToolThreshold <= 0 {
		c.Agent.CompactToolThreshold = 24
	}
	if c.Agent.CompactCharThreshold <= 0 {
		c.Agent.CompactCharThreshold = 12_000
	}
	if c.Memory.Window <= 0 {
		c.Memory.Window = 100
	}
	if c.Memory.InputBudget <= 0 {
		c.Memory.InputBudget = 24_000
	}
	if c.Memory.ReplyReserve <= 0 {
		c.Memory.ReplyReserve = 4096
	}
	if c.Memory.DailyMode == "" {
		c.Memory.DailyMode = "preferred"
	}
	if c.Memory.ConflictStrategy == "" {
		c.Memory.ConflictStrategy = "keep_new"
	}
	if len(c.Memory.PreferenceKeys) == 0 {
		c.Memory.PreferenceKeys = []string{"language", "communication_style"}
	}
	if c.Subagent.MaxConcurrent <= 0 {
		c.Subagent.MaxConcurrent = 3
	}
	if c.Subagent.Timeout <= 0 {
		c.Subagent.Timeout = 10 * time.Minute
	}
	if c.Subagent.MaxIterations <= 0 {
		c.Subagent.MaxIterations = 15
	}
	if c.Health.Addr == "" {
		c.Health.Addr = "127.0.0.1:18790"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	switch c.Memory.DailyMode {
	case "compatible", "preferred", "required":
	default:
		return fmt.Errorf("config: invalid memory.daily_mode %q", c.Memory.DailyMode)
	}
	switch c.Memory.ConflictStrategy {
	case "keep_new", "keep_old", "ask_user", "merge":
	default:
		return fmt.Errorf("config: invalid memory.conflict_strategy %q", c.Memory.ConflictStrategy)
	}
	if c.LLM.ReplyReserve >= c.LLM.ContextBudget {
		return fmt.Errorf("config: reply_reserve %d must be below context_budget %d", c.LLM.ReplyReserve, c.LLM.ContextBudget)
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return fmt.Errorf("config: telegram enabled without token")
	}
	return nil
}

// MemoryDir returns the workspace memory directory.
func (c *Config) MemoryDir() string { return filepath.Join(c.Workspace, "memory") }

// SessionsDir returns the workspace sessions directory.
func (c *Config) SessionsDir() string { return filepath.Join(c.Workspace, "sessions") }
