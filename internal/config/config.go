// Package config loads and validates errand configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all errand configuration.
type Config struct {
	Name      string `yaml:"name"`
	Workspace string `yaml:"workspace"`

	LLM       LLMConfig       `yaml:"llm"`
	Execution ExecutionConfig `yaml:"execution"`
	Verify    VerifyConfig    `yaml:"verify"`
	Ranking   RankingConfig   `yaml:"ranking"`
	Cascade   CascadeConfig   `yaml:"cascade"`
	Browser   BrowserConfig   `yaml:"browser"`
	Store     StoreConfig     `yaml:"store"`
	Budget    BudgetConfig    `yaml:"budget"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Logging   LoggingConfig   `yaml:"logging"`
	Users     []UserConfig    `yaml:"users"`

	// Credentials maps third-party service names to API tokens. A service
	// listed here lets the planner choose direct API execution.
	Credentials map[string]string `yaml:"credentials"`
}

// LLMConfig configures inference providers.
type LLMConfig struct {
	Provider string `yaml:"provider"` // openai, gemini
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`

	// Model chain, cheapest first. The strike loop escalates rightward;
	// a budget overrun pins selection to the head of the chain.
	Models  []string `yaml:"models"`
	Timeout string   `yaml:"timeout"`
}

// ExecutionConfig bounds the execution engine.
type ExecutionConfig struct {
	// MaxActions is the default locked-intent action budget.
	MaxActions int `yaml:"max_actions"`

	// MaxDuration is the default locked-intent wall-clock budget.
	MaxDuration string `yaml:"max_duration"`

	// TaskCostCeiling is the unified per-task cost pool in dollars,
	// shared by execution and verification.
	TaskCostCeiling float64 `yaml:"task_cost_ceiling"`

	// RetryBackoff is the fixed wait before the single per-action retry.
	RetryBackoff string `yaml:"retry_backoff"`

	// StepTimeout bounds each individual action.
	StepTimeout string `yaml:"step_timeout"`
}

// VerifyConfig configures the strike verification loop.
type VerifyConfig struct {
	// Tier overrides; zero values fall back to built-in tier defaults.
	SimpleTarget     float64 `yaml:"simple_target"`
	SimpleStrikes    int     `yaml:"simple_strikes"`
	StandardTarget   float64 `yaml:"standard_target"`
	StandardStrikes  int     `yaml:"standard_strikes"`
	HighStakesTarget float64 `yaml:"high_stakes_target"`
	HighStakesMax    int     `yaml:"high_stakes_strikes"`
}

// RankingConfig tunes the adaptive ranking service.
type RankingConfig struct {
	MethodMinSamples int     `yaml:"method_min_samples"`
	ModelMinSamples  int     `yaml:"model_min_samples"`
	NoiseThreshold   float64 `yaml:"noise_threshold"` // percentage points
	DemotionRate     float64 `yaml:"demotion_rate"`   // success rate floor
	DemotionMinTries int     `yaml:"demotion_min_tries"`
}

// CascadeConfig configures fallback coordination.
type CascadeConfig struct {
	// TriggerRate is the action success rate below which the cascade runs.
	TriggerRate float64 `yaml:"trigger_rate"`
}

// BrowserConfig configures rod automation.
type BrowserConfig struct {
	Headless            bool   `yaml:"headless"`
	Bin                 string `yaml:"bin"`
	ViewportWidth       int    `yaml:"viewport_width"`
	ViewportHeight      int    `yaml:"viewport_height"`
	NavigationTimeoutMs int    `yaml:"navigation_timeout_ms"`
	SessionCacheDir     string `yaml:"session_cache_dir"`
}

// StoreConfig configures SQLite persistence.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// BudgetConfig configures the per-owner monthly budget collaborator.
type BudgetConfig struct {
	MonthlyCeiling float64 `yaml:"monthly_ceiling"`
}

// DispatchConfig routes outbound channels. Channels without a webhook fall
// back to the file outbox.
type DispatchConfig struct {
	Webhooks       map[string]string `yaml:"webhooks"` // channel -> POST endpoint
	OutboxDir      string            `yaml:"outbox_dir"`
	DefaultChannel string            `yaml:"default_channel"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// ConfirmationPolicy controls when a task pauses for user confirmation.
type ConfirmationPolicy string

const (
	ConfirmAlways  ConfirmationPolicy = "always"
	ConfirmNever   ConfirmationPolicy = "never"
	ConfirmRisky   ConfirmationPolicy = "risky"
	ConfirmUnclear ConfirmationPolicy = "unclear"
)

// UserConfig holds per-user policy.
type UserConfig struct {
	ID                 string             `yaml:"id"`
	ConfirmationPolicy ConfirmationPolicy `yaml:"confirmation_policy"`
	DefaultChannel     string             `yaml:"default_channel"`
	DefaultAddress     string             `yaml:"default_address"`
}

// DefaultConfig returns a complete configuration with sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:      "errand",
		Workspace: ".",
		LLM: LLMConfig{
			Provider: "openai",
			Models:   []string{"gpt-4o-mini", "gpt-4o"},
			Timeout:  "120s",
		},
		Execution: ExecutionConfig{
			MaxActions:      25,
			MaxDuration:     "10m",
			TaskCostCeiling: 2.00,
			RetryBackoff:    "2s",
			StepTimeout:     "45s",
		},
		Verify: VerifyConfig{},
		Ranking: RankingConfig{
			MethodMinSamples: 3,
			ModelMinSamples:  5,
			NoiseThreshold:   5.0,
			DemotionRate:     0.20,
			DemotionMinTries: 5,
		},
		Cascade: CascadeConfig{TriggerRate: 0.70},
		Browser: BrowserConfig{
			Headless:            true,
			ViewportWidth:       1920,
			ViewportHeight:      1080,
			NavigationTimeoutMs: 30000,
		},
		Store:  StoreConfig{DatabasePath: filepath.Join(".errand", "errand.db")},
		Budget: BudgetConfig{MonthlyCeiling: 50.0},
		Dispatch: DispatchConfig{
			OutboxDir:      filepath.Join(".errand", "outbox"),
			DefaultChannel: "email",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads config from path, layering it over defaults. A missing file is
// not an error; env vars override API keys either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if key := os.Getenv("ERRAND_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && cfg.LLM.Provider == "gemini" {
		cfg.LLM.APIKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise fail deep in the pipeline.
func (c *Config) Validate() error {
	if c.Execution.TaskCostCeiling <= 0 {
		return fmt.Errorf("execution.task_cost_ceiling must be positive")
	}
	if c.Cascade.TriggerRate <= 0 || c.Cascade.TriggerRate > 1 {
		return fmt.Errorf("cascade.trigger_rate must be in (0,1]")
	}
	if len(c.LLM.Models) == 0 {
		return fmt.Errorf("llm.models must list at least one model")
	}
	for _, u := range c.Users {
		switch u.ConfirmationPolicy {
		case "", ConfirmAlways, ConfirmNever, ConfirmRisky, ConfirmUnclear:
		default:
			return fmt.Errorf("user %s: unknown confirmation policy %q", u.ID, u.ConfirmationPolicy)
		}
	}
	return nil
}

// HasAPICredential reports whether a service has a stored API token.
func (c *Config) HasAPICredential(service string) bool {
	return c.Credentials[service] != ""
}

// PolicyFor returns the confirmation policy for an owner, defaulting to
// unclear-triggered confirmation for unknown owners.
func (c *Config) PolicyFor(ownerID string) ConfirmationPolicy {
	for _, u := range c.Users {
		if u.ID == ownerID && u.ConfirmationPolicy != "" {
			return u.ConfirmationPolicy
		}
	}
	return ConfirmUnclear
}

// Duration helpers parse string fields with a fallback.

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// LLMTimeout returns the inference timeout.
func (c *LLMConfig) LLMTimeout() time.Duration { return parseDuration(c.Timeout, 120*time.Second) }

// MaxTaskDuration returns the locked-intent wall-clock budget.
func (c *ExecutionConfig) MaxTaskDuration() time.Duration {
	return parseDuration(c.MaxDuration, 10*time.Minute)
}

// RetryWait returns the fixed backoff before the single retry.
func (c *ExecutionConfig) RetryWait() time.Duration {
	return parseDuration(c.RetryBackoff, 2*time.Second)
}

// PerStepTimeout bounds each action.
func (c *ExecutionConfig) PerStepTimeout() time.Duration {
	return parseDuration(c.StepTimeout, 45*time.Second)
}

// NavigationTimeout returns the browser navigation timeout.
func (c *BrowserConfig) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}
