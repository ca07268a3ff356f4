// Package orchestration implements the agent run orchestrator: a
// priority task queue, a bounded worker pool, per-run decision tracing,
// human approval gating, and lifecycle event emission.
package orchestration

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/agentforge/agentrun/core"
	"github.com/agentforge/agentrun/routing"
)

// ProviderOverride adjusts one provider's defaults from configuration.
// Cost rates are decimal strings to keep config round-trips exact.
type ProviderOverride struct {
	Enabled         *bool  `yaml:"enabled"`
	Priority        *int   `yaml:"priority"`
	InputCostPer1K  string `yaml:"input_cost_per_1k"`
	OutputCostPer1K string `yaml:"output_cost_per_1k"`
}

// Config configures the orchestrator.
type Config struct {
	// WorkerCount is the number of concurrent workers. Default: 2.
	WorkerCount int

	// MaxRetries is the attempt budget per provider. Default: 3.
	MaxRetries int

	// RetryBaseDelay is the initial backoff delay. Default: 100ms.
	RetryBaseDelay time.Duration

	// ApprovalTimeout is how long a run waits at the approval gate
	// before being rejected. Default: 5m.
	ApprovalTimeout time.Duration

	// ConfidenceThreshold: trace steps with confidence strictly below
	// this require approval. Default: 0.7.
	ConfidenceThreshold float64

	// ShutdownTimeout bounds graceful shutdown. Default: 30s.
	ShutdownTimeout time.Duration

	// MaxOutputTokens is used for capability checks and pre-call cost
	// estimates. Default: 4096.
	MaxOutputTokens int

	// Routing tunes provider health rules.
	Routing routing.Config

	// Providers overrides per-provider defaults, keyed by provider id.
	Providers map[string]ProviderOverride

	// Logger is an optional logger shared by all components.
	Logger core.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		WorkerCount:         2,
		MaxRetries:          3,
		RetryBaseDelay:      100 * time.Millisecond,
		ApprovalTimeout:     5 * time.Minute,
		ConfidenceThreshold: 0.7,
		ShutdownTimeout:     30 * time.Second,
		MaxOutputTokens:     4096,
		Routing:             routing.DefaultConfig(),
	}
}

// applyDefaults fills unset values in place.
func (c *Config) applyDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 2
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 5 * time.Minute
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.7
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = 4096
	}
	if c.Routing.Cooldown <= 0 {
		c.Routing.Cooldown = 60 * time.Second
	}
	if c.Routing.FailureThreshold <= 0 {
		c.Routing.FailureThreshold = 3
	}
	if c.Routing.ErrorDecayAfter <= 0 {
		c.Routing.ErrorDecayAfter = 5 * time.Minute
	}
}

// fileConfig is the YAML schema. Durations are Go duration strings
// ("90s", "5m"); yaml.v3 has no native time.Duration decoding.
type fileConfig struct {
	WorkerCount         int     `yaml:"worker_count"`
	MaxRetries          int     `yaml:"max_retries"`
	RetryBaseDelay      string  `yaml:"retry_base_delay"`
	ApprovalTimeout     string  `yaml:"approval_timeout"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	ShutdownTimeout     string  `yaml:"shutdown_timeout"`
	MaxOutputTokens     int     `yaml:"max_output_tokens"`

	Routing struct {
		Cooldown         string `yaml:"cooldown"`
		FailureThreshold int    `yaml:"failure_threshold"`
		ErrorDecayAfter  string `yaml:"error_decay_after"`
	} `yaml:"routing"`

	Providers map[string]ProviderOverride `yaml:"providers"`
}

// LoadConfig reads a YAML config file and applies defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	config := DefaultConfig()
	config.WorkerCount = file.WorkerCount
	config.MaxRetries = file.MaxRetries
	config.ConfidenceThreshold = file.ConfidenceThreshold
	config.MaxOutputTokens = file.MaxOutputTokens
	config.Routing.FailureThreshold = file.Routing.FailureThreshold
	config.Providers = file.Providers

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"retry_base_delay", file.RetryBaseDelay, &config.RetryBaseDelay},
		{"approval_timeout", file.ApprovalTimeout, &config.ApprovalTimeout},
		{"shutdown_timeout", file.ShutdownTimeout, &config.ShutdownTimeout},
		{"routing.cooldown", file.Routing.Cooldown, &config.Routing.Cooldown},
		{"routing.error_decay_after", file.Routing.ErrorDecayAfter, &config.Routing.ErrorDecayAfter},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s in %s: %w", d.name, path, err)
		}
		*d.dst = parsed
	}

	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	for id, override := range c.Providers {
		if override.InputCostPer1K != "" {
			if _, err := decimal.NewFromString(override.InputCostPer1K); err != nil {
				return fmt.Errorf("invalid input_cost_per_1k for provider %s: %w", id, err)
			}
		}
		if override.OutputCostPer1K != "" {
			if _, err := decimal.NewFromString(override.OutputCostPer1K); err != nil {
				return fmt.Errorf("invalid output_cost_per_1k for provider %s: %w", id, err)
			}
		}
	}
	return nil
}

// ProviderStates returns the default provider table with configured
// overrides applied.
func (c *Config) ProviderStates() []routing.ProviderState {
	states := routing.DefaultProviderStates()
	if len(c.Providers) == 0 {
		return states
	}

	for i := range states {
		override, ok := c.Providers[string(states[i].ID)]
		if !ok {
			continue
		}
		if override.Enabled != nil {
			states[i].Enabled = *override.Enabled
		}
		if override.Priority != nil {
			states[i].Priority = *override.Priority
		}
		if override.InputCostPer1K != "" {
			if rate, err := decimal.NewFromString(override.InputCostPer1K); err == nil {
				states[i].Costs.InputPer1K = rate
			}
		}
		if override.OutputCostPer1K != "" {
			if rate, err := decimal.NewFromString(override.OutputCostPer1K); err == nil {
				states[i].Costs.OutputPer1K = rate
			}
		}
	}
	return states
}
