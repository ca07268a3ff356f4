package orchestration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentrun/core"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 2, cfg.WorkerCount)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, 5*time.Minute, cfg.ApprovalTimeout)
	assert.Equal(t, 0.7, cfg.ConfidenceThreshold)
	assert.Equal(t, 60*time.Second, cfg.Routing.Cooldown)
}

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	cfg := Config{WorkerCount: 8}
	cfg.applyDefaults()
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 4096, cfg.MaxOutputTokens)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker_count: 4
max_retries: 2
approval_timeout: 90s
confidence_threshold: 0.8
routing:
  cooldown: 30s
  failure_threshold: 5
providers:
  openai:
    enabled: false
  groq:
    priority: 1
    input_cost_per_1k: "0.0001"
    output_cost_per_1k: "0.0002"
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 90*time.Second, cfg.ApprovalTimeout)
	assert.Equal(t, 0.8, cfg.ConfidenceThreshold)
	assert.Equal(t, 30*time.Second, cfg.Routing.Cooldown)
	assert.Equal(t, 5, cfg.Routing.FailureThreshold)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBaseDelay, "unset values keep defaults")
}

func TestLoadConfigRejectsBadCostRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  openai:
    input_cost_per_1k: "not-a-number"
`), 0o600))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "input_cost_per_1k")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestProviderStatesAppliesOverrides(t *testing.T) {
	disabled := false
	priority := 1
	cfg := Config{
		Providers: map[string]ProviderOverride{
			"openai": {Enabled: &disabled},
			"groq": {
				Priority:        &priority,
				InputCostPer1K:  "0.0001",
				OutputCostPer1K: "0.0002",
			},
		},
	}

	states := cfg.ProviderStates()
	byID := map[core.Provider]int{}
	for i, s := range states {
		byID[s.ID] = i
	}

	openai := states[byID[core.ProviderOpenAI]]
	assert.False(t, openai.Enabled)

	groq := states[byID[core.ProviderGroq]]
	assert.Equal(t, 1, groq.Priority)
	assert.True(t, groq.Costs.InputPer1K.Equal(decimal.RequireFromString("0.0001")))
	assert.True(t, groq.Costs.OutputPer1K.Equal(decimal.RequireFromString("0.0002")))
}
