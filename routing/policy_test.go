package routing

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentrun/core"
)

func newTestPolicy(t *testing.T, config Config) *Policy {
	t.Helper()
	return NewPolicy(DefaultProviderStates(), config, &core.NoOpLogger{})
}

func TestPickPrefersLowestPriority(t *testing.T) {
	p := newTestPolicy(t, DefaultConfig())

	provider, err := p.Pick(Request{PromptLength: 100, MaxOutputTokens: 1024})
	require.NoError(t, err)
	assert.Equal(t, core.ProviderOpenAI, provider)
}

func TestPickRespectsAllowedList(t *testing.T) {
	p := newTestPolicy(t, DefaultConfig())

	provider, err := p.Pick(Request{PromptLength: 100}, core.ProviderGroq, core.ProviderXAI)
	require.NoError(t, err)
	assert.Equal(t, core.ProviderGroq, provider)
}

func TestPickFiltersByCapability(t *testing.T) {
	p := NewPolicy([]ProviderState{
		{ID: core.ProviderPerplexity, Priority: 1, Enabled: true, Healthy: true,
			Capabilities: Capabilities{MaxContextTokens: 100000}},
		{ID: core.ProviderOpenAI, Priority: 2, Enabled: true, Healthy: true,
			Capabilities: Capabilities{MaxContextTokens: 100000, SupportsTools: true}},
	}, DefaultConfig(), nil)

	provider, err := p.Pick(Request{PromptLength: 100, RequiresTools: true})
	require.NoError(t, err)
	assert.Equal(t, core.ProviderOpenAI, provider)
}

func TestPickFiltersByContextWindow(t *testing.T) {
	p := NewPolicy([]ProviderState{
		{ID: core.ProviderGroq, Priority: 1, Enabled: true, Healthy: true,
			Capabilities: Capabilities{MaxContextTokens: 10}},
	}, DefaultConfig(), nil)

	// 100 chars is ~25 tokens, over the 10-token window.
	_, err := p.Pick(Request{PromptLength: 100})
	assert.ErrorIs(t, err, core.ErrNoProvidersAvailable)
}

func TestPickFiltersByBudget(t *testing.T) {
	p := newTestPolicy(t, DefaultConfig())

	budget := decimal.RequireFromString("0.000001")
	_, err := p.Pick(Request{PromptLength: 4000, MaxOutputTokens: 4096, BudgetRemaining: &budget})
	assert.ErrorIs(t, err, core.ErrNoProvidersAvailable)

	roomy := decimal.RequireFromString("100")
	provider, err := p.Pick(Request{PromptLength: 4000, MaxOutputTokens: 4096, BudgetRemaining: &roomy})
	require.NoError(t, err)
	assert.Equal(t, core.ProviderOpenAI, provider)
}

func TestPickSkipsDisabledProviders(t *testing.T) {
	states := DefaultProviderStates()
	states[0].Enabled = false // openai
	p := NewPolicy(states, DefaultConfig(), nil)

	provider, err := p.Pick(Request{PromptLength: 100})
	require.NoError(t, err)
	assert.Equal(t, core.ProviderAnthropic, provider)
}

func TestFallbackChainExcludesPrimary(t *testing.T) {
	p := newTestPolicy(t, DefaultConfig())

	chain := p.FallbackChain(core.ProviderOpenAI, Request{PromptLength: 100})
	require.NotEmpty(t, chain)
	assert.Equal(t, core.ProviderAnthropic, chain[0])
	for _, provider := range chain {
		assert.NotEqual(t, core.ProviderOpenAI, provider)
	}
}

func TestConsecutiveFailuresMarkUnhealthy(t *testing.T) {
	p := newTestPolicy(t, Config{FailureThreshold: 3, Cooldown: time.Hour})
	err := errors.New("boom")

	p.OnResult(core.ProviderOpenAI, false, err)
	p.OnResult(core.ProviderOpenAI, false, err)

	provider, pickErr := p.Pick(Request{PromptLength: 100})
	require.NoError(t, pickErr)
	assert.Equal(t, core.ProviderOpenAI, provider, "two failures should not trip the threshold")

	p.OnResult(core.ProviderOpenAI, false, err)

	provider, pickErr = p.Pick(Request{PromptLength: 100})
	require.NoError(t, pickErr)
	assert.Equal(t, core.ProviderAnthropic, provider, "third failure should exclude openai")
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	p := newTestPolicy(t, Config{FailureThreshold: 3, Cooldown: time.Hour})
	err := errors.New("boom")

	p.OnResult(core.ProviderOpenAI, false, err)
	p.OnResult(core.ProviderOpenAI, false, err)
	p.OnResult(core.ProviderOpenAI, true, nil)
	p.OnResult(core.ProviderOpenAI, false, err)
	p.OnResult(core.ProviderOpenAI, false, err)

	provider, pickErr := p.Pick(Request{PromptLength: 100})
	require.NoError(t, pickErr)
	assert.Equal(t, core.ProviderOpenAI, provider)
}

func TestCooldownRecovery(t *testing.T) {
	p := newTestPolicy(t, Config{FailureThreshold: 1, Cooldown: 20 * time.Millisecond})

	p.OnResult(core.ProviderOpenAI, false, errors.New("boom"))

	provider, err := p.Pick(Request{PromptLength: 100})
	require.NoError(t, err)
	assert.Equal(t, core.ProviderAnthropic, provider)
	assert.False(t, p.InCooldownRecovery(core.ProviderOpenAI))

	time.Sleep(30 * time.Millisecond)

	provider, err = p.Pick(Request{PromptLength: 100})
	require.NoError(t, err)
	assert.Equal(t, core.ProviderOpenAI, provider, "cooldown elapsed, provider offered again")
	assert.True(t, p.InCooldownRecovery(core.ProviderOpenAI))

	p.OnResult(core.ProviderOpenAI, true, nil)
	assert.False(t, p.InCooldownRecovery(core.ProviderOpenAI), "success restores health")
}

func TestPickNothingAvailable(t *testing.T) {
	states := DefaultProviderStates()
	for i := range states {
		states[i].Enabled = false
	}
	p := NewPolicy(states, DefaultConfig(), nil)

	_, err := p.Pick(Request{PromptLength: 100})
	assert.ErrorIs(t, err, core.ErrNoProvidersAvailable)
}

func TestEnabledSortedByPriority(t *testing.T) {
	p := newTestPolicy(t, DefaultConfig())

	providers := p.Enabled()
	require.Len(t, providers, 6)
	assert.Equal(t, core.ProviderOpenAI, providers[0])
	assert.Equal(t, core.ProviderXAI, providers[5])
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(0))
	assert.Equal(t, 0, EstimateTokens(-5))
	assert.Equal(t, 1, EstimateTokens(1))
	assert.Equal(t, 1, EstimateTokens(4))
	assert.Equal(t, 2, EstimateTokens(5))
	assert.Equal(t, 25, EstimateTokens(100))
}

func TestEstimateCost(t *testing.T) {
	p := newTestPolicy(t, DefaultConfig())

	// 4000 chars -> 1000 input tokens at 0.0025/1K, plus 1000 output
	// tokens at 0.01/1K.
	cost, err := p.EstimateCost(core.ProviderOpenAI, 4000, 1000)
	require.NoError(t, err)
	assert.True(t, cost.Equal(decimal.RequireFromString("0.0125")), "got %s", cost)

	_, err = p.EstimateCost(core.Provider("nope"), 100, 100)
	assert.ErrorIs(t, err, core.ErrNoProvidersAvailable)
}

func TestCostOfUsage(t *testing.T) {
	p := newTestPolicy(t, DefaultConfig())

	cost, err := p.CostOfUsage(core.ProviderOpenAI, 2000, 500)
	require.NoError(t, err)
	// 2*0.0025 + 0.5*0.01
	assert.True(t, cost.Equal(decimal.RequireFromString("0.01")), "got %s", cost)
}

func TestSnapshotReturnsCopies(t *testing.T) {
	p := newTestPolicy(t, DefaultConfig())

	snapshot := p.Snapshot()
	require.Len(t, snapshot, 6)
	snapshot[0].Enabled = false

	provider, err := p.Pick(Request{PromptLength: 100})
	require.NoError(t, err)
	assert.Equal(t, core.ProviderOpenAI, provider, "mutating a snapshot must not affect the policy")
}
