package routing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentforge/agentrun/core"
)

// EstimateTokens approximates token count from prompt length: one token
// per four characters, rounded up. Kept deliberately cheap; exact
// tokenization would change observable cost estimates per provider.
func EstimateTokens(promptLength int) int {
	if promptLength <= 0 {
		return 0
	}
	return (promptLength + 3) / 4
}

var thousand = decimal.NewFromInt(1000)

// estimateCost computes (tokens/1000)*inputRate + (maxOutput/1000)*outputRate.
func estimateCost(rates CostRates, promptLength, maxOutputTokens int) decimal.Decimal {
	inputTokens := decimal.NewFromInt(int64(EstimateTokens(promptLength)))
	outputTokens := decimal.NewFromInt(int64(maxOutputTokens))
	input := inputTokens.Div(thousand).Mul(rates.InputPer1K)
	output := outputTokens.Div(thousand).Mul(rates.OutputPer1K)
	return input.Add(output)
}

// UsageCost computes the actual cost of a completed call from the token
// counts the provider reported.
func UsageCost(rates CostRates, inputTokens, outputTokens int) decimal.Decimal {
	input := decimal.NewFromInt(int64(inputTokens)).Div(thousand).Mul(rates.InputPer1K)
	output := decimal.NewFromInt(int64(outputTokens)).Div(thousand).Mul(rates.OutputPer1K)
	return input.Add(output)
}

// rates is a convenience constructor from float literals in the defaults
// table. Config-file overrides arrive as strings and use decimal parsing.
func rates(input, output float64) CostRates {
	return CostRates{
		InputPer1K:  decimal.NewFromFloat(input),
		OutputPer1K: decimal.NewFromFloat(output),
	}
}

// DefaultProviderStates returns the standard provider table: all enabled
// and healthy, ordered openai, anthropic, google, groq, perplexity, xai.
func DefaultProviderStates() []ProviderState {
	now := time.Now()
	return []ProviderState{
		{
			ID: core.ProviderOpenAI, Priority: 1, Enabled: true, Healthy: true,
			LastSuccessTime: now,
			Capabilities: Capabilities{
				MaxContextTokens: 128000, SupportsVision: true, SupportsTools: true,
				SupportsJSONMode: true, SupportsStreaming: true,
			},
			Costs: rates(0.0025, 0.01),
		},
		{
			ID: core.ProviderAnthropic, Priority: 2, Enabled: true, Healthy: true,
			LastSuccessTime: now,
			Capabilities: Capabilities{
				MaxContextTokens: 200000, SupportsVision: true, SupportsTools: true,
				SupportsJSONMode: false, SupportsStreaming: true,
			},
			Costs: rates(0.003, 0.015),
		},
		{
			ID: core.ProviderGoogle, Priority: 3, Enabled: true, Healthy: true,
			LastSuccessTime: now,
			Capabilities: Capabilities{
				MaxContextTokens: 1000000, SupportsVision: true, SupportsTools: true,
				SupportsJSONMode: true, SupportsStreaming: true,
			},
			Costs: rates(0.00125, 0.005),
		},
		{
			ID: core.ProviderGroq, Priority: 4, Enabled: true, Healthy: true,
			LastSuccessTime: now,
			Capabilities: Capabilities{
				MaxContextTokens: 32768, SupportsVision: false, SupportsTools: true,
				SupportsJSONMode: true, SupportsStreaming: true,
			},
			Costs: rates(0.00005, 0.00008),
		},
		{
			ID: core.ProviderPerplexity, Priority: 5, Enabled: true, Healthy: true,
			LastSuccessTime: now,
			Capabilities: Capabilities{
				MaxContextTokens: 127072, SupportsVision: false, SupportsTools: false,
				SupportsJSONMode: false, SupportsStreaming: true,
			},
			Costs: rates(0.001, 0.001),
		},
		{
			ID: core.ProviderXAI, Priority: 6, Enabled: true, Healthy: true,
			LastSuccessTime: now,
			Capabilities: Capabilities{
				MaxContextTokens: 131072, SupportsVision: true, SupportsTools: true,
				SupportsJSONMode: true, SupportsStreaming: true,
			},
			Costs: rates(0.002, 0.01),
		},
	}
}
