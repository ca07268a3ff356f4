package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/agentforge/agentrun/core"
)

// HealthReporter receives the outcome of every provider attempt. The
// routing policy implements it.
type HealthReporter interface {
	OnResult(provider core.Provider, success bool, err error)
}

// AttemptInfo describes a failed attempt that will be followed by another
// one. NextProvider is empty for a same-provider retry and set when the
// caller is advancing to the next provider in the chain.
type AttemptInfo struct {
	Provider     core.Provider
	Attempt      int // 1-based within the current provider
	TotalAttempt int // cumulative across all providers
	Err          error
	NextProvider core.Provider
}

// AttemptCallback is invoked between attempts, before the backoff sleep.
// It is not invoked after the final failed attempt of the last provider.
type AttemptCallback func(ctx context.Context, info AttemptInfo)

// Request is one retry-and-fallback call. Chain is the fallback order
// computed by the routing policy at call start; it is not re-read
// mid-call, so policy changes never reorder an in-flight chain.
type Request struct {
	Primary    core.Provider
	Chain      []core.Provider
	Prompt     string
	Model      string
	Credential string
}

// FallbackCaller executes a provider call resilient to transient failures
// and provider outages. It retries each provider up to MaxAttempts times
// with exponential backoff, advances along the fallback chain on terminal
// failures or exhausted retries, and reports every attempt to the health
// reporter.
type FallbackCaller struct {
	caller core.ProviderCaller
	health HealthReporter
	config RetryConfig
	logger core.Logger
}

// NewFallbackCaller creates a caller. health may be nil when no routing
// policy is attached (tests).
func NewFallbackCaller(caller core.ProviderCaller, health HealthReporter, config *RetryConfig, logger core.Logger) *FallbackCaller {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.BackoffFactor <= 0 {
		config.BackoffFactor = 2.0
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &FallbackCaller{
		caller: caller,
		health: health,
		config: *config,
		logger: logger,
	}
}

// Call runs the retry/fallback loop and always returns a response; a
// response with Success=false means the whole chain was exhausted or the
// context was cancelled. Attempts is cumulative across providers.
func (f *FallbackCaller) Call(ctx context.Context, req Request, onAttempt AttemptCallback) *core.ProviderResponse {
	providers := append([]core.Provider{req.Primary}, req.Chain...)

	totalAttempts := 0
	var lastErr error

	for idx, provider := range providers {
		for attempt := 1; attempt <= f.config.MaxAttempts; attempt++ {
			if err := ctx.Err(); err != nil {
				return &core.ProviderResponse{
					Success:  false,
					Attempts: totalAttempts,
					Error:    fmt.Sprintf("%v: %v", core.ErrRunCancelled, err),
				}
			}

			totalAttempts++
			result, err := f.caller.Call(ctx, core.CallRequest{
				Provider:   provider,
				Prompt:     req.Prompt,
				Model:      req.Model,
				Credential: req.Credential,
			})
			if f.health != nil {
				f.health.OnResult(provider, err == nil, err)
			}

			if err == nil {
				return &core.ProviderResponse{
					Success:      true,
					Content:      result.Content,
					UsedProvider: provider,
					Attempts:     totalAttempts,
					Usage: core.TokenUsage{
						InputTokens:  result.InputTokens,
						OutputTokens: result.OutputTokens,
						CostEstimate: result.CostEstimate,
					},
				}
			}

			lastErr = err
			terminal := core.IsTerminal(err)
			lastAttempt := attempt == f.config.MaxAttempts
			lastProvider := idx == len(providers)-1
			advancing := terminal || lastAttempt

			f.logger.Warn("Provider attempt failed", map[string]interface{}{
				"operation":     "provider_call",
				"provider":      string(provider),
				"attempt":       attempt,
				"total_attempt": totalAttempts,
				"terminal":      terminal,
				"error":         err.Error(),
			})

			if advancing && lastProvider {
				// Chain exhausted; no further attempt follows.
				break
			}

			var next core.Provider
			if advancing {
				next = providers[idx+1]
			}
			if onAttempt != nil {
				onAttempt(ctx, AttemptInfo{
					Provider:     provider,
					Attempt:      attempt,
					TotalAttempt: totalAttempts,
					Err:          err,
					NextProvider: next,
				})
			}

			if advancing {
				break
			}
			if err := sleep(ctx, f.config.delayFor(attempt)); err != nil {
				return &core.ProviderResponse{
					Success:  false,
					Attempts: totalAttempts,
					Error:    fmt.Sprintf("%v: %v", core.ErrRunCancelled, err),
				}
			}
		}
	}

	errMsg := "no providers available"
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	return &core.ProviderResponse{
		Success:  false,
		Attempts: totalAttempts,
		Error:    errMsg,
	}
}
