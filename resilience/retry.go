// Package resilience provides bounded retry with exponential backoff and
// the retry-and-fallback caller that walks a provider chain.
package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/agentforge/agentrun/core"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the attempt budget per provider.
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// delayFor computes the backoff delay before the given retry (attempt is
// the 1-based index of the attempt that just failed).
func (c *RetryConfig) delayFor(attempt int) time.Duration {
	delay := time.Duration(float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt-1)))
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.JitterEnabled {
		// Deterministic bounded jitter keeps retries from synchronizing
		// across workers without pulling in a PRNG dependency.
		jitter := time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
		delay += jitter
	}
	return delay
}

// sleep waits for d or until the context is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry executes fn with bounded retries and exponential backoff. Used by
// storage adapters for transient infrastructure failures; provider calls
// go through FallbackCaller instead.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == config.MaxAttempts {
			break
		}
		if err := sleep(ctx, config.delayFor(attempt)); err != nil {
			return err
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}
