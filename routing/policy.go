// Package routing selects providers for agent runs. It owns the mutable
// per-provider health, capability, and cost state, picks the best
// provider for a request, and computes ordered fallback chains.
package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentforge/agentrun/core"
)

// Capabilities describes what a provider can do.
type Capabilities struct {
	MaxContextTokens  int  `json:"max_context_tokens" yaml:"max_context_tokens"`
	SupportsVision    bool `json:"supports_vision" yaml:"supports_vision"`
	SupportsTools     bool `json:"supports_tools" yaml:"supports_tools"`
	SupportsJSONMode  bool `json:"supports_json_mode" yaml:"supports_json_mode"`
	SupportsStreaming bool `json:"supports_streaming" yaml:"supports_streaming"`
}

// CostRates holds per-1K-token rates as decimals.
type CostRates struct {
	InputPer1K  decimal.Decimal `json:"input_per_1k"`
	OutputPer1K decimal.Decimal `json:"output_per_1k"`
}

// ProviderState is the mutable record the policy keeps per provider.
// Lower Priority means higher preference.
type ProviderState struct {
	ID                  core.Provider `json:"id"`
	Priority            int           `json:"priority"`
	Enabled             bool          `json:"enabled"`
	Healthy             bool          `json:"healthy"`
	ErrorCount          int           `json:"error_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastErrorTime       time.Time     `json:"last_error_time"`
	LastSuccessTime     time.Time     `json:"last_success_time"`
	Capabilities        Capabilities  `json:"capabilities"`
	Costs               CostRates     `json:"costs"`
}

// Request describes what the caller needs from a provider.
type Request struct {
	PromptLength      int
	MaxOutputTokens   int
	RequiresVision    bool
	RequiresTools     bool
	RequiresJSONMode  bool
	RequiresStreaming bool

	// BudgetRemaining caps the estimated call cost. Nil means no cap.
	BudgetRemaining *decimal.Decimal
}

// Config tunes the health rules.
type Config struct {
	// Cooldown is how long an unhealthy provider stays excluded after
	// its last error. Default: 60s.
	Cooldown time.Duration

	// FailureThreshold is the consecutive-failure count that marks a
	// provider unhealthy. Default: 3.
	FailureThreshold int

	// ErrorDecayAfter is how old the last error must be before a success
	// decays the accumulated error count. Default: 5m.
	ErrorDecayAfter time.Duration
}

// DefaultConfig returns the default health rules.
func DefaultConfig() Config {
	return Config{
		Cooldown:         60 * time.Second,
		FailureThreshold: 3,
		ErrorDecayAfter:  5 * time.Minute,
	}
}

// Policy owns provider state and implements selection. All reads return
// copies; callers never see the internal maps.
type Policy struct {
	mu     sync.Mutex
	states map[core.Provider]*ProviderState
	config Config
	logger core.Logger
}

// NewPolicy creates a policy seeded with the given states. Pass
// DefaultProviderStates() for the standard provider set.
func NewPolicy(states []ProviderState, config Config, logger core.Logger) *Policy {
	if config.Cooldown <= 0 {
		config.Cooldown = 60 * time.Second
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.ErrorDecayAfter <= 0 {
		config.ErrorDecayAfter = 5 * time.Minute
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	m := make(map[core.Provider]*ProviderState, len(states))
	for i := range states {
		s := states[i]
		m[s.ID] = &s
	}
	return &Policy{states: m, config: config, logger: logger}
}

// Pick returns the best provider for the request: enabled, available,
// capability-matching, within budget, lowest priority value. The optional
// allowed list restricts candidates to a subset of providers. Returns
// core.ErrNoProvidersAvailable if nothing qualifies.
func (p *Policy) Pick(req Request, allowed ...core.Provider) (core.Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := p.eligible(req, allowed, "")
	if len(candidates) == 0 {
		p.logger.Warn("No providers available for request", map[string]interface{}{
			"operation":      "routing_pick",
			"prompt_length":  req.PromptLength,
			"requires_tools": req.RequiresTools,
		})
		return "", core.ErrNoProvidersAvailable
	}
	return candidates[0], nil
}

// FallbackChain returns the ordered providers to try after primary fails,
// using the same eligibility filter as Pick with primary excluded.
func (p *Policy) FallbackChain(primary core.Provider, req Request) []core.Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eligible(req, nil, primary)
}

// eligible filters and sorts under p.mu. exclude removes one provider;
// allowed (if non-empty) restricts to a subset.
func (p *Policy) eligible(req Request, allowed []core.Provider, exclude core.Provider) []core.Provider {
	allowedSet := map[core.Provider]bool{}
	for _, a := range allowed {
		allowedSet[a] = true
	}

	now := time.Now()
	var states []*ProviderState
	for id, s := range p.states {
		if id == exclude {
			continue
		}
		if len(allowedSet) > 0 && !allowedSet[id] {
			continue
		}
		if !s.Enabled || !p.available(s, now) || !meets(s, req) {
			continue
		}
		if req.BudgetRemaining != nil {
			cost := estimateCost(s.Costs, req.PromptLength, req.MaxOutputTokens)
			if cost.GreaterThan(*req.BudgetRemaining) {
				continue
			}
		}
		states = append(states, s)
	}

	sort.Slice(states, func(i, j int) bool {
		if states[i].Priority != states[j].Priority {
			return states[i].Priority < states[j].Priority
		}
		return states[i].ID < states[j].ID
	})

	out := make([]core.Provider, len(states))
	for i, s := range states {
		out[i] = s.ID
	}
	return out
}

// available means healthy, or out of cooldown since the last error.
func (p *Policy) available(s *ProviderState, now time.Time) bool {
	if s.Healthy {
		return true
	}
	return !s.LastErrorTime.IsZero() && now.Sub(s.LastErrorTime) >= p.config.Cooldown
}

// InCooldownRecovery reports whether the provider is currently being
// offered only because its cooldown elapsed, not because it is healthy.
// Workers use this to flag the selection for security validation.
func (p *Policy) InCooldownRecovery(provider core.Provider) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[provider]
	if !ok {
		return false
	}
	return !s.Healthy && p.available(s, time.Now())
}

func meets(s *ProviderState, req Request) bool {
	if req.RequiresVision && !s.Capabilities.SupportsVision {
		return false
	}
	if req.RequiresTools && !s.Capabilities.SupportsTools {
		return false
	}
	if req.RequiresJSONMode && !s.Capabilities.SupportsJSONMode {
		return false
	}
	if req.RequiresStreaming && !s.Capabilities.SupportsStreaming {
		return false
	}
	return EstimateTokens(req.PromptLength) <= s.Capabilities.MaxContextTokens
}

// OnResult updates provider health after an attempt. It never fails.
func (p *Policy) OnResult(provider core.Provider, success bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.states[provider]
	if !ok {
		return
	}
	now := time.Now()

	if success {
		s.Healthy = true
		s.ConsecutiveFailures = 0
		s.LastSuccessTime = now
		if s.ErrorCount > 0 && !s.LastErrorTime.IsZero() && now.Sub(s.LastErrorTime) > p.config.ErrorDecayAfter {
			s.ErrorCount--
		}
		return
	}

	s.ErrorCount++
	s.ConsecutiveFailures++
	s.LastErrorTime = now
	if s.ConsecutiveFailures >= p.config.FailureThreshold {
		if s.Healthy {
			p.logger.Warn("Provider marked unhealthy", map[string]interface{}{
				"operation":            "routing_health",
				"provider":             string(provider),
				"consecutive_failures": s.ConsecutiveFailures,
				"error":                errString(err),
			})
		}
		s.Healthy = false
	}
}

// EstimateCost returns the decimal cost estimate for a call against the
// given provider, or ErrNoProvidersAvailable for an unknown provider.
func (p *Policy) EstimateCost(provider core.Provider, promptLength, maxOutputTokens int) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[provider]
	if !ok {
		return decimal.Zero, core.ErrNoProvidersAvailable
	}
	return estimateCost(s.Costs, promptLength, maxOutputTokens), nil
}

// CostOfUsage returns the actual decimal cost of a completed call from
// reported token counts.
func (p *Policy) CostOfUsage(provider core.Provider, inputTokens, outputTokens int) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[provider]
	if !ok {
		return decimal.Zero, core.ErrNoProvidersAvailable
	}
	return UsageCost(s.Costs, inputTokens, outputTokens), nil
}

// Enabled returns the enabled provider ids, sorted by priority. Used for
// the alternatives list in provider-selection traces.
func (p *Policy) Enabled() []core.Provider {
	p.mu.Lock()
	defer p.mu.Unlock()

	var states []*ProviderState
	for _, s := range p.states {
		if s.Enabled {
			states = append(states, s)
		}
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].Priority != states[j].Priority {
			return states[i].Priority < states[j].Priority
		}
		return states[i].ID < states[j].ID
	})
	out := make([]core.Provider, len(states))
	for i, s := range states {
		out[i] = s.ID
	}
	return out
}

// Snapshot returns a copy of all provider states for health reporting.
func (p *Policy) Snapshot() []ProviderState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProviderState, 0, len(p.states))
	for _, s := range p.states {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
