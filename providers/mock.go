package providers

import (
	"context"
	"sync"

	"github.com/agentforge/agentrun/core"
)

type mockOutcome struct {
	result *core.CallResult
	err    error
}

// MockCaller is a scriptable core.ProviderCaller for tests and demos.
// Outcomes queued per provider are consumed in order; when a provider's
// queue is empty the default response is returned. Set CallFunc for full
// control.
type MockCaller struct {
	mu       sync.Mutex
	script   map[core.Provider][]mockOutcome
	calls    []core.CallRequest
	CallFunc func(ctx context.Context, req core.CallRequest) (*core.CallResult, error)
}

// NewMockCaller creates an empty mock.
func NewMockCaller() *MockCaller {
	return &MockCaller{script: make(map[core.Provider][]mockOutcome)}
}

// QueueResult schedules a successful outcome for the provider.
func (m *MockCaller) QueueResult(provider core.Provider, result *core.CallResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script[provider] = append(m.script[provider], mockOutcome{result: result})
}

// QueueError schedules a failed outcome for the provider.
func (m *MockCaller) QueueError(provider core.Provider, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script[provider] = append(m.script[provider], mockOutcome{err: err})
}

// Call pops the next scripted outcome for the provider.
func (m *MockCaller) Call(ctx context.Context, req core.CallRequest) (*core.CallResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m.mu.Lock()
	m.calls = append(m.calls, req)
	fn := m.CallFunc
	var outcome *mockOutcome
	if queue := m.script[req.Provider]; len(queue) > 0 {
		outcome = &queue[0]
		m.script[req.Provider] = queue[1:]
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if outcome != nil {
		if outcome.err != nil {
			return nil, outcome.err
		}
		return outcome.result, nil
	}

	return &core.CallResult{
		Content:      "mock response",
		InputTokens:  (len(req.Prompt) + 3) / 4,
		OutputTokens: 8,
	}, nil
}

// Calls returns a copy of every request the mock has seen, in order.
func (m *MockCaller) Calls() []core.CallRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.CallRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of calls made.
func (m *MockCaller) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
