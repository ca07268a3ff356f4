package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentforge/agentrun/core"
)

type approvalDecision struct {
	approved bool
	reason   string
}

type approvalWaiter struct {
	traceID  string
	decision string
	result   chan approvalDecision
}

// ApprovalGate blocks a worker on a low-confidence step until an external
// decision arrives or the deadline passes. At most one waiter may exist
// per run; a second registration while one is pending is a programming
// error and fails fast.
type ApprovalGate struct {
	store   core.RunStore
	timeout time.Duration
	logger  core.Logger

	mu      sync.Mutex
	waiters map[string]*approvalWaiter
}

// NewApprovalGate creates a gate with the given wait deadline.
func NewApprovalGate(store core.RunStore, timeout time.Duration, logger core.Logger) *ApprovalGate {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ApprovalGate{
		store:   store,
		timeout: timeout,
		logger:  logger,
		waiters: make(map[string]*approvalWaiter),
	}
}

// Wait suspends the calling worker until the run is approved, rejected,
// cancelled, or the deadline passes. The run's persisted status is set to
// awaiting_approval for the duration. Returns nil on approval.
//
// The deadline uses a wall-clock timer; it is advisory and may drift
// with clock adjustments.
func (g *ApprovalGate) Wait(ctx context.Context, runID, traceID, decision string) error {
	waiter := &approvalWaiter{
		traceID:  traceID,
		decision: decision,
		result:   make(chan approvalDecision, 1),
	}

	g.mu.Lock()
	if _, exists := g.waiters[runID]; exists {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrApprovalPending, runID)
	}
	g.waiters[runID] = waiter
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.waiters[runID] == waiter {
			delete(g.waiters, runID)
		}
		g.mu.Unlock()
	}()

	status := core.RunStatusAwaitingApproval
	if err := g.store.UpdateRun(ctx, runID, core.RunUpdate{Status: &status}); err != nil {
		g.logger.Error("Failed to set run awaiting approval", map[string]interface{}{
			"operation": "approval_wait",
			"run_id":    runID,
			"error":     err.Error(),
		})
	}

	g.logger.Info("Run awaiting approval", map[string]interface{}{
		"operation": "approval_wait",
		"run_id":    runID,
		"trace_id":  traceID,
		"decision":  decision,
		"timeout":   g.timeout.String(),
	})

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case d := <-waiter.result:
		if d.approved {
			return nil
		}
		reason := d.reason
		if reason == "" {
			reason = "no reason given"
		}
		return fmt.Errorf("%w: %s", core.ErrApprovalRejected, reason)
	case <-timer.C:
		return fmt.Errorf("%w after %s", core.ErrApprovalTimeout, g.timeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", core.ErrRunCancelled, ctx.Err())
	}
}

// Resolve delivers a decision to the waiter for runID. Returns false when
// no waiter exists; at most one waiter is resolved per call, and a second
// call for the same run finds nothing.
func (g *ApprovalGate) Resolve(runID string, approved bool, reason string) bool {
	g.mu.Lock()
	waiter, ok := g.waiters[runID]
	if ok {
		delete(g.waiters, runID)
	}
	g.mu.Unlock()

	if !ok {
		return false
	}
	waiter.result <- approvalDecision{approved: approved, reason: reason}
	return true
}

// PendingCount returns the number of runs currently blocked at the gate.
func (g *ApprovalGate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}
