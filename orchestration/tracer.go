package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/agentrun/core"
)

// TraceOptions carries the optional fields of a trace step.
type TraceOptions struct {
	Confidence   float64
	Alternatives []string
	ContextUsed  map[string]interface{}

	// StartTime, when set, yields DurationMS.
	StartTime time.Time

	// RequireApproval overrides the confidence threshold when non-nil.
	RequireApproval *bool
}

// TraceResult is what Trace hands back to the worker.
type TraceResult struct {
	TraceID          string
	RequiresApproval bool
}

// DecisionTracer appends immutable, ordered step records per run. Step
// numbers are 1-based and gapless; each run executes on one worker at a
// time, so the counter map sees no cross-worker contention for a given
// entry.
type DecisionTracer struct {
	store     core.RunStore
	threshold float64
	logger    core.Logger

	mu       sync.Mutex
	counters map[string]int
}

// NewDecisionTracer creates a tracer. Steps with confidence strictly
// below threshold require approval.
func NewDecisionTracer(store core.RunStore, threshold float64, logger core.Logger) *DecisionTracer {
	if threshold <= 0 {
		threshold = 0.7
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &DecisionTracer{
		store:     store,
		threshold: threshold,
		logger:    logger,
		counters:  make(map[string]int),
	}
}

// Trace records one step. Storage failures are logged and swallowed: the
// result then carries an empty TraceID and no approval requirement, so
// tracing failures never block execution. A missing trace means "trace
// not recorded", not "step not taken".
func (t *DecisionTracer) Trace(ctx context.Context, runID string, stepType core.StepType, decision, reasoning string, opts *TraceOptions) TraceResult {
	if opts == nil {
		opts = &TraceOptions{Confidence: 1.0}
	}

	requiresApproval := opts.Confidence < t.threshold
	if opts.RequireApproval != nil {
		requiresApproval = *opts.RequireApproval
	}

	var durationMS int64
	if !opts.StartTime.IsZero() {
		durationMS = time.Since(opts.StartTime).Milliseconds()
	}

	approvalStatus := core.ApprovalNotRequired
	if requiresApproval {
		approvalStatus = core.ApprovalPending
	}

	t.mu.Lock()
	t.counters[runID]++
	stepNumber := t.counters[runID]
	t.mu.Unlock()

	trace := &core.DecisionTrace{
		ID:             uuid.NewString(),
		RunID:          runID,
		StepNumber:     stepNumber,
		StepType:       stepType,
		Decision:       decision,
		Reasoning:      reasoning,
		Confidence:     opts.Confidence,
		Alternatives:   opts.Alternatives,
		ContextUsed:    opts.ContextUsed,
		DurationMS:     durationMS,
		ApprovalStatus: approvalStatus,
	}

	traceID, err := t.store.CreateDecisionTrace(ctx, trace)
	if err != nil {
		// Roll the counter back so the persisted sequence stays gapless.
		t.mu.Lock()
		if t.counters[runID] == stepNumber {
			t.counters[runID] = stepNumber - 1
		}
		t.mu.Unlock()

		t.logger.Error("Failed to persist decision trace", map[string]interface{}{
			"operation":   "decision_trace",
			"run_id":      runID,
			"step_type":   string(stepType),
			"step_number": stepNumber,
			"error":       err.Error(),
		})
		return TraceResult{}
	}

	return TraceResult{TraceID: traceID, RequiresApproval: requiresApproval}
}

// Reset deletes the per-run step counter. Called when a run reaches a
// terminal state to keep the map from growing without bound.
func (t *DecisionTracer) Reset(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counters, runID)
}
