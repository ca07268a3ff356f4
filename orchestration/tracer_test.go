package orchestration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentrun/core"
	"github.com/agentforge/agentrun/store"
)

func TestTraceAssignsSequentialStepNumbers(t *testing.T) {
	s := store.NewMemoryRunStore()
	tracer := NewDecisionTracer(s, 0.7, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := tracer.Trace(ctx, "run-1", core.StepContextAnalysis, "analyzed", "reasoning", &TraceOptions{Confidence: 0.9})
		require.NotEmpty(t, res.TraceID)
	}
	tracer.Trace(ctx, "run-2", core.StepProviderSelection, "selected", "reasoning", &TraceOptions{Confidence: 0.95})

	traces := s.Traces("run-1")
	require.Len(t, traces, 3)
	for i, trace := range traces {
		assert.Equal(t, i+1, trace.StepNumber)
	}

	other := s.Traces("run-2")
	require.Len(t, other, 1)
	assert.Equal(t, 1, other[0].StepNumber, "step numbers are per run")
}

func TestTraceConfidenceThresholdIsStrict(t *testing.T) {
	s := store.NewMemoryRunStore()
	tracer := NewDecisionTracer(s, 0.7, nil)
	ctx := context.Background()

	atThreshold := tracer.Trace(ctx, "run-1", core.StepContextAnalysis, "d", "r", &TraceOptions{Confidence: 0.7})
	assert.False(t, atThreshold.RequiresApproval, "confidence equal to threshold passes")

	below := tracer.Trace(ctx, "run-1", core.StepContextAnalysis, "d", "r", &TraceOptions{Confidence: 0.69})
	assert.True(t, below.RequiresApproval)

	traces := s.Traces("run-1")
	require.Len(t, traces, 2)
	assert.Equal(t, core.ApprovalNotRequired, traces[0].ApprovalStatus)
	assert.Equal(t, core.ApprovalPending, traces[1].ApprovalStatus)
}

func TestTraceApprovalOverride(t *testing.T) {
	s := store.NewMemoryRunStore()
	tracer := NewDecisionTracer(s, 0.7, nil)
	ctx := context.Background()

	force := true
	res := tracer.Trace(ctx, "run-1", core.StepSecurityValidation, "d", "r", &TraceOptions{Confidence: 1.0, RequireApproval: &force})
	assert.True(t, res.RequiresApproval)

	skip := false
	res = tracer.Trace(ctx, "run-1", core.StepSecurityValidation, "d", "r", &TraceOptions{Confidence: 0.1, RequireApproval: &skip})
	assert.False(t, res.RequiresApproval)
}

func TestTraceRecordsDuration(t *testing.T) {
	s := store.NewMemoryRunStore()
	tracer := NewDecisionTracer(s, 0.7, nil)

	tracer.Trace(context.Background(), "run-1", core.StepResponseGeneration, "d", "r", &TraceOptions{
		Confidence: 0.95,
		StartTime:  time.Now().Add(-50 * time.Millisecond),
	})

	traces := s.Traces("run-1")
	require.Len(t, traces, 1)
	assert.GreaterOrEqual(t, traces[0].DurationMS, int64(50))
}

// failingTraceStore wraps the memory store and fails CreateDecisionTrace
// on demand.
type failingTraceStore struct {
	*store.MemoryRunStore
	fail bool
}

func (f *failingTraceStore) CreateDecisionTrace(ctx context.Context, trace *core.DecisionTrace) (string, error) {
	if f.fail {
		return "", errors.New("storage down")
	}
	return f.MemoryRunStore.CreateDecisionTrace(ctx, trace)
}

func TestTraceStorageFailureIsSwallowedAndGapless(t *testing.T) {
	s := &failingTraceStore{MemoryRunStore: store.NewMemoryRunStore()}
	tracer := NewDecisionTracer(s, 0.7, nil)
	ctx := context.Background()

	res := tracer.Trace(ctx, "run-1", core.StepProviderSelection, "d", "r", &TraceOptions{Confidence: 0.95})
	require.NotEmpty(t, res.TraceID)

	s.fail = true
	res = tracer.Trace(ctx, "run-1", core.StepContextAnalysis, "d", "r", &TraceOptions{Confidence: 0.1})
	assert.Empty(t, res.TraceID)
	assert.False(t, res.RequiresApproval, "a step that was never recorded cannot gate the run")

	s.fail = false
	tracer.Trace(ctx, "run-1", core.StepResponseGeneration, "d", "r", &TraceOptions{Confidence: 0.95})

	traces := s.Traces("run-1")
	require.Len(t, traces, 2)
	assert.Equal(t, 1, traces[0].StepNumber)
	assert.Equal(t, 2, traces[1].StepNumber, "failed step leaves no gap in the sequence")
}

func TestTraceNilOptionsDefaults(t *testing.T) {
	s := store.NewMemoryRunStore()
	tracer := NewDecisionTracer(s, 0.7, nil)

	res := tracer.Trace(context.Background(), "run-1", core.StepErrorHandling, "d", "r", nil)
	assert.False(t, res.RequiresApproval)

	traces := s.Traces("run-1")
	require.Len(t, traces, 1)
	assert.Equal(t, 1.0, traces[0].Confidence)
}

func TestTracerReset(t *testing.T) {
	s := store.NewMemoryRunStore()
	tracer := NewDecisionTracer(s, 0.7, nil)
	ctx := context.Background()

	tracer.Trace(ctx, "run-1", core.StepProviderSelection, "d", "r", &TraceOptions{Confidence: 0.95})
	tracer.Trace(ctx, "run-1", core.StepContextAnalysis, "d", "r", &TraceOptions{Confidence: 0.9})
	tracer.Reset("run-1")

	tracer.Trace(ctx, "run-1", core.StepProviderSelection, "d", "r", &TraceOptions{Confidence: 0.95})

	traces := s.Traces("run-1")
	require.Len(t, traces, 3)
	assert.Equal(t, 1, traces[2].StepNumber, "counter restarts after reset")
}
