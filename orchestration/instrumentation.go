package orchestration

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/agentforge/agentrun/core"
)

// Instruments are created against the global meter provider; without an
// SDK registered they are no-ops, so embedding processes opt into
// metrics by installing their own provider.
var (
	meter = otel.Meter("github.com/agentforge/agentrun/orchestration")

	tasksQueued, _    = meter.Int64Counter("orchestrator.tasks.queued", metric.WithDescription("Tasks enqueued"))
	tasksCompleted, _ = meter.Int64Counter("orchestrator.tasks.completed", metric.WithDescription("Tasks completed successfully"))
	tasksFailed, _    = meter.Int64Counter("orchestrator.tasks.failed", metric.WithDescription("Tasks that ended in failure"))

	taskDuration, _ = meter.Float64Histogram("orchestrator.task.duration_ms",
		metric.WithDescription("Task processing time in milliseconds"), metric.WithUnit("ms"))
	queueWait, _ = meter.Float64Histogram("orchestrator.task.wait_ms",
		metric.WithDescription("Time spent waiting in queue"), metric.WithUnit("ms"))

	providerAttempts, _  = meter.Int64Counter("orchestrator.provider.attempts", metric.WithDescription("Provider call attempts"))
	providerFallbacks, _ = meter.Int64Counter("orchestrator.provider.fallbacks", metric.WithDescription("Fallbacks to a secondary provider"))

	approvalOutcomes, _ = meter.Int64Counter("orchestrator.approvals", metric.WithDescription("Approval gate outcomes"))

	workersActive, _ = meter.Int64UpDownCounter("orchestrator.workers.active", metric.WithDescription("Workers currently processing a task"))
)

func emitTaskQueued(ctx context.Context, priority int) {
	tasksQueued.Add(ctx, 1, metric.WithAttributes(attribute.Int("priority", priority)))
}

func emitQueueWait(ctx context.Context, wait time.Duration) {
	queueWait.Record(ctx, float64(wait.Milliseconds()))
}

func emitTaskCompleted(ctx context.Context, provider core.Provider, duration time.Duration) {
	tasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", string(provider))))
	taskDuration.Record(ctx, float64(duration.Milliseconds()),
		metric.WithAttributes(attribute.String("status", "completed")))
}

func emitTaskFailed(ctx context.Context, duration time.Duration) {
	tasksFailed.Add(ctx, 1)
	taskDuration.Record(ctx, float64(duration.Milliseconds()),
		metric.WithAttributes(attribute.String("status", "failed")))
}

func emitProviderAttempt(ctx context.Context, provider core.Provider, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	providerAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", string(provider)),
		attribute.String("status", status),
	))
}

func emitProviderFallback(ctx context.Context, from, to core.Provider) {
	providerFallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func emitApprovalOutcome(ctx context.Context, outcome string) {
	approvalOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func emitWorkerActive(ctx context.Context, delta int64) {
	workersActive.Add(ctx, delta)
}
