package orchestration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/agentrun/core"
	"github.com/agentforge/agentrun/events"
	"github.com/agentforge/agentrun/resilience"
	"github.com/agentforge/agentrun/routing"
)

// Deps carries the external collaborators. Store and Provider are
// required; the rest are optional.
type Deps struct {
	Store    core.RunStore
	Provider core.ProviderCaller
	Vault    core.CredentialVault
	Webhooks core.WebhookDispatcher
	Budget   core.BudgetTracker
}

// Orchestrator owns the task queue, worker pool, routing policy, decision
// tracer, approval gate, and event hub. All per-process mutable state
// (step counters, approval waiters, provider health) lives on this value;
// nothing is package-global.
type Orchestrator struct {
	config Config
	logger core.Logger

	queue  *taskQueue
	hub    *events.Hub
	policy *routing.Policy
	caller *resilience.FallbackCaller
	tracer *DecisionTracer
	gate   *ApprovalGate

	store    core.RunStore
	vault    core.CredentialVault
	webhooks core.WebhookDispatcher
	budget   core.BudgetTracker

	// Lifecycle management
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State tracking
	running     atomic.Bool
	activeCount atomic.Int32
	processed   atomic.Int64
	failedCount atomic.Int64

	// Per-run cancel funcs for in-flight tasks.
	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// New creates an orchestrator from config and dependencies.
func New(config *Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("provider caller is required")
	}

	cfg := DefaultConfig()
	if config != nil {
		cfg = *config
	}
	cfg.applyDefaults()

	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	policy := routing.NewPolicy(cfg.ProviderStates(), cfg.Routing, logger)
	caller := resilience.NewFallbackCaller(deps.Provider, policy, &resilience.RetryConfig{
		MaxAttempts:   cfg.MaxRetries,
		InitialDelay:  cfg.RetryBaseDelay,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}, logger)

	return &Orchestrator{
		config:   cfg,
		logger:   logger,
		queue:    newTaskQueue(),
		hub:      events.NewHub(logger),
		policy:   policy,
		caller:   caller,
		tracer:   NewDecisionTracer(deps.Store, cfg.ConfidenceThreshold, logger),
		gate:     NewApprovalGate(deps.Store, cfg.ApprovalTimeout, logger),
		store:    deps.Store,
		vault:    deps.Vault,
		webhooks: deps.Webhooks,
		budget:   deps.Budget,
		active:   make(map[string]context.CancelFunc),
	}, nil
}

// Start begins processing tasks. Blocks until the context is cancelled or
// Stop is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.running.Swap(true) {
		return core.ErrAlreadyStarted
	}

	workerCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.logger.Info("Starting orchestrator", map[string]interface{}{
		"operation":    "orchestrator_start",
		"worker_count": o.config.WorkerCount,
	})

	for i := 0; i < o.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		o.wg.Add(1)
		go o.runWorker(workerCtx, workerID)
	}

	o.wg.Wait()
	o.running.Store(false)

	o.logger.Info("Orchestrator stopped", map[string]interface{}{
		"operation": "orchestrator_stop",
	})
	return nil
}

// Stop gracefully stops the worker pool, waiting up to the shutdown
// timeout for in-progress tasks.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.running.Load() {
		return nil
	}
	if o.cancel != nil {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.hub.Close()
		return nil
	case <-time.After(o.config.ShutdownTimeout):
		return fmt.Errorf("shutdown timeout: some workers may still be running")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue accepts a task, creates its run record, and inserts it into the
// queue. Returns the run id, which is freshly generated when the task has
// none or when a run with that id already exists (enqueueing the same
// task twice produces two independent runs).
func (o *Orchestrator) Enqueue(ctx context.Context, task core.Task) (string, error) {
	if task.RunID == "" {
		task.RunID = uuid.NewString()
	} else if _, err := o.store.GetRun(ctx, task.RunID); err == nil {
		task.RunID = uuid.NewString()
	}

	run := &core.Run{
		ID:        task.RunID,
		ProjectID: task.ProjectID,
		OrgID:     task.OrgID,
		Goal:      task.Goal,
		Status:    core.RunStatusQueued,
		Provider:  task.Provider,
		Model:     task.Model,
		CreatedAt: time.Now(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return "", core.NewOrchestrationError("orchestrator.Enqueue", "storage", task.RunID, err)
	}

	o.queue.Enqueue(&task)
	emitTaskQueued(ctx, task.Priority)

	o.hub.Publish(events.Event{
		Type:    events.TaskQueued,
		RunID:   task.RunID,
		Payload: task,
	})

	o.logger.Info("Task enqueued", map[string]interface{}{
		"operation": "task_enqueue",
		"run_id":    task.RunID,
		"priority":  task.Priority,
		"iteration": task.Iteration,
		"provider":  string(task.Provider),
	})
	return task.RunID, nil
}

// Approve delivers an external approval decision for a run blocked at the
// gate. Returns false when no waiter exists; the first call that finds a
// waiter consumes it, so repeated calls are no-ops.
func (o *Orchestrator) Approve(runID string, approved bool, reason string) bool {
	ok := o.gate.Resolve(runID, approved, reason)
	if !ok {
		return false
	}

	if approved {
		emitApprovalOutcome(context.Background(), "granted")
		o.hub.Publish(events.Event{
			Type:    events.ApprovalGranted,
			RunID:   runID,
			Payload: events.ApprovalGrantedPayload{RunID: runID},
		})
	} else {
		emitApprovalOutcome(context.Background(), "rejected")
		o.hub.Publish(events.Event{
			Type:    events.ApprovalRejected,
			RunID:   runID,
			Payload: events.ApprovalRejectedPayload{RunID: runID, Reason: reason},
		})
	}
	return true
}

// Subscribe registers a handler for one event type.
func (o *Orchestrator) Subscribe(typ events.Type, handler events.Handler) *events.Subscription {
	return o.hub.Subscribe(typ, handler)
}

// Cancel aborts a run. A still-queued run is removed and failed
// immediately; an in-flight run has its context cancelled and any pending
// approval waiter resolved with "cancelled". Returns core.ErrRunNotFound
// when the run is neither queued nor active.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	if task := o.queue.Remove(runID); task != nil {
		o.failRun(ctx, task, time.Now(), fmt.Errorf("%w before dequeue", core.ErrRunCancelled))
		return nil
	}

	o.activeMu.Lock()
	cancel, ok := o.active[runID]
	o.activeMu.Unlock()
	if !ok {
		return core.ErrRunNotFound
	}

	// Wake an approval waiter first so the worker observes the
	// cancellation reason rather than a bare context error.
	o.gate.Resolve(runID, false, "cancelled")
	cancel()

	o.logger.Info("Run cancelled", map[string]interface{}{
		"operation": "run_cancel",
		"run_id":    runID,
	})
	return nil
}

// Heal re-enqueues a failed task for a self-heal retry: the iteration
// counter is incremented, task_healing is emitted, and a fresh run record
// is created. The decision to heal lives outside the core.
func (o *Orchestrator) Heal(ctx context.Context, task core.Task, cause error) (string, error) {
	failedRunID := task.RunID
	task.Iteration++
	task.RunID = "" // the failed run is terminal and keeps its record

	o.hub.Publish(events.Event{
		Type:  events.TaskHealing,
		RunID: failedRunID,
		Payload: events.TaskHealingPayload{
			RunID:     failedRunID,
			Iteration: task.Iteration,
			Error:     errString(cause),
		},
	})

	runID, err := o.Enqueue(ctx, task)
	if err != nil {
		return "", err
	}

	o.logger.Info("Task re-enqueued for self-heal", map[string]interface{}{
		"operation": "task_heal",
		"run_id":    runID,
		"iteration": task.Iteration,
		"cause":     errString(cause),
	})
	return runID, nil
}

// HealthMetrics is a point-in-time view of orchestrator state.
type HealthMetrics struct {
	QueueDepth       int                     `json:"queue_depth"`
	ActiveWorkers    int                     `json:"active_workers"`
	WorkerCount      int                     `json:"worker_count"`
	Processed        int64                   `json:"processed"`
	Failed           int64                   `json:"failed"`
	PendingApprovals int                     `json:"pending_approvals"`
	Providers        []routing.ProviderState `json:"providers"`
}

// GetHealthMetrics reports queue, worker, approval, and provider state.
func (o *Orchestrator) GetHealthMetrics() HealthMetrics {
	return HealthMetrics{
		QueueDepth:       o.queue.Depth(),
		ActiveWorkers:    int(o.activeCount.Load()),
		WorkerCount:      o.config.WorkerCount,
		Processed:        o.processed.Load(),
		Failed:           o.failedCount.Load(),
		PendingApprovals: o.gate.PendingCount(),
		Providers:        o.policy.Snapshot(),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
