package orchestration

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentforge/agentrun/core"
	"github.com/agentforge/agentrun/events"
	"github.com/agentforge/agentrun/resilience"
	"github.com/agentforge/agentrun/routing"
)

// runWorker is the main loop for each worker goroutine.
func (o *Orchestrator) runWorker(ctx context.Context, workerID string) {
	defer o.wg.Done()

	o.logger.Info("Worker started", map[string]interface{}{
		"operation": "worker_lifecycle",
		"worker_id": workerID,
	})
	defer o.logger.Info("Worker stopped", map[string]interface{}{
		"operation": "worker_lifecycle",
		"worker_id": workerID,
	})

	for {
		task, err := o.queue.Dequeue(ctx)
		if err != nil {
			return // context cancelled
		}
		o.processTask(ctx, workerID, task)
	}
}

// processTask runs one task through its full lifecycle. Every failure is
// converted into a failed run plus a task_error event; nothing escapes
// the worker boundary.
func (o *Orchestrator) processTask(parentCtx context.Context, workerID string, task *core.Task) {
	start := time.Now()

	runCtx, cancelRun := context.WithCancel(parentCtx)
	defer cancelRun()

	o.activeMu.Lock()
	o.active[task.RunID] = cancelRun
	o.activeMu.Unlock()
	defer func() {
		o.activeMu.Lock()
		delete(o.active, task.RunID)
		o.activeMu.Unlock()
	}()

	o.activeCount.Add(1)
	emitWorkerActive(parentCtx, 1)
	defer func() {
		o.activeCount.Add(-1)
		emitWorkerActive(parentCtx, -1)
	}()

	defer o.tracer.Reset(task.RunID)

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Worker panicked", map[string]interface{}{
				"operation": "task_process",
				"worker_id": workerID,
				"run_id":    task.RunID,
				"panic":     r,
				"stack":     string(debug.Stack()),
			})
			o.failRun(parentCtx, task, start, fmt.Errorf("worker panic: %v", r))
		}
	}()

	if !task.EnqueuedAt.IsZero() {
		emitQueueWait(runCtx, start.Sub(task.EnqueuedAt))
	}

	// 1. Intake: the run record must exist.
	run, err := o.store.GetRun(runCtx, task.RunID)
	if err != nil {
		o.failRun(parentCtx, task, start, fmt.Errorf("intake failed: %w", err))
		return
	}
	if task.Goal == "" {
		task.Goal = run.Goal
	}

	o.hub.Publish(events.Event{
		Type:    events.TaskStarted,
		RunID:   task.RunID,
		Payload: events.TaskStartedPayload{RunID: task.RunID, Iteration: task.Iteration},
	})
	o.logger.Info("Task started", map[string]interface{}{
		"operation": "task_process",
		"worker_id": workerID,
		"run_id":    task.RunID,
		"iteration": task.Iteration,
	})

	req := routing.Request{
		PromptLength:    len(task.Goal),
		MaxOutputTokens: o.config.MaxOutputTokens,
	}

	// 2. Primary selection. The task's provider hint wins; otherwise the
	// routing policy picks.
	primary := task.Provider
	if primary == "" {
		primary, err = o.policy.Pick(req)
		if err != nil {
			o.tracer.Trace(runCtx, task.RunID, core.StepErrorHandling,
				"No providers available",
				fmt.Sprintf("Routing policy returned no eligible provider: %v", err),
				&TraceOptions{Confidence: 1.0})
			o.failRun(parentCtx, task, start, err)
			return
		}
	}

	res := o.tracer.Trace(runCtx, task.RunID, core.StepProviderSelection,
		fmt.Sprintf("Selected provider %s", primary),
		fmt.Sprintf("Provider %s is the highest-preference provider meeting the request requirements", primary),
		&TraceOptions{
			Confidence:   0.95,
			Alternatives: providersExcept(o.policy.Enabled(), primary),
			ContextUsed: map[string]interface{}{
				"goal_length": len(task.Goal),
				"mode":        task.Mode,
				"model":       task.Model,
			},
			StartTime: start,
		})
	if err := o.maybeAwaitApproval(runCtx, task, res, "provider selection"); err != nil {
		o.failRun(parentCtx, task, start, err)
		return
	}

	// Security validation: full confidence for a healthy provider; a
	// provider offered only because its cooldown elapsed needs a human.
	if o.policy.InCooldownRecovery(primary) {
		res = o.tracer.Trace(runCtx, task.RunID, core.StepSecurityValidation,
			fmt.Sprintf("Provider %s offered in cooldown recovery", primary),
			"Provider is unhealthy but past its cooldown window; requesting confirmation before use",
			&TraceOptions{Confidence: 0.6})
	} else {
		res = o.tracer.Trace(runCtx, task.RunID, core.StepSecurityValidation,
			fmt.Sprintf("Provider %s verified healthy", primary),
			"Provider health state passed validation",
			&TraceOptions{Confidence: 1.0})
	}
	if err := o.maybeAwaitApproval(runCtx, task, res, "security validation"); err != nil {
		o.failRun(parentCtx, task, start, err)
		return
	}

	// 3. Mark running and persist the goal as the opening user message.
	o.updateRunStatus(runCtx, task.RunID, core.RunStatusRunning)
	if err := o.store.CreateMessage(runCtx, &core.Message{
		ProjectID: task.ProjectID,
		RunID:     task.RunID,
		Role:      "user",
		Content:   task.Goal,
	}); err != nil {
		o.logger.Error("Failed to persist user message", map[string]interface{}{
			"operation": "task_process",
			"run_id":    task.RunID,
			"error":     err.Error(),
		})
	}

	// 4. Context analysis.
	res = o.tracer.Trace(runCtx, task.RunID, core.StepContextAnalysis,
		"Analyzed run context",
		fmt.Sprintf("Estimated %d input tokens for mode %q", routing.EstimateTokens(len(task.Goal)), task.Mode),
		&TraceOptions{
			Confidence: 0.9,
			ContextUsed: map[string]interface{}{
				"estimated_tokens": routing.EstimateTokens(len(task.Goal)),
				"iteration":        task.Iteration,
			},
		})
	if err := o.maybeAwaitApproval(runCtx, task, res, "context analysis"); err != nil {
		o.failRun(parentCtx, task, start, err)
		return
	}

	// 5. Credential fetch. Missing credentials are not fatal.
	credential := o.resolveCredential(runCtx, task, primary)

	// 6. Provider call with retry and fallback. The chain is fixed here;
	// policy changes mid-call do not reorder it.
	chain := o.policy.FallbackChain(primary, req)
	callStart := time.Now()
	resp := o.caller.Call(runCtx, resilience.Request{
		Primary:    primary,
		Chain:      chain,
		Prompt:     task.Goal,
		Model:      task.Model,
		Credential: credential,
	}, func(ctx context.Context, info resilience.AttemptInfo) {
		o.onAttempt(ctx, task, info)
	})

	// 7. Terminal classification.
	if !resp.Success {
		o.tracer.Trace(runCtx, task.RunID, core.StepErrorHandling,
			"Run failed; recording error",
			fmt.Sprintf("Provider chain exhausted after %d attempt(s): %s", resp.Attempts, resp.Error),
			&TraceOptions{Confidence: 1.0, StartTime: callStart})
		o.failRunWithAttempts(parentCtx, task, start, resp.Attempts, fmt.Errorf("%s", resp.Error))
		return
	}
	emitProviderAttempt(runCtx, resp.UsedProvider, true)

	// 8. Success path.
	if err := o.store.CreateMessage(runCtx, &core.Message{
		ProjectID: task.ProjectID,
		RunID:     task.RunID,
		Role:      "assistant",
		Content:   resp.Content,
	}); err != nil {
		o.logger.Error("Failed to persist assistant message", map[string]interface{}{
			"operation": "task_process",
			"run_id":    task.RunID,
			"error":     err.Error(),
		})
	}

	cost := o.resolveCost(resp)
	status := core.RunStatusCompleted
	costStr := cost.String()
	if err := o.store.UpdateRun(parentCtx, task.RunID, core.RunUpdate{
		Status:       &status,
		UsedProvider: &resp.UsedProvider,
		Attempts:     &resp.Attempts,
		CostEstimate: &costStr,
		Output:       map[string]interface{}{"content": resp.Content},
	}); err != nil {
		o.logger.Error("Failed to mark run completed", map[string]interface{}{
			"operation": "task_process",
			"run_id":    task.RunID,
			"error":     err.Error(),
		})
		o.auditBestEffort(parentCtx, task, "agent_run.update_failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	o.hub.Publish(events.Event{
		Type:  events.TaskCompleted,
		RunID: task.RunID,
		Payload: events.TaskCompletedPayload{
			RunID:        task.RunID,
			UsedProvider: resp.UsedProvider,
			Attempts:     resp.Attempts,
			CostEstimate: costStr,
			Output:       resp.Content,
		},
	})
	o.dispatchWebhook(task, map[string]interface{}{
		"run_id":        task.RunID,
		"status":        string(core.RunStatusCompleted),
		"used_provider": string(resp.UsedProvider),
		"attempts":      resp.Attempts,
		"cost_estimate": costStr,
	})

	o.tracer.Trace(runCtx, task.RunID, core.StepResponseGeneration,
		fmt.Sprintf("Response generated by %s", resp.UsedProvider),
		fmt.Sprintf("Completed in %d attempt(s) with %d output tokens", resp.Attempts, resp.Usage.OutputTokens),
		&TraceOptions{Confidence: 0.95, StartTime: callStart})

	// 9. Accounting.
	if cost.IsPositive() && o.budget != nil {
		if err := o.budget.TrackCost(runCtx, task.OrgID, costStr); err != nil {
			o.logger.Warn("Failed to track cost", map[string]interface{}{
				"operation": "task_accounting",
				"run_id":    task.RunID,
				"org_id":    task.OrgID,
				"error":     err.Error(),
			})
		}
	}
	if err := o.store.CreateUsageRecord(runCtx, &core.UsageRecord{
		OrgID:        task.OrgID,
		ProjectID:    task.ProjectID,
		RunID:        task.RunID,
		Provider:     resp.UsedProvider,
		Model:        task.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostEstimate: costStr,
	}); err != nil {
		o.logger.Warn("Failed to write usage record", map[string]interface{}{
			"operation": "task_accounting",
			"run_id":    task.RunID,
			"error":     err.Error(),
		})
	}
	o.auditBestEffort(runCtx, task, "agent_run.completed", map[string]interface{}{
		"provider":      string(task.Provider),
		"used_provider": string(resp.UsedProvider),
		"attempts":      resp.Attempts,
		"cost_estimate": costStr,
	})

	duration := time.Since(start)
	emitTaskCompleted(runCtx, resp.UsedProvider, duration)
	o.processed.Add(1)

	o.logger.Info("Task completed", map[string]interface{}{
		"operation":     "task_process",
		"worker_id":     workerID,
		"run_id":        task.RunID,
		"used_provider": string(resp.UsedProvider),
		"attempts":      resp.Attempts,
		"cost_estimate": costStr,
		"duration_ms":   duration.Milliseconds(),
	})
}

// onAttempt runs between provider attempts: it emits a warning log event
// and traces the retry or fallback decision.
func (o *Orchestrator) onAttempt(ctx context.Context, task *core.Task, info resilience.AttemptInfo) {
	emitProviderAttempt(ctx, info.Provider, false)

	if info.NextProvider != "" {
		emitProviderFallback(ctx, info.Provider, info.NextProvider)
		o.hub.Publish(events.Event{
			Type:  events.Log,
			RunID: task.RunID,
			Payload: events.LogPayload{
				RunID:   task.RunID,
				Level:   events.LevelWarning,
				Message: fmt.Sprintf("Provider %s failed (%v), falling back to %s", info.Provider, info.Err, info.NextProvider),
			},
		})
		o.tracer.Trace(ctx, task.RunID, core.StepFallback,
			fmt.Sprintf("Fall back to %s", info.NextProvider),
			fmt.Sprintf("Provider %s failed after %d attempt(s): %v", info.Provider, info.Attempt, info.Err),
			&TraceOptions{
				Confidence:   0.85,
				Alternatives: providersExcept(o.policy.Enabled(), info.Provider),
				ContextUsed: map[string]interface{}{
					"failed_provider": string(info.Provider),
					"total_attempts":  info.TotalAttempt,
				},
			})
		return
	}

	o.hub.Publish(events.Event{
		Type:  events.Log,
		RunID: task.RunID,
		Payload: events.LogPayload{
			RunID:   task.RunID,
			Level:   events.LevelWarning,
			Message: fmt.Sprintf("Attempt %d on %s failed: %v; retrying", info.Attempt, info.Provider, info.Err),
		},
	})
	o.tracer.Trace(ctx, task.RunID, core.StepRetry,
		fmt.Sprintf("Retry %s after attempt %d", info.Provider, info.Attempt),
		fmt.Sprintf("Transient failure: %v", info.Err),
		&TraceOptions{Confidence: 0.8})
}

// maybeAwaitApproval blocks at the approval gate when the trace step
// demanded it, and restores the run to running on approval.
func (o *Orchestrator) maybeAwaitApproval(ctx context.Context, task *core.Task, res TraceResult, stepName string) error {
	if !res.RequiresApproval {
		return nil
	}

	o.hub.Publish(events.Event{
		Type:  events.Log,
		RunID: task.RunID,
		Payload: events.LogPayload{
			RunID:   task.RunID,
			Level:   events.LevelWarning,
			Message: fmt.Sprintf("Approval required for %s", stepName),
		},
	})

	if err := o.gate.Wait(ctx, task.RunID, res.TraceID, stepName); err != nil {
		if errors.Is(err, core.ErrApprovalTimeout) {
			emitApprovalOutcome(ctx, "timeout")
		}
		return err
	}

	o.updateRunStatus(ctx, task.RunID, core.RunStatusRunning)
	return nil
}

// resolveCredential looks up the org's owner and fetches their credential
// for the provider. Every failure degrades to an empty credential.
func (o *Orchestrator) resolveCredential(ctx context.Context, task *core.Task, provider core.Provider) string {
	if o.vault == nil {
		return ""
	}
	org, err := o.store.GetOrg(ctx, task.OrgID)
	if err != nil {
		o.logger.Debug("Org lookup failed; proceeding without credential", map[string]interface{}{
			"operation": "credential_fetch",
			"run_id":    task.RunID,
			"org_id":    task.OrgID,
			"error":     err.Error(),
		})
		return ""
	}
	secret, err := o.vault.Get(ctx, org.OwnerUserID, string(provider))
	if err != nil {
		o.logger.Warn("Credential fetch failed; proceeding without credential", map[string]interface{}{
			"operation": "credential_fetch",
			"run_id":    task.RunID,
			"provider":  string(provider),
			"error":     err.Error(),
		})
		return ""
	}
	return secret
}

// resolveCost prefers the provider-reported cost and falls back to the
// routing policy's rate table.
func (o *Orchestrator) resolveCost(resp *core.ProviderResponse) decimal.Decimal {
	if resp.Usage.CostEstimate != "" {
		if cost, err := decimal.NewFromString(resp.Usage.CostEstimate); err == nil {
			return cost
		}
	}
	cost, err := o.policy.CostOfUsage(resp.UsedProvider, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	if err != nil {
		return decimal.Zero
	}
	return cost
}

// dispatchWebhook fires the webhook port without awaiting delivery.
func (o *Orchestrator) dispatchWebhook(task *core.Task, payload map[string]interface{}) {
	if o.webhooks == nil {
		return
	}
	orgID := task.OrgID
	runID := task.RunID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.webhooks.Dispatch(ctx, orgID, "agent_run.completed", payload); err != nil {
			o.logger.Warn("Webhook dispatch failed", map[string]interface{}{
				"operation": "webhook_dispatch",
				"run_id":    runID,
				"error":     err.Error(),
			})
		}
	}()
}

// failRun records a terminal failure: run marked failed with the error in
// its output, task_error emitted, audit written.
func (o *Orchestrator) failRun(ctx context.Context, task *core.Task, start time.Time, cause error) {
	o.failRunWithAttempts(ctx, task, start, 0, cause)
}

func (o *Orchestrator) failRunWithAttempts(ctx context.Context, task *core.Task, start time.Time, attempts int, cause error) {
	status := core.RunStatusFailed
	update := core.RunUpdate{
		Status: &status,
		Output: map[string]interface{}{"error": cause.Error()},
	}
	if attempts > 0 {
		update.Attempts = &attempts
	}
	if err := o.store.UpdateRun(ctx, task.RunID, update); err != nil {
		// The run cannot be marked failed; release the slot anyway and
		// leave an audit trail.
		o.logger.Error("Failed to mark run failed", map[string]interface{}{
			"operation": "task_fail",
			"run_id":    task.RunID,
			"cause":     cause.Error(),
			"error":     err.Error(),
		})
		o.auditBestEffort(ctx, task, "agent_run.update_failed", map[string]interface{}{
			"cause": cause.Error(),
			"error": err.Error(),
		})
	}

	o.hub.Publish(events.Event{
		Type:    events.TaskError,
		RunID:   task.RunID,
		Payload: events.TaskErrorPayload{RunID: task.RunID, Error: cause.Error()},
	})
	o.auditBestEffort(ctx, task, "agent_run.failed", map[string]interface{}{
		"error":    cause.Error(),
		"attempts": attempts,
	})

	emitTaskFailed(ctx, time.Since(start))
	o.failedCount.Add(1)

	o.logger.Error("Task failed", map[string]interface{}{
		"operation":   "task_process",
		"run_id":      task.RunID,
		"attempts":    attempts,
		"error":       cause.Error(),
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func (o *Orchestrator) updateRunStatus(ctx context.Context, runID string, status core.RunStatus) {
	if err := o.store.UpdateRun(ctx, runID, core.RunUpdate{Status: &status}); err != nil {
		o.logger.Error("Failed to update run status", map[string]interface{}{
			"operation": "run_status_update",
			"run_id":    runID,
			"status":    string(status),
			"error":     err.Error(),
		})
	}
}

func (o *Orchestrator) auditBestEffort(ctx context.Context, task *core.Task, action string, detail map[string]interface{}) {
	if err := o.store.CreateAuditLog(ctx, &core.AuditEntry{
		OrgID:  task.OrgID,
		Action: action,
		Target: task.RunID,
		Detail: detail,
	}); err != nil {
		o.logger.Warn("Failed to write audit log", map[string]interface{}{
			"operation": "audit_log",
			"run_id":    task.RunID,
			"action":    action,
			"error":     err.Error(),
		})
	}
}

func providersExcept(all []core.Provider, except core.Provider) []string {
	out := make([]string, 0, len(all))
	for _, p := range all {
		if p != except {
			out = append(out, string(p))
		}
	}
	return out
}
