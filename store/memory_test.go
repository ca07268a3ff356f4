package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentrun/core"
)

func TestMemoryRunLifecycle(t *testing.T) {
	s := NewMemoryRunStore()
	ctx := context.Background()

	err := s.CreateRun(ctx, &core.Run{
		ID:     "run-1",
		OrgID:  "org-1",
		Goal:   "summarize the report",
		Status: core.RunStatusQueued,
	})
	require.NoError(t, err)

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusQueued, run.Status)
	assert.False(t, run.CreatedAt.IsZero())

	status := core.RunStatusCompleted
	provider := core.ProviderAnthropic
	attempts := 4
	cost := "0.0125"
	err = s.UpdateRun(ctx, "run-1", core.RunUpdate{
		Status:       &status,
		UsedProvider: &provider,
		Attempts:     &attempts,
		CostEstimate: &cost,
		Output:       map[string]interface{}{"content": "done"},
	})
	require.NoError(t, err)

	run, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCompleted, run.Status)
	assert.Equal(t, core.ProviderAnthropic, run.UsedProvider)
	assert.Equal(t, 4, run.Attempts)
	assert.Equal(t, "0.0125", run.CostEstimate)
	assert.Equal(t, "done", run.Output["content"])
}

func TestMemoryPartialUpdateLeavesOtherFields(t *testing.T) {
	s := NewMemoryRunStore()
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &core.Run{ID: "run-1", Goal: "g", Status: core.RunStatusQueued}))

	status := core.RunStatusRunning
	require.NoError(t, s.UpdateRun(ctx, "run-1", core.RunUpdate{Status: &status}))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusRunning, run.Status)
	assert.Equal(t, "g", run.Goal)
	assert.Zero(t, run.Attempts)
}

func TestMemoryNotFound(t *testing.T) {
	s := NewMemoryRunStore()
	ctx := context.Background()

	_, err := s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrRunNotFound)

	status := core.RunStatusFailed
	err = s.UpdateRun(ctx, "missing", core.RunUpdate{Status: &status})
	assert.ErrorIs(t, err, core.ErrRunNotFound)

	_, err = s.GetOrg(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrOrgNotFound)
}

func TestMemoryGetRunReturnsCopy(t *testing.T) {
	s := NewMemoryRunStore()
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &core.Run{ID: "run-1", Status: core.RunStatusQueued}))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	run.Status = core.RunStatusFailed

	fresh, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusQueued, fresh.Status)
}

func TestMemoryDecisionTraces(t *testing.T) {
	s := NewMemoryRunStore()
	ctx := context.Background()

	id, err := s.CreateDecisionTrace(ctx, &core.DecisionTrace{
		RunID:      "run-1",
		StepNumber: 1,
		StepType:   core.StepProviderSelection,
		Decision:   "Selected provider openai",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = s.CreateDecisionTrace(ctx, &core.DecisionTrace{
		RunID:      "run-1",
		StepNumber: 2,
		StepType:   core.StepResponseGeneration,
	})
	require.NoError(t, err)

	traces := s.Traces("run-1")
	require.Len(t, traces, 2)
	assert.Equal(t, 1, traces[0].StepNumber)
	assert.Equal(t, 2, traces[1].StepNumber)
	assert.Empty(t, s.Traces("other-run"))
}

func TestMemoryMessagesAndRecords(t *testing.T) {
	s := NewMemoryRunStore()
	ctx := context.Background()

	require.NoError(t, s.CreateMessage(ctx, &core.Message{RunID: "run-1", Role: "user", Content: "goal"}))
	require.NoError(t, s.CreateMessage(ctx, &core.Message{RunID: "run-1", Role: "assistant", Content: "answer"}))

	messages := s.Messages("run-1")
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "assistant", messages[1].Role)

	require.NoError(t, s.CreateUsageRecord(ctx, &core.UsageRecord{RunID: "run-1", InputTokens: 10, OutputTokens: 5}))
	require.Len(t, s.UsageRecords(), 1)

	require.NoError(t, s.CreateAuditLog(ctx, &core.AuditEntry{OrgID: "org-1", Action: "agent_run.completed", Target: "run-1"}))
	entries := s.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "agent_run.completed", entries[0].Action)
}

func TestMemoryOrgs(t *testing.T) {
	s := NewMemoryRunStore()

	s.PutOrg(&core.Org{ID: "org-1", OwnerUserID: "user-1"})

	org, err := s.GetOrg(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", org.OwnerUserID)
}
