// Package store provides RunStore implementations: an in-memory store for
// tests and single-process deployments, and a Redis-backed store for
// deployments that share run state with other processes.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/agentrun/core"
)

// MemoryRunStore is a thread-safe in-memory RunStore.
type MemoryRunStore struct {
	mu       sync.RWMutex
	runs     map[string]*core.Run
	messages map[string][]*core.Message
	traces   map[string][]*core.DecisionTrace
	usage    []*core.UsageRecord
	audit    []*core.AuditEntry
	orgs     map[string]*core.Org
}

// NewMemoryRunStore creates an empty store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs:     make(map[string]*core.Run),
		messages: make(map[string][]*core.Message),
		traces:   make(map[string][]*core.DecisionTrace),
		orgs:     make(map[string]*core.Org),
	}
}

func (s *MemoryRunStore) GetRun(ctx context.Context, runID string) (*core.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, core.ErrRunNotFound
	}
	copied := *run
	return &copied, nil
}

func (s *MemoryRunStore) CreateRun(ctx context.Context, run *core.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *run
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	s.runs[run.ID] = &copied
	return nil
}

func (s *MemoryRunStore) UpdateRun(ctx context.Context, runID string, update core.RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return core.ErrRunNotFound
	}
	applyRunUpdate(run, update)
	return nil
}

func (s *MemoryRunStore) CreateMessage(ctx context.Context, msg *core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *msg
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	s.messages[msg.RunID] = append(s.messages[msg.RunID], &copied)
	return nil
}

func (s *MemoryRunStore) CreateDecisionTrace(ctx context.Context, trace *core.DecisionTrace) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *trace
	if copied.ID == "" {
		copied.ID = uuid.NewString()
	}
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	s.traces[trace.RunID] = append(s.traces[trace.RunID], &copied)
	return copied.ID, nil
}

func (s *MemoryRunStore) CreateUsageRecord(ctx context.Context, record *core.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *record
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	s.usage = append(s.usage, &copied)
	return nil
}

func (s *MemoryRunStore) CreateAuditLog(ctx context.Context, entry *core.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *entry
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	s.audit = append(s.audit, &copied)
	return nil
}

func (s *MemoryRunStore) GetOrg(ctx context.Context, orgID string) (*core.Org, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[orgID]
	if !ok {
		return nil, core.ErrOrgNotFound
	}
	copied := *org
	return &copied, nil
}

// PutOrg seeds an org record. Orgs are managed outside the core; this
// exists for wiring and tests.
func (s *MemoryRunStore) PutOrg(org *core.Org) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *org
	s.orgs[org.ID] = &copied
}

// Traces returns the persisted trace steps for a run, in creation order.
func (s *MemoryRunStore) Traces(runID string) []*core.DecisionTrace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.DecisionTrace, len(s.traces[runID]))
	copy(out, s.traces[runID])
	return out
}

// Messages returns the persisted messages for a run, in creation order.
func (s *MemoryRunStore) Messages(runID string) []*core.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Message, len(s.messages[runID]))
	copy(out, s.messages[runID])
	return out
}

// UsageRecords returns all usage records.
func (s *MemoryRunStore) UsageRecords() []*core.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.UsageRecord, len(s.usage))
	copy(out, s.usage)
	return out
}

// AuditEntries returns all audit log entries.
func (s *MemoryRunStore) AuditEntries() []*core.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

// applyRunUpdate applies non-nil fields of update to run. Shared by the
// memory and redis stores.
func applyRunUpdate(run *core.Run, update core.RunUpdate) {
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.UsedProvider != nil {
		run.UsedProvider = *update.UsedProvider
	}
	if update.Attempts != nil {
		run.Attempts = *update.Attempts
	}
	if update.CostEstimate != nil {
		run.CostEstimate = *update.CostEstimate
	}
	if update.Output != nil {
		run.Output = update.Output
	}
}
