package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/agentforge/agentrun/core"
	"github.com/agentforge/agentrun/resilience"
)

// RedisRunStoreConfig configures the Redis-backed store.
type RedisRunStoreConfig struct {
	// KeyPrefix namespaces all keys. Default: "agentrun".
	KeyPrefix string `json:"key_prefix"`

	// RetryAttempts is the number of retries for failed Redis operations.
	// Default: 3.
	RetryAttempts int `json:"retry_attempts"`

	// RetryDelay is the initial delay between retry attempts.
	// Default: 100ms.
	RetryDelay time.Duration `json:"retry_delay"`

	// Logger is an optional logger for store operations.
	Logger core.Logger `json:"-"`
}

// DefaultRedisRunStoreConfig returns default configuration.
func DefaultRedisRunStoreConfig() RedisRunStoreConfig {
	return RedisRunStoreConfig{
		KeyPrefix:     "agentrun",
		RetryAttempts: 3,
		RetryDelay:    100 * time.Millisecond,
	}
}

// RedisRunStore implements core.RunStore on Redis. Runs and orgs are
// stored as JSON strings; messages, traces, usage, and audit entries are
// appended to lists. Runs are owned by a single worker at a time, so
// read-modify-write updates need no optimistic locking.
type RedisRunStore struct {
	client *redis.Client
	config RedisRunStoreConfig
	retry  *resilience.RetryConfig
	logger core.Logger
}

// NewRedisRunStore creates a store over an already-connected client.
func NewRedisRunStore(client *redis.Client, config *RedisRunStoreConfig) *RedisRunStore {
	if config == nil {
		defaultConfig := DefaultRedisRunStoreConfig()
		config = &defaultConfig
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "agentrun"
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 100 * time.Millisecond
	}

	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	return &RedisRunStore{
		client: client,
		config: *config,
		retry: &resilience.RetryConfig{
			MaxAttempts:   config.RetryAttempts,
			InitialDelay:  config.RetryDelay,
			MaxDelay:      5 * time.Second,
			BackoffFactor: 2.0,
			JitterEnabled: true,
		},
		logger: logger,
	}
}

func (s *RedisRunStore) runKey(runID string) string {
	return fmt.Sprintf("%s:runs:%s", s.config.KeyPrefix, runID)
}

func (s *RedisRunStore) listKey(kind, id string) string {
	if id == "" {
		return fmt.Sprintf("%s:%s", s.config.KeyPrefix, kind)
	}
	return fmt.Sprintf("%s:%s:%s", s.config.KeyPrefix, kind, id)
}

func (s *RedisRunStore) orgKey(orgID string) string {
	return fmt.Sprintf("%s:orgs:%s", s.config.KeyPrefix, orgID)
}

func (s *RedisRunStore) GetRun(ctx context.Context, runID string) (*core.Run, error) {
	data, err := s.client.Get(ctx, s.runKey(runID)).Result()
	if err == redis.Nil {
		return nil, core.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var run core.Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", runID, err)
	}
	return &run, nil
}

func (s *RedisRunStore) CreateRun(ctx context.Context, run *core.Run) error {
	copied := *run
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	data, err := json.Marshal(&copied)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", run.ID, err)
	}
	return resilience.Retry(ctx, s.retry, func() error {
		return s.client.Set(ctx, s.runKey(run.ID), data, 0).Err()
	})
}

func (s *RedisRunStore) UpdateRun(ctx context.Context, runID string, update core.RunUpdate) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	applyRunUpdate(run, update)

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", runID, err)
	}
	return resilience.Retry(ctx, s.retry, func() error {
		return s.client.Set(ctx, s.runKey(runID), data, 0).Err()
	})
}

func (s *RedisRunStore) CreateMessage(ctx context.Context, msg *core.Message) error {
	copied := *msg
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	return s.push(ctx, s.listKey("messages", msg.RunID), &copied)
}

func (s *RedisRunStore) CreateDecisionTrace(ctx context.Context, trace *core.DecisionTrace) (string, error) {
	copied := *trace
	if copied.ID == "" {
		copied.ID = uuid.NewString()
	}
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	if err := s.push(ctx, s.listKey("traces", trace.RunID), &copied); err != nil {
		return "", err
	}
	return copied.ID, nil
}

func (s *RedisRunStore) CreateUsageRecord(ctx context.Context, record *core.UsageRecord) error {
	copied := *record
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	return s.push(ctx, s.listKey("usage", ""), &copied)
}

func (s *RedisRunStore) CreateAuditLog(ctx context.Context, entry *core.AuditEntry) error {
	copied := *entry
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	return s.push(ctx, s.listKey("audit", ""), &copied)
}

func (s *RedisRunStore) GetOrg(ctx context.Context, orgID string) (*core.Org, error) {
	data, err := s.client.Get(ctx, s.orgKey(orgID)).Result()
	if err == redis.Nil {
		return nil, core.ErrOrgNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get org: %w", err)
	}

	var org core.Org
	if err := json.Unmarshal([]byte(data), &org); err != nil {
		return nil, fmt.Errorf("failed to unmarshal org %s: %w", orgID, err)
	}
	return &org, nil
}

// PutOrg seeds an org record, mirroring MemoryRunStore.PutOrg.
func (s *RedisRunStore) PutOrg(ctx context.Context, org *core.Org) error {
	data, err := json.Marshal(org)
	if err != nil {
		return fmt.Errorf("failed to marshal org %s: %w", org.ID, err)
	}
	return s.client.Set(ctx, s.orgKey(org.ID), data, 0).Err()
}

// push marshals v and appends it to the list at key with retries.
func (s *RedisRunStore) push(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal for %s: %w", key, err)
	}
	err = resilience.Retry(ctx, s.retry, func() error {
		return s.client.RPush(ctx, key, data).Err()
	})
	if err != nil {
		s.logger.Error("Redis append failed", map[string]interface{}{
			"operation": "store_append",
			"key":       key,
			"error":     err.Error(),
		})
	}
	return err
}
