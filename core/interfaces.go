package core

import "context"

// Logger is the minimal structured logging interface used throughout the
// core. Components hold it as an optional dependency and nil-check before
// use, or default to NoOpLogger.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
}

// RunStore is the storage port. Implementations may block; they are
// called from worker goroutines, never from the enqueue path's caller
// beyond run creation.
type RunStore interface {
	// GetRun returns the run or ErrRunNotFound.
	GetRun(ctx context.Context, runID string) (*Run, error)
	// CreateRun persists a new run record.
	CreateRun(ctx context.Context, run *Run) error
	// UpdateRun applies a partial update to an existing run.
	UpdateRun(ctx context.Context, runID string, update RunUpdate) error
	CreateMessage(ctx context.Context, msg *Message) error
	// CreateDecisionTrace persists a trace step and returns its id.
	CreateDecisionTrace(ctx context.Context, trace *DecisionTrace) (string, error)
	CreateUsageRecord(ctx context.Context, record *UsageRecord) error
	CreateAuditLog(ctx context.Context, entry *AuditEntry) error
	// GetOrg returns the org or ErrOrgNotFound.
	GetOrg(ctx context.Context, orgID string) (*Org, error)
}

// CallRequest is a single attempt against one provider.
type CallRequest struct {
	Provider Provider
	Prompt   string
	Model    string
	// Credential may be empty; providers that accept ambient credentials
	// (environment, instance roles) treat empty as "use default".
	Credential string
}

// CallResult is the outcome of one successful provider attempt.
type CallResult struct {
	Content      string
	InputTokens  int
	OutputTokens int
	// CostEstimate is a decimal string; empty means "unknown, derive
	// from token counts and rates".
	CostEstimate string
}

// ProviderCaller is the provider port. Errors must distinguish transient
// from terminal failures: return a *ProviderError with Retryable set
// accordingly. Any other error is treated as transient.
type ProviderCaller interface {
	Call(ctx context.Context, req CallRequest) (*CallResult, error)
}

// CredentialVault resolves per-user provider credentials. A missing
// credential is not an error: implementations return ("", nil).
type CredentialVault interface {
	Get(ctx context.Context, userID string, service string) (string, error)
}

// WebhookDispatcher is the webhook port. Dispatch is best-effort: the
// core invokes it without awaiting delivery and swallows errors.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, orgID string, eventType string, payload map[string]interface{}) error
}

// BudgetTracker is the budget port. Amounts are decimal strings.
type BudgetTracker interface {
	TrackCost(ctx context.Context, orgID string, amount string) error
}

// NoOpLogger discards all log output.
type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
