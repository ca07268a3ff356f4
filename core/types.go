// Package core defines the shared types and narrow port interfaces the
// orchestration core is built on. Concrete storage, provider, vault,
// webhook, and budget implementations live outside this package and are
// injected where needed.
package core

import "time"

// Provider identifies an external model provider.
type Provider string

// Known providers, in no particular order. Preference between them is
// expressed by routing priority, not by this list.
const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderGoogle     Provider = "google"
	ProviderGroq       Provider = "groq"
	ProviderPerplexity Provider = "perplexity"
	ProviderXAI        Provider = "xai"
)

// RunStatus is the lifecycle state of a persisted run.
type RunStatus string

const (
	RunStatusQueued           RunStatus = "queued"
	RunStatusRunning          RunStatus = "running"
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
	RunStatusCompleted        RunStatus = "completed"
	RunStatusFailed           RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Task is the in-memory unit of work handed to a worker. It is 1:1 with
// a Run at creation time.
type Task struct {
	RunID     string   `json:"run_id"`
	ProjectID string   `json:"project_id"`
	OrgID     string   `json:"org_id"`
	Goal      string   `json:"goal"`
	Mode      string   `json:"mode"`
	Priority  int      `json:"priority"`
	Iteration int      `json:"iteration"`
	Provider  Provider `json:"provider"`
	Model     string   `json:"model"`

	// EnqueuedAt is set by the queue on insertion and used for
	// queue-wait metrics.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Run is the persisted mirror of a Task and its result. It is mutated
// only by the worker that owns the Task and is never deleted by the core.
type Run struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	OrgID     string    `json:"org_id"`
	Goal      string    `json:"goal"`
	Status    RunStatus `json:"status"`

	// Provider is the requested provider; UsedProvider is the one that
	// actually answered, which may differ after fallback.
	Provider     Provider `json:"provider"`
	Model        string   `json:"model"`
	UsedProvider Provider `json:"used_provider,omitempty"`

	Attempts     int                    `json:"attempts"`
	CostEstimate string                 `json:"cost_estimate,omitempty"`
	Output       map[string]interface{} `json:"output,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// RunUpdate carries a partial mutation of a Run. Nil fields are left
// untouched by the store.
type RunUpdate struct {
	Status       *RunStatus             `json:"status,omitempty"`
	UsedProvider *Provider              `json:"used_provider,omitempty"`
	Attempts     *int                   `json:"attempts,omitempty"`
	CostEstimate *string                `json:"cost_estimate,omitempty"`
	Output       map[string]interface{} `json:"output,omitempty"`
}

// StepType classifies a decision trace step.
type StepType string

const (
	StepProviderSelection  StepType = "provider_selection"
	StepContextAnalysis    StepType = "context_analysis"
	StepRetry              StepType = "retry"
	StepFallback           StepType = "fallback"
	StepResponseGeneration StepType = "response_generation"
	StepErrorHandling      StepType = "error_handling"
	StepSecurityValidation StepType = "security_validation"
)

// ApprovalStatus is the human-approval state of a trace step.
type ApprovalStatus string

const (
	ApprovalNotRequired ApprovalStatus = "not_required"
	ApprovalPending     ApprovalStatus = "pending"
	ApprovalGranted     ApprovalStatus = "granted"
	ApprovalRejected    ApprovalStatus = "rejected"
)

// DecisionTrace is an immutable, ordered step record for a run.
// StepNumber is 1-based and gapless within a run.
type DecisionTrace struct {
	ID             string                 `json:"id"`
	RunID          string                 `json:"run_id"`
	StepNumber     int                    `json:"step_number"`
	StepType       StepType               `json:"step_type"`
	Decision       string                 `json:"decision"`
	Reasoning      string                 `json:"reasoning"`
	Confidence     float64                `json:"confidence"`
	Alternatives   []string               `json:"alternatives,omitempty"`
	ContextUsed    map[string]interface{} `json:"context_used,omitempty"`
	DurationMS     int64                  `json:"duration_ms"`
	ApprovalStatus ApprovalStatus         `json:"approval_status"`
	CreatedAt      time.Time              `json:"created_at"`
}

// TokenUsage reports token counts and the resulting cost for one call.
// CostEstimate is a decimal string to avoid float drift in accounting.
type TokenUsage struct {
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	CostEstimate string `json:"cost_estimate"`
}

// ProviderResponse is the cumulative result of a retry/fallback call.
// Attempts counts every attempt across all providers tried.
type ProviderResponse struct {
	Success      bool       `json:"success"`
	Content      string     `json:"content,omitempty"`
	UsedProvider Provider   `json:"used_provider,omitempty"`
	Attempts     int        `json:"attempts"`
	Usage        TokenUsage `json:"usage"`
	Error        string     `json:"error,omitempty"`
}

// Message is a conversation message persisted alongside a run.
type Message struct {
	ProjectID string    `json:"project_id"`
	RunID     string    `json:"run_id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// UsageRecord is a per-run analytics record written after a successful run.
type UsageRecord struct {
	OrgID        string    `json:"org_id"`
	ProjectID    string    `json:"project_id"`
	RunID        string    `json:"run_id"`
	Provider     Provider  `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostEstimate string    `json:"cost_estimate"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditEntry records a core action for compliance review.
type AuditEntry struct {
	OrgID     string                 `json:"org_id"`
	UserID    string                 `json:"user_id,omitempty"`
	Action    string                 `json:"action"`
	Target    string                 `json:"target"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Org is the minimal organization view the core needs: the owning user,
// whose credentials are used for provider calls.
type Org struct {
	ID          string `json:"id"`
	OwnerUserID string `json:"owner_user_id"`
}
