package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison with errors.Is().
var (
	// Storage errors
	ErrRunNotFound = errors.New("run not found")
	ErrOrgNotFound = errors.New("org not found")

	// Routing errors
	ErrNoProvidersAvailable = errors.New("no providers available")

	// Retry errors
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Approval errors
	ErrApprovalPending  = errors.New("approval already pending for run")
	ErrApprovalTimeout  = errors.New("approval timeout")
	ErrApprovalRejected = errors.New("approval rejected")

	// Lifecycle errors
	ErrRunCancelled   = errors.New("run cancelled")
	ErrAlreadyStarted = errors.New("already started")
	ErrNotRunning     = errors.New("not running")
)

// OrchestrationError provides structured error context and supports
// wrapping for errors.Is/As.
type OrchestrationError struct {
	Op    string // operation that failed, e.g. "worker.processTask"
	Kind  string // error kind, e.g. "storage", "routing", "approval"
	RunID string // optional run involved
	Err   error
}

func (e *OrchestrationError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.RunID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// NewOrchestrationError creates a structured error for the given operation.
func NewOrchestrationError(op, kind, runID string, err error) *OrchestrationError {
	return &OrchestrationError{Op: op, Kind: kind, RunID: runID, Err: err}
}

// Provider error codes. Auth, quota, and unsupported-model failures are
// terminal for a provider: retrying the same provider cannot help.
const (
	ProviderErrAuth             = "authentication"
	ProviderErrQuota            = "quota_exhausted"
	ProviderErrUnsupportedModel = "unsupported_model"
	ProviderErrRateLimited      = "rate_limited"
	ProviderErrUnavailable      = "unavailable"
	ProviderErrInternal         = "internal"
)

// ProviderError is returned by the provider port. Retryable distinguishes
// transient failures (retry same provider) from terminal ones (advance to
// the next provider in the fallback chain).
type ProviderError struct {
	Provider  Provider
	Code      string
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Code, e.Message)
}

// NewTransientProviderError creates a retryable provider error.
func NewTransientProviderError(provider Provider, code, message string) *ProviderError {
	return &ProviderError{Provider: provider, Code: code, Message: message, Retryable: true}
}

// NewTerminalProviderError creates a non-retryable provider error.
func NewTerminalProviderError(provider Provider, code, message string) *ProviderError {
	return &ProviderError{Provider: provider, Code: code, Message: message, Retryable: false}
}

// IsRetryable reports whether the same provider may be retried after err.
// Unknown errors default to retryable so that transient network failures
// from port implementations that don't wrap ProviderError still retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// IsTerminal reports whether err rules out further attempts against the
// provider that produced it.
func IsTerminal(err error) bool {
	return err != nil && !IsRetryable(err)
}
