package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error into the closed taxonomy understood by the
// orchestrator, the billing service, and the API layer.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindAuthorizationDenied Kind = "authorization_denied"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindPerCallLimit        Kind = "per_call_limit"
	KindRunBudget           Kind = "run_budget"
	KindRateLimited         Kind = "rate_limited"
	KindTransientProvider   Kind = "transient_provider"
	KindSandboxUnhealthy    Kind = "sandbox_unhealthy"
	KindToolError           Kind = "tool_error"
	KindStoreConflict       Kind = "store_conflict"
	KindStoreFailure        Kind = "store_failure"
	KindInvalidTransition   Kind = "invalid_transition"
	KindPlanRejected        Kind = "plan_rejected"
	KindNotFound            Kind = "not_found"
	KindCancelled           Kind = "cancelled"
	KindDeadlineExceeded    Kind = "deadline_exceeded"
	KindUnknown             Kind = "unknown"
)

// Error carries a structured kind, a human message and, where relevant,
// a retry-after hint.
type Error struct {
	ErrKind    Kind
	Message    string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrKind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.ErrKind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a structured error
func New(kind Kind, msg string) *Error {
	return &Error{ErrKind: kind, Message: msg}
}

// Newf creates a structured error with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{ErrKind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{ErrKind: kind, Message: msg, cause: cause}
}

// WithRetryAfter returns a copy carrying a retry hint
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	clone := *e
	clone.RetryAfter = d
	return &clone
}

// KindOf extracts the kind from err, or KindUnknown if err carries none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.ErrKind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// RetryAfter extracts the retry hint from err, zero if absent
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// IsRetryable reports whether the failure is transient and the enclosing
// operation may be attempted again. Budget and validation failures are
// never retried.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientProvider, KindStoreFailure, KindRateLimited, KindSandboxUnhealthy:
		return true
	default:
		return false
	}
}
