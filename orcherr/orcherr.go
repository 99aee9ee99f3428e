// Package orcherr defines the structured error taxonomy shared across the
// orchestration core. It mirrors the shape of a tool-error chain: a stable
// Kind, a human-readable message, and an optional cause so errors.Is/errors.As
// keep working across retries and component boundaries.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind classifies a core error into one of the taxonomy buckets. Kind is not
// itself an error; it is attached to an *Error for discrimination by callers
// (e.g. the transport layer mapping rejection kinds to wire codes).
type Kind string

const (
	// KindValidation covers admission-gate rejections: Empty, TooLong, NoContent, Forbidden.
	KindValidation Kind = "validation"
	// KindAdmission covers backpressure rejections.
	KindAdmission Kind = "admission"
	// KindPlanning covers planner timeout/refusal/malformed-response failures.
	KindPlanning Kind = "planning"
	// KindExecution covers executor/verification failures during subtask attempts.
	KindExecution Kind = "execution"
	// KindCancellation marks a cancellation outcome. Not a true failure: a terminal state.
	KindCancellation Kind = "cancellation"
	// KindInfrastructure covers history/cache I/O failures.
	KindInfrastructure Kind = "infrastructure"
)

// Reason enumerates the specific, caller-visible or internally-retried reasons
// within each Kind.
type Reason string

const (
	ReasonEmpty     Reason = "empty"
	ReasonTooLong   Reason = "too_long"
	ReasonNoContent Reason = "no_content"
	ReasonForbidden Reason = "forbidden"

	ReasonBackpressureFull Reason = "backpressure_full"

	ReasonPlanningTimeout   Reason = "planning_timeout"
	ReasonPlanningRefused   Reason = "planning_refused"
	ReasonPlanningMalformed Reason = "planning_malformed"
	ReasonPlanningFailed    Reason = "planning_failed"

	ReasonExecutorTransient  Reason = "executor_transient"
	ReasonExecutorFatal      Reason = "executor_fatal"
	ReasonVerificationFailed Reason = "verification_failed"

	ReasonCancelled Reason = "cancelled"

	ReasonHistoryIO Reason = "history_io"
	ReasonCacheIO   Reason = "cache_io"
)

// Error is the structured error type used throughout the core. It preserves a
// stable (Kind, Reason) pair, a human-readable message, and an optional cause
// so error chains survive retries and component boundaries.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	Cause   *Error
}

// New constructs an Error with the given kind, reason, and message.
func New(kind Kind, reason Reason, message string) *Error {
	if message == "" {
		message = string(reason)
	}
	return &Error{Kind: kind, Reason: reason, Message: message}
}

// Wrap constructs an Error that wraps an underlying error, converting it into
// an Error chain so metadata survives while still supporting errors.Is/As via
// Unwrap.
func Wrap(kind Kind, reason Reason, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Reason: reason, Message: message, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into an Error chain, preserving an
// existing *Error unchanged.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInfrastructure, Reason: "", Message: err.Error(), Cause: FromError(errors.Unwrap(err))}
}

// Errorf formats a message and returns it as an Error of the given kind/reason.
func Errorf(kind Kind, reason Reason, format string, args ...any) *Error {
	return New(kind, reason, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying cause, supporting errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target matches this error by (Kind, Reason). This lets
// callers write errors.Is(err, orcherr.New(orcherr.KindValidation, orcherr.ReasonEmpty, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	if t.Reason != "" && t.Reason != e.Reason {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the error's reason is swallowed within a retry
// budget rather than surfaced immediately.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Reason {
	case ReasonExecutorTransient, ReasonVerificationFailed,
		ReasonPlanningTimeout, ReasonPlanningRefused, ReasonPlanningMalformed:
		return true
	default:
		return false
	}
}
