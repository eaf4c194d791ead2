// Package apperr defines the error taxonomy shared across Leon's services.
// Errors are classified by Kind so transport layers can map them to status
// codes and callers can decide whether an operation is retryable without
// matching on message text.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind int

const (
	// KindUnknown is the zero value for unclassified errors.
	KindUnknown Kind = iota

	// KindValidation marks malformed input at a boundary. Not retryable.
	KindValidation

	// KindNotFound marks a missing thread, run, or resource. Never fatal.
	KindNotFound

	// KindConflict marks a state conflict such as a run already active or
	// a lease held elsewhere. Callers may retry after a delay.
	KindConflict

	// KindTransientUpstream marks a retryable upstream failure: model-call
	// timeout, provider 5xx, rate limit.
	KindTransientUpstream

	// KindCorruption marks persisted state that failed validation and
	// needs rebuilding.
	KindCorruption

	// KindFatal marks unrecoverable failures such as an event-log append
	// error. The owning run is aborted.
	KindFatal
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransientUpstream:
		return "transient_upstream"
	case KindCorruption:
		return "corruption"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "supervisor.start_run"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches errors of the same kind, so sentinel values like
// ErrAlreadyRunning compare with errors.Is against wrapped instances.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Msg == "" || t.Msg == e.Msg
}

// New creates a classified error.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies an existing error, preserving it as the cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validationf creates a validation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf creates a not-found error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf creates a conflict error.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// Transientf creates a transient-upstream error.
func Transientf(format string, args ...any) *Error {
	return &Error{Kind: KindTransientUpstream, Msg: fmt.Sprintf(format, args...)}
}

// Corruptionf creates a corruption error.
func Corruptionf(format string, args ...any) *Error {
	return &Error{Kind: KindCorruption, Msg: fmt.Sprintf(format, args...)}
}

// Fatalf creates a fatal error.
func Fatalf(format string, args ...any) *Error {
	return &Error{Kind: KindFatal, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from an error chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether the error kind permits a local retry.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindTransientUpstream:
		return true
	default:
		return false
	}
}

// Well-known conflicts surfaced by the supervisor and resolver.
var (
	// ErrAlreadyRunning is returned by start_run when the thread already
	// has an active run.
	ErrAlreadyRunning = &Error{Kind: KindConflict, Msg: "a run is already active for this thread"}

	// ErrLeaseBusy is returned when a lease operation races another holder.
	ErrLeaseBusy = &Error{Kind: KindConflict, Msg: "lease is busy"}

	// ErrNoActiveRun is returned by cancel_run when nothing is running.
	ErrNoActiveRun = &Error{Kind: KindNotFound, Msg: "no active run for this thread"}

	// ErrSandboxUnavailable is returned when a lease fails to converge to
	// active within the deadline.
	ErrSandboxUnavailable = &Error{Kind: KindTransientUpstream, Msg: "sandbox unavailable: lease did not converge"}
)
