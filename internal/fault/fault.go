// Package fault defines the error taxonomy shared by every taskhive
// component. Each failure carries a machine-readable kind token and a
// human-readable detail; callers branch on the kind, users read the detail.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindValidation: a parameter violates its declared constraints.
	KindValidation Kind = "validation"
	// KindNotFound: a referenced entity id is absent.
	KindNotFound Kind = "not_found"
	// KindUnavailable: a state precondition is not met (e.g. reserving a
	// task that is not available).
	KindUnavailable Kind = "unavailable"
	// KindNotAssigned: the caller is not the assignee for an
	// ownership-gated mutation.
	KindNotAssigned Kind = "not_assigned"
	// KindInvalidTransition: the state machine refuses the requested move.
	KindInvalidTransition Kind = "invalid_transition"
	// KindCycleDetected: a relationship would introduce a dependency cycle.
	KindCycleDetected Kind = "cycle_detected"
	// KindConflict: a unique-name or unique-link constraint was violated.
	KindConflict Kind = "conflict"
	// KindTxAborted: the writer retry budget was exhausted.
	KindTxAborted Kind = "tx_aborted"
	// KindFatal: corruption or an invariant breach detected during a read.
	KindFatal Kind = "fatal"
)

// Retryable reports whether an operation failing with this kind may succeed
// if submitted again without changes.
func (k Kind) Retryable() bool {
	return k == KindTxAborted
}

// Error is a classified failure. The detail never contains internal handles
// or credentials; it is safe to return to agents verbatim.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error while keeping it on the chain.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the kind from an error chain. Unclassified errors report
// KindFatal: anything that escapes without a kind is an invariant breach.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindFatal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}
