// Package errors provides structured error types for the sync engine.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy decisions.
type Kind string

const (
	// KindTransient marks remote calls that failed due to connectivity.
	// Retried automatically on the next pass, never surfaced as fatal.
	KindTransient Kind = "TRANSIENT"

	// KindRejected marks remote calls refused on permission or validation
	// grounds. The queue entry is retained and a non-fatal notice surfaced.
	KindRejected Kind = "REJECTED"

	// KindMalformed marks import bundles that fail the validity check.
	KindMalformed Kind = "MALFORMED"

	// KindStorage marks local durable-write failures. Fatal to the calling
	// operation: it breaks the offline-durability guarantee.
	KindStorage Kind = "STORAGE"

	// KindConflict marks divergences handed to conflict resolution.
	KindConflict Kind = "CONFLICT"

	// KindInvalid marks caller mistakes (bad arguments, bad configuration).
	KindInvalid Kind = "INVALID"

	// KindUnavailable marks a remote store that is unreachable entirely.
	KindUnavailable Kind = "UNAVAILABLE"
)

// Operation names the sync operation during which an error occurred.
type Operation string

const (
	OpSync    Operation = "sync"
	OpPush    Operation = "push"
	OpPull    Operation = "pull"
	OpResolve Operation = "resolve"
	OpEnqueue Operation = "enqueue"
	OpMerge   Operation = "merge"
	OpStore   Operation = "store"
	OpLoad    Operation = "load"
	OpClose   Operation = "close"
)

// Component names the subsystem that generated the error.
type Component string

// SyncError is the structured error carried across the engine.
type SyncError struct {
	Op        Operation
	Component Component
	Kind      Kind
	Err       error
	Retryable bool
	Metadata  map[string]any
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}
	if e.Kind != "" {
		msg += fmt.Sprintf(" [%s]", e.Kind)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *SyncError) Unwrap() error { return e.Err }

// retryableKind reports the default retry posture for a kind.
func retryableKind(k Kind) bool {
	return k == KindTransient || k == KindUnavailable
}

// E builds a SyncError from its arguments in any order: Operation, Component,
// Kind, an error to wrap, and a trailing string message. The last value of
// each type wins.
func E(args ...any) *SyncError {
	e := &SyncError{}
	var msg string
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case Component:
			e.Component = a
		case Kind:
			e.Kind = a
		case *SyncError:
			e.Err = a
			if e.Kind == "" {
				e.Kind = a.Kind
			}
		case error:
			e.Err = a
		case string:
			msg = a
		case map[string]any:
			e.Metadata = a
		}
	}
	if msg != "" {
		if e.Err != nil {
			e.Err = fmt.Errorf("%s: %w", msg, e.Err)
		} else {
			e.Err = errors.New(msg)
		}
	}
	e.Retryable = retryableKind(e.Kind)
	return e
}

// NewTransient creates a retryable network-related SyncError.
func NewTransient(op Operation, component Component, cause error) *SyncError {
	return &SyncError{Op: op, Component: component, Kind: KindTransient, Err: cause, Retryable: true}
}

// NewRejected creates a SyncError for a remote permission/validation refusal.
func NewRejected(op Operation, component Component, cause error) *SyncError {
	return &SyncError{Op: op, Component: component, Kind: KindRejected, Err: cause}
}

// NewStorage creates a fatal local-storage SyncError.
func NewStorage(op Operation, cause error) *SyncError {
	return &SyncError{Op: op, Component: "store", Kind: KindStorage, Err: cause}
}

// NewMalformed creates a SyncError for an invalid import bundle.
func NewMalformed(cause error) *SyncError {
	return &SyncError{Op: OpMerge, Component: "merge", Kind: KindMalformed, Err: cause}
}

// IsRetryable reports whether err is a SyncError eligible for automatic retry.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// KindOf returns the Kind of the outermost SyncError in err's chain, or the
// empty Kind when err carries no classification.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return ""
}

// IsKind reports whether err's chain contains a SyncError of the given kind.
func IsKind(err error, k Kind) bool {
	for err != nil {
		var syncErr *SyncError
		if !errors.As(err, &syncErr) {
			return false
		}
		if syncErr.Kind == k {
			return true
		}
		err = syncErr.Err
	}
	return false
}
