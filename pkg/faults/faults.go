// Package faults defines the structured error type shared by all
// dispatch components. Every failing public operation returns a *Error
// carrying the failure kind, the owning component, and the operation
// that failed, so callers can branch on kind instead of string-matching.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// Validation indicates invalid input: unknown ids, empty task sets,
	// malformed records. Never retried.
	Validation Kind = "validation"
	// Configuration indicates a bad knob: unknown algorithm, weight
	// outside [0,1]. Surfaced at construction.
	Configuration Kind = "configuration"
	// Transient indicates a retryable execution failure: agent timeout,
	// transport hiccup, lock timeout.
	Transient Kind = "transient"
	// Exhausted indicates resource exhaustion: no capable agent,
	// insufficient memory or cpu. The caller defers and re-evaluates.
	Exhausted Kind = "exhausted"
	// Invariant indicates a broken internal invariant: invalid workflow
	// transition, dependency cycle, orphaned execution. Fatal for the
	// affected unit only.
	Invariant Kind = "invariant"
	// Timeout indicates an explicit deadline was exceeded.
	Timeout Kind = "timeout"
	// Canceled indicates the operation was canceled. Never an error to log.
	Canceled Kind = "canceled"
)

// Error is a structured failure. It always carries a kind, the component
// that produced it, and the operation that failed.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Component is the subsystem that produced the error (e.g. "scheduler").
	Component string
	// Op is the operation that failed (e.g. "GenerateSchedule").
	Op string
	// Msg is the human-readable description.
	Msg string
	// Metadata carries failure context (task ids, resource names, ...).
	Metadata map[string]string
	// Err is the wrapped cause, if any.
	Err error
}

// New creates a structured error with no cause.
func New(kind Kind, component, op, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Op:        op,
		Msg:       fmt.Sprintf(format, args...),
	}
}

// Wrap creates a structured error wrapping a cause.
func Wrap(err error, kind Kind, component, op, format string, args ...interface{}) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Op:        op,
		Msg:       fmt.Sprintf(format, args...),
		Err:       err,
	}
}

// With attaches a metadata key/value pair and returns the error.
func (e *Error) With(key, value string) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Component, e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Component, e.Op, e.Msg)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error with the same kind.
// This lets callers write errors.Is(err, &faults.Error{Kind: faults.Timeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err if it is (or wraps) a *Error,
// or the empty string otherwise.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err is (or wraps) a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
