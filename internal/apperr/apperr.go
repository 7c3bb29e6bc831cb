// Package apperr defines the error taxonomy used by the store and the
// reconciler for expected failure modes. Runtime driver failures arrive
// as *runtime.Error instead, and unexpected database failures as plain
// wrapped errors; the HTTP layer is the only place that maps an error to
// a status code.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of retry and status mapping.
type Kind string

const (
	// Validation means the input was malformed or out of range. Never retried.
	Validation Kind = "validation"
	// Conflict means a uniqueness or precondition check failed.
	Conflict Kind = "conflict"
	// NotFound means the referenced entity does not exist.
	NotFound Kind = "not_found"
	// Transient means the operation failed but a retry may succeed
	// (runtime timeout, resource pressure, temporary store failure).
	Transient Kind = "transient"
	// Permanent means the operation failed in a way retries won't fix
	// (image rejected by the runtime, config the runtime refuses).
	Permanent Kind = "permanent"
)

// Error is a taxonomy-tagged error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an *Error of the given kind with a message only.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap creates an *Error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err, or "" if err does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
