// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates malformed or incomplete input.
var ErrValidation = errors.New("validation failed")

// ErrForbidden indicates the actor is not permitted to perform the action.
// The message is deliberately generic: callers must not leak which
// authorization rule produced the denial.
var ErrForbidden = errors.New("action not permitted")

// ErrInvalidTransition indicates a requested stage edge is not in the
// workflow graph. A correctly constrained board UI should never produce one.
var ErrInvalidTransition = errors.New("invalid stage transition")
