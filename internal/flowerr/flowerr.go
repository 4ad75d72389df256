// Package flowerr defines the error taxonomy shared by every core
// component. Callers classify failures by Kind instead of inspecting
// wrapped driver/library errors directly, so the persistence gateway,
// builders, and ADS server can agree on how a failure propagates.
package flowerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories the core distinguishes.
type Kind string

const (
	// Validation means a submitted entity violates an invariant.
	Validation Kind = "validation"
	// Conflict means a uniqueness or referential-integrity violation.
	Conflict Kind = "conflict"
	// NotFound means a read or update targeted a missing entity.
	NotFound Kind = "not_found"
	// BackendUnavailable means the persistence store is unreachable or timing out.
	BackendUnavailable Kind = "backend_unavailable"
	// InvariantViolation means an internal inconsistency was detected during
	// a build — a reference satisfied at admission but missing at build time.
	InvariantViolation Kind = "invariant_violation"
	// WireEncoding means a resource failed to encode to a valid wire message.
	WireEncoding Kind = "wire_encoding"
)

// Error is the concrete error type every core component returns for a
// classified failure. The zero value is not meaningful; construct with
// New or Wrap.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "store.Put" or "build.Cluster".
	Op string
	// Entity optionally names the entity involved, e.g. "cluster/backend".
	Entity string
	Err error
}

func (e *Error) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Entity, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error from a message.
func New(kind Kind, op, entity, msg string) *Error {
	return &Error{Kind: kind, Op: op, Entity: entity, Err: errors.New(msg)}
}

// Wrap classifies an underlying error under kind, preserving it for errors.Is/As.
func Wrap(kind Kind, op, entity string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Entity: entity, Err: err}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and false
// otherwise. Callers at a boundary (REST, ADS) use this to decide how to
// surface a failure without importing every component's error types.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
