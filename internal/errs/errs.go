// Package errs provides the closed error taxonomy used across the swarm
// memory engine (spec.md section 7). It mirrors the structured-error
// pattern used elsewhere in the stack: a typed carrier with a stable kind,
// a human message, optional wrapped cause and structured details.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error kinds from spec.md section 7.
type Kind string

const (
	InvalidInputKind  Kind = "invalid_input"
	AccessDeniedKind  Kind = "access_denied"
	NotFoundKind      Kind = "not_found"
	ConflictKind      Kind = "conflict"
	TimeoutKind       Kind = "timeout"
	CryptoFailureKind Kind = "crypto_failure"
	CorruptionKind    Kind = "corruption"
	UnavailableKind   Kind = "unavailable"
	InternalKind      Kind = "internal"
)

// Error is the structured carrier for every error this module returns
// across a package boundary.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches a structured detail and returns the same error for
// chaining at the call site.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func new(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// InvalidInput builds an InvalidInputKind error, e.g. malformed key/namespace
// length or an unknown ACL level.
func InvalidInput(reason string) *Error {
	return new(InvalidInputKind, reason)
}

// AccessDenied builds an AccessDeniedKind error carrying the actor/resource/
// action/reason tuple spec.md section 7 requires.
func AccessDenied(actorID, resourceID string, action any, reasonCode string) *Error {
	return new(AccessDeniedKind, "access denied").
		WithDetail("actor", actorID).
		WithDetail("resource", resourceID).
		WithDetail("action", fmt.Sprint(action)).
		WithDetail("reason_code", reasonCode)
}

// NotFound builds a NotFoundKind error. Distinct from AccessDenied per
// spec.md section 7.
func NotFound(resource string) *Error {
	return new(NotFoundKind, "not found").WithDetail("resource", resource)
}

// Conflict builds a ConflictKind error for version/unique-index contention
// that persisted past the retry budget.
func Conflict(message string) *Error {
	return new(ConflictKind, message)
}

// Timeout builds a TimeoutKind error for a deadline reached mid-operation.
func Timeout(operation string) *Error {
	return new(TimeoutKind, "operation timed out").WithDetail("operation", operation)
}

// CryptoFailure builds a CryptoFailureKind error for encrypt/decrypt/tag
// verification failures.
func CryptoFailure(message string, err error) *Error {
	return wrap(CryptoFailureKind, message, err)
}

// Corruption builds a CorruptionKind error for checksum mismatch or an
// unreadable stored layout. Callers must quarantine the offending entry.
func Corruption(message string, err error) *Error {
	return wrap(CorruptionKind, message, err)
}

// Unavailable builds an UnavailableKind error for a degraded collaborator
// (L2 cache, pub/sub transport).
func Unavailable(collaborator string, err error) *Error {
	return wrap(UnavailableKind, fmt.Sprintf("%s unavailable", collaborator), err)
}

// Internal builds an InternalKind error for programmer error or unexpected
// state. Callers should always log these with context.
func Internal(message string, err error) *Error {
	return wrap(InternalKind, message, err)
}

// Is reports whether err (or any error in its chain) carries kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// As extracts the *Error from err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
