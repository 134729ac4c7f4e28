// Package qmerrors centralizes the broker's error taxonomy so every
// subsystem classifies failures the same way instead of inventing
// string-typed error names.
package qmerrors

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error categories the broker can produce.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindAlreadyExists Kind = "already_exists"
	KindTimeout     Kind = "timeout"
	KindStorage     Kind = "storage"
	KindCache       Kind = "cache"
	KindHook        Kind = "hook"
	KindRateLimit   Kind = "rate_limit"
	KindDependency  Kind = "dependency"
	KindCircuitOpen Kind = "circuit_open"
	KindUnknown     Kind = "unknown"
)

// Context carries the operation metadata every classified error attaches,
// per spec: {operation, queueId?, itemId?, cause?}.
type Context struct {
	Operation string
	QueueID   string
	ItemID    string
}

// QMError is the single error type returned by every mutating or
// read operation that can fail. Hook and RateLimit specific detail is
// carried in the dedicated fields rather than new error types.
type QMError struct {
	Kind    Kind
	Context Context
	Cause   error

	// Hook-specific
	HookType  string
	HookIndex int

	// RateLimit-specific
	Window string
	Limit  int64
}

func (e *QMError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Context.Operation)
	if e.Context.QueueID != "" {
		msg += fmt.Sprintf(" queue=%s", e.Context.QueueID)
	}
	if e.Context.ItemID != "" {
		msg += fmt.Sprintf(" item=%s", e.Context.ItemID)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *QMError) Unwrap() error { return e.Cause }

// New builds a classified error for the given kind and operation.
func New(kind Kind, operation string, cause error) *QMError {
	return &QMError{Kind: kind, Context: Context{Operation: operation}, Cause: cause}
}

// WithQueue attaches a queue id to the error context.
func (e *QMError) WithQueue(queueID string) *QMError {
	e.Context.QueueID = queueID
	return e
}

// WithItem attaches an item id to the error context.
func (e *QMError) WithItem(itemID string) *QMError {
	e.Context.ItemID = itemID
	return e
}

// Validation is a convenience constructor for the common reject path.
func Validation(operation, msg string) *QMError {
	return New(KindValidation, operation, errors.New(msg))
}

// NotFound is a convenience constructor for missing queues/items.
func NotFound(operation, queueID, itemID string) *QMError {
	e := New(KindNotFound, operation, errors.New("not found"))
	if queueID != "" {
		e.WithQueue(queueID)
	}
	if itemID != "" {
		e.WithItem(itemID)
	}
	return e
}

// AlreadyExists is a convenience constructor for duplicate-create paths.
func AlreadyExists(operation, queueID string) *QMError {
	return New(KindAlreadyExists, operation, errors.New("already exists")).WithQueue(queueID)
}

// Hook builds a Hook-kind error carrying hook identification.
func Hook(operation, hookType string, index int, cause error) *QMError {
	e := New(KindHook, operation, cause)
	e.HookType = hookType
	e.HookIndex = index
	return e
}

// RateLimit builds a RateLimit-kind error carrying the offending window.
func RateLimit(operation, queueID, window string, limit int64) *QMError {
	e := New(KindRateLimit, operation, fmt.Errorf("%s rate limit exceeded", window)).WithQueue(queueID)
	e.Window = window
	e.Limit = limit
	return e
}

// Dependency builds a Dependency-kind error.
func Dependency(operation, queueID, itemID, msg string) *QMError {
	return New(KindDependency, operation, errors.New(msg)).WithQueue(queueID).WithItem(itemID)
}

// Is reports whether err is a *QMError of the given kind.
func Is(err error, kind Kind) bool {
	var qe *QMError
	if errors.As(err, &qe) {
		return qe.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from a classified error, KindUnknown otherwise.
func KindOf(err error) Kind {
	var qe *QMError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return KindUnknown
}
