package services

import (
	"errors"
	"fmt"

	"github.com/insurepro/apiserver/internal/store"
)

// ValidationError reports malformed or missing input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// NotFoundError reports a missing record, or one the caller does not own.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.Key)
}

// ConflictError reports a record whose state does not permit the operation.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// DependencyError wraps an infrastructure failure. No partial state is left
// behind, so the operation may be retried from scratch.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

// NotificationError wraps a failed post-commit notification. It is logged
// and never returned from a decision.
type NotificationError struct {
	Listener    string
	ClaimNumber string
	Err         error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify %s for claim %s: %v", e.Listener, e.ClaimNumber, e.Err)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func notFound(resource string, key any) error {
	return &NotFoundError{Resource: resource, Key: fmt.Sprint(key)}
}

func conflict(format string, args ...any) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// isServiceError reports whether err already carries a service error kind.
func isServiceError(err error) bool {
	var (
		ve *ValidationError
		ne *NotFoundError
		ce *ConflictError
		de *DependencyError
	)
	return errors.As(err, &ve) || errors.As(err, &ne) || errors.As(err, &ce) || errors.As(err, &de)
}

// translate maps store sentinels onto service errors. Errors that already
// carry a kind pass through; anything else becomes a DependencyError.
func translate(err error, op, resource string, key any) error {
	switch {
	case err == nil:
		return nil
	case isServiceError(err):
		return err
	case errors.Is(err, store.ErrNotFound):
		return notFound(resource, key)
	case errors.Is(err, store.ErrConflict):
		return conflict("%s %v was changed concurrently", resource, key)
	default:
		return &DependencyError{Op: op, Err: err}
	}
}
