// Package apperrors provides structured errors for remote control-plane calls
// and the classification used to decide how a failed call is handled.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrBadRequest  = errors.New("bad request")
	ErrUnavailable = errors.New("service unavailable")
	ErrSetup       = errors.New("setup error")
	ErrInternal    = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "tenant", "pool_size")
	Resource string // For remote errors (e.g., "server", "volume")
	ID       string // Remote resource id, when known
	Op       string // Operation that failed (e.g., "compute.createImage")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
		ID:       id,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
		ID:       id,
	}
}

// Setup creates a fatal setup error. Setup errors abort the whole invocation.
func Setup(op string, cause error) error {
	return &Error{
		Sentinel: ErrSetup,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// IsLaunchFatal reports whether a failed launch must resolve the operation as
// Failed without ever entering Pending: conflicts and permanent request errors.
func IsLaunchFatal(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrBadRequest)
}

// IgnoreNotFound returns nil for not found errors, making deletes idempotent.
func IgnoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ExitCode maps an error returned from a command to a process exit code.
// Only errors raised before orchestration starts are non-zero.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrSetup), errors.Is(err, ErrValidation):
		return 1
	default:
		return 0
	}
}
