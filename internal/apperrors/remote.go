package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// FromStatus classifies a remote HTTP failure by status code.
func FromStatus(op, resource, id string, code int, cause error) error {
	e := &Error{
		Op:       op,
		Resource: resource,
		ID:       id,
		Cause:    cause,
	}
	switch {
	case code == http.StatusNotFound:
		e.Sentinel = ErrNotFound
	case code == http.StatusConflict:
		e.Sentinel = ErrConflict
	case code == http.StatusBadRequest,
		code == http.StatusForbidden,
		code == http.StatusRequestEntityTooLarge,
		code == http.StatusUnprocessableEntity:
		e.Sentinel = ErrBadRequest
	case code == http.StatusUnauthorized:
		e.Sentinel = ErrSetup
	case code == http.StatusTooManyRequests, code >= 500:
		e.Sentinel = ErrUnavailable
	default:
		e.Sentinel = ErrInternal
	}
	e.Message = fmt.Sprintf("%s %s: %v (HTTP %d)", op, id, cause, code)
	return e
}

// Unavailable marks a call that was refused locally, e.g. by an open breaker.
func Unavailable(op, resource string) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Message:  fmt.Sprintf("%s: %s service unavailable", op, resource),
		Op:       op,
		Resource: resource,
	}
}

// Kind returns a short label for the error class, used in logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrSetup):
		return "setup"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "internal"
	}
}
