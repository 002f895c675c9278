package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestValidation(t *testing.T) {
	t.Parallel()
	err := Validation("tenant", "tenant is required")

	if !errors.Is(err, ErrValidation) {
		t.Error("expected error to match ErrValidation")
	}
	if err.Error() != "tenant is required" {
		t.Errorf("expected message 'tenant is required', got %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Field != "tenant" {
		t.Errorf("expected field 'tenant', got %q", appErr.Field)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	err := NotFound("volume", "abc123")

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected error to match ErrNotFound")
	}
	if err.Error() != "volume abc123 not found" {
		t.Errorf("expected message 'volume abc123 not found', got %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Resource != "volume" || appErr.ID != "abc123" {
		t.Errorf("unexpected resource/id %q/%q", appErr.Resource, appErr.ID)
	}
}

func TestConflict(t *testing.T) {
	t.Parallel()
	err := Conflict("server", "vm-1", "server is locked")

	if !errors.Is(err, ErrConflict) {
		t.Error("expected error to match ErrConflict")
	}
	if err.Error() != "server is locked" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestInternal_PreservesCause(t *testing.T) {
	t.Parallel()
	err := Internal("manifest.write", context.DeadlineExceeded)

	if !errors.Is(err, ErrInternal) {
		t.Error("expected error to match ErrInternal")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected cause to be reachable through errors.Is")
	}
	if err.Error() != "manifest.write: context deadline exceeded" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestFromStatus(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("remote said no")
	tests := []struct {
		code int
		want error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrConflict},
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusRequestEntityTooLarge, ErrBadRequest},
		{http.StatusForbidden, ErrBadRequest},
		{http.StatusUnauthorized, ErrSetup},
		{http.StatusTooManyRequests, ErrUnavailable},
		{http.StatusInternalServerError, ErrUnavailable},
		{http.StatusServiceUnavailable, ErrUnavailable},
		{http.StatusTeapot, ErrInternal},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			t.Parallel()
			err := FromStatus("image.get", "image", "img-1", tt.code, cause)
			if !errors.Is(err, tt.want) {
				t.Errorf("FromStatus(%d) = %v, want %v", tt.code, err, tt.want)
			}
			if !errors.Is(err, cause) {
				t.Error("expected cause to be preserved")
			}
		})
	}
}

func TestIsLaunchFatal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"conflict", Conflict("server", "1", "busy"), true},
		{"bad request", FromStatus("op", "volume", "1", http.StatusBadRequest, errors.New("x")), true},
		{"wrapped conflict", fmt.Errorf("launch: %w", ErrConflict), true},
		{"not found", NotFound("server", "1"), false},
		{"unavailable", Unavailable("op", "compute"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		if got := IsLaunchFatal(tt.err); got != tt.want {
			t.Errorf("%s: IsLaunchFatal() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIgnoreNotFound(t *testing.T) {
	t.Parallel()
	if err := IgnoreNotFound(NotFound("image", "1")); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	other := Conflict("image", "1", "in use")
	if err := IgnoreNotFound(other); err != other {
		t.Errorf("expected conflict to pass through, got %v", err)
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"setup", Setup("identity.auth", errors.New("no credentials")), 1},
		{"validation", Validation("tenant", "required"), 1},
		{"item failure", Conflict("server", "1", "busy"), 0},
		{"interrupted", context.Canceled, 0},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("%s: ExitCode() = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestKind(t *testing.T) {
	t.Parallel()
	if got := Kind(NotFound("x", "1")); got != "not_found" {
		t.Errorf("Kind = %q", got)
	}
	if got := Kind(Unavailable("op", "image")); got != "unavailable" {
		t.Errorf("Kind = %q", got)
	}
	if got := Kind(errors.New("boom")); got != "internal" {
		t.Errorf("Kind = %q", got)
	}
}

func TestErrorsIsWithWrapping(t *testing.T) {
	t.Parallel()
	original := Validation("pool_size", "must be positive")
	wrapped := fmt.Errorf("config error: %w", original)
	doubleWrapped := fmt.Errorf("cli error: %w", wrapped)

	if !errors.Is(doubleWrapped, ErrValidation) {
		t.Error("expected errors.Is to find ErrValidation through multiple wraps")
	}
}
