package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "Template not found"}
	want := "NOT_FOUND: Template not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestAsDomainError(t *testing.T) {
	wrapped := fmt.Errorf("create: %w", NewConflictError("Label already used"))
	ee, ok := AsDomainError(wrapped)
	if !ok {
		t.Fatal("AsDomainError = false, want true")
	}
	if ee.Message != "Label already used" {
		t.Errorf("Message = %q", ee.Message)
	}

	if _, ok := AsDomainError(errors.New("boom")); ok {
		t.Error("plain error should not be a domain error")
	}
}

func TestMissingCapabilityError(t *testing.T) {
	err := NewMissingCapabilityError("ghost", CapFind)
	if err.DataSource != "ghost" || err.Capability != "find" {
		t.Errorf("err = %+v", err)
	}
	want := `data source "ghost" does not define "find"`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !IsMissingCapability(fmt.Errorf("table: %w", err)) {
		t.Error("IsMissingCapability should see through wrapping")
	}
	if IsMissingCapability(NewNotFoundError("x")) {
		t.Error("IsMissingCapability(NOT_FOUND) = true")
	}
}

func TestValidationDetails(t *testing.T) {
	details := ValidationDetails(FieldErrors{
		"language": {"Language is required"},
		"label":    {"Label is required", "Label is too short"},
	})
	if len(details) != 3 {
		t.Fatalf("len = %d, want 3", len(details))
	}
	if details[0].Field != "label" || details[2].Field != "language" {
		t.Errorf("details not sorted by field: %+v", details)
	}
}

func TestNewErrorConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *ErrorEnvelope
		code string
	}{
		{"bad request", NewBadRequestError("bad json"), ErrBadRequest},
		{"unauthorized", NewUnauthorizedError("missing token"), ErrUnauthorized},
		{"forbidden", NewForbiddenError("denied"), ErrForbidden},
		{"not found", NewNotFoundError("missing"), ErrNotFound},
		{"conflict", NewConflictError("duplicate"), ErrConflict},
		{"validation", NewValidationError(nil), ErrValidationError},
		{"internal", NewInternalError(), ErrInternalError},
		{"unavailable", NewBackendUnavailableError(), ErrBackendUnavailable},
		{"timeout", NewBackendTimeoutError(), ErrBackendTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
		})
	}
}
