package model

import "testing"

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "instance not found"}
	want := "NOT_FOUND: instance not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewConflictError(t *testing.T) {
	e := NewConflictError("version mismatch")
	if e.Code != ErrConflict {
		t.Errorf("Code = %q, want %q", e.Code, ErrConflict)
	}
	if e.Message != "version mismatch" {
		t.Errorf("Message = %q", e.Message)
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "assignments[0].step_id", Code: "MISMATCH", Message: "does not match definition"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
}

func TestIsCode(t *testing.T) {
	err := NewNotFoundError("missing")
	if !IsCode(err, ErrNotFound) {
		t.Error("IsCode(NotFound, NOT_FOUND) = false")
	}
	if IsCode(err, ErrConflict) {
		t.Error("IsCode(NotFound, CONFLICT) = true")
	}
	var plain error = &ErrorEnvelope{Code: ErrStateCorrupt}
	if !IsCode(plain, ErrStateCorrupt) {
		t.Error("IsCode(StateCorrupt, STATE_CORRUPT) = false")
	}
}
