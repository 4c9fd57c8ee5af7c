package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness violation or lost write race.
	ErrConflict = errors.New("conflict")
	// ErrValidation indicates malformed input rejected before any mutation.
	ErrValidation = errors.New("validation failed")
	// ErrStoreUnavailable indicates a timeout or connection failure talking
	// to the store. Callers may retry; the engine itself does not.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ConflictError carries the store constraint behind a uniqueness violation
// so callers can tell a lost insert race from an unrelated collision.
type ConflictError struct {
	Constraint string
}

func (e *ConflictError) Error() string {
	if e.Constraint == "" {
		return ErrConflict.Error()
	}
	return fmt.Sprintf("%s: unique violation on %s", ErrConflict, e.Constraint)
}

// Unwrap lets errors.Is match ErrConflict.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// ValidationError carries the offending field alongside the reason.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalidf builds a ValidationError for a field.
func Invalidf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
