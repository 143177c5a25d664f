package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for the store package.
var (
	// ErrValidation is the root of every mapping/device validation failure.
	// Match with errors.Is; the concrete *ValidationError carries detail.
	ErrValidation = errors.New("store: validation failed")

	// ErrDeviceNotFound is returned when an operation references a device
	// id with no registry row.
	ErrDeviceNotFound = errors.New("store: device not found")

	// ErrMappingNotFound is returned when a mapping id does not exist.
	ErrMappingNotFound = errors.New("store: mapping not found")
)

// ValidationError describes why a mutation was rejected. It unwraps to
// ErrValidation so callers can match the class without inspecting text.
type ValidationError struct {
	// Field names the offending input ("channel", "field", "universe").
	Field string

	// Reason is a human-readable description for the API surface.
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("store: validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// validationErr is a shorthand constructor.
func validationErr(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
