package models

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateRecord is returned when a write would break a ledger uniqueness constraint.
	ErrDuplicateRecord = errors.New("duplicate delta target record")
	// ErrUpstreamUnavailable wraps gateway failures and timeouts.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrInconsistentAdjustment marks a roll where one leg executed and the other did not.
	ErrInconsistentAdjustment = errors.New("inconsistent adjustment")
	// ErrNoReplacement is returned when the selector finds no candidate instrument.
	ErrNoReplacement = errors.New("no suitable replacement")
)

// ValidationError reports a rejected write before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
