package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing input; nothing is stored.
	ErrValidation = errors.New("validation failed")
	// ErrOwnerUnresolved is returned when the owner identity has no profile.
	ErrOwnerUnresolved = errors.New("owner unresolved")
	// ErrForbidden is returned when a caller mutates another owner's data.
	ErrForbidden = errors.New("forbidden")
	// ErrActivityNotFound is returned when an activity cannot be located.
	ErrActivityNotFound = errors.New("activity not found")
	// ErrPersistence wraps storage failures. Callers may retry.
	ErrPersistence = errors.New("persistence failure")
	// ErrRankUnavailable is returned for a scoped rank when the owner has no
	// value for the scope attribute.
	ErrRankUnavailable = errors.New("rank unavailable")
	// ErrPredictionUnavailable is returned by predictors that have no model loaded.
	ErrPredictionUnavailable = errors.New("prediction unavailable")
)

// ValidationError describes a rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// persistenceError tags storage failures as retryable while leaving domain
// errors raised inside a unit of work untouched.
func persistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrValidation, ErrOwnerUnresolved, ErrForbidden, ErrActivityNotFound, ErrPersistence} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
