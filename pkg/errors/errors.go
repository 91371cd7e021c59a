package errors

import (
	"errors"
	"fmt"
)

// Sentinels for domain errors.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation error")
	ErrUnavailable = errors.New("service unavailable")

	// ErrConcurrentCall is returned when a lead already has an active call attempt.
	ErrConcurrentCall = fmt.Errorf("concurrent call conflict: %w", ErrConflict)
	// ErrProviderTransient marks network or timeout failures of an external provider.
	ErrProviderTransient = errors.New("provider transient error")
	// ErrProviderAuth marks rejected provider credentials. Never retried.
	ErrProviderAuth = errors.New("provider auth error")
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}

// Retryable reports whether a provider error may be retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrProviderAuth) || errors.Is(err, ErrValidation) {
		return false
	}
	return errors.Is(err, ErrProviderTransient)
}
