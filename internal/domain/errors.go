package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that's not pending
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in pending status")

	// ErrJobTerminal is returned when a transition is attempted on a finished job
	ErrJobTerminal = errors.New("job is in a terminal state")

	// ErrInvalidInput is returned when a request fails validation
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidPayload is returned when a queued task cannot be decoded
	ErrInvalidPayload = errors.New("invalid task payload")

	// ErrMaxRetriesExceeded is returned when a task has exceeded its retry limit
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrScanLimitExceeded is returned when a user has used up the scans their tier allows
	ErrScanLimitExceeded = errors.New("scan limit exceeded for tier")

	// ErrProfileNotFound is returned by the profile store for unknown profiles
	ErrProfileNotFound = errors.New("profile not found")

	// ErrScheduleNotFound is returned when a profile has no stored schedule
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrRateLimited is returned when a domain is inside its cooldown window
	ErrRateLimited = errors.New("domain rate limited")

	// ErrThrottled is returned when a search provider answers 429
	ErrThrottled = errors.New("search provider throttled")
)

// RetryableError wraps transient errors that should trigger a delayed retry
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err carries a RetryableError
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// ValidationError names the field that failed validation
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError creates a validation error for field
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
