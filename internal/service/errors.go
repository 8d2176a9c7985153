package service

import (
	"errors"
	"fmt"
)

// Business errors reported to the caller as-is, never retried.
var (
	ErrLimitExceeded = errors.New("limit_exceeded")
	ErrBatchTooLarge = errors.New("batch too large")
	ErrQueuePaused   = errors.New("queue paused")
)

// ValidationError pins a rejected command to the field that caused it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
