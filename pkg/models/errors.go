package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidGraph indicates a cyclic or malformed subtask graph.
	ErrInvalidGraph = errors.New("invalid graph")
	// ErrNoCapableWorker indicates routing exhausted the fallback chain.
	ErrNoCapableWorker = errors.New("no capable worker")
	// ErrTransientExecution indicates a timeout or retryable worker error.
	ErrTransientExecution = errors.New("transient execution failure")
	// ErrPermanentExecution indicates a worker error that retrying won't fix.
	ErrPermanentExecution = errors.New("permanent execution failure")
	// ErrCriticalGate indicates a critical quality criterion was breached.
	ErrCriticalGate = errors.New("critical quality gate failure")
	// ErrCancelled indicates the subtask was terminated by cancellation.
	ErrCancelled = errors.New("cancelled")
)

// permanentError marks a wrapped error as non-retryable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.err)
}

func (e *permanentError) Unwrap() []error {
	return []error{ErrPermanentExecution, e.err}
}

// Permanent wraps err so the escalation handler skips same-worker retries.
// Returns nil if err is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentExecution)
}
