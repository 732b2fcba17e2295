// Package escalation classifies subtask failures and decides between retry,
// fallback to another worker, and terminal failure.
package escalation

import (
	"context"
	"errors"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

// FailureClass is the category a failed dispatch falls into.
type FailureClass int

const (
	// Transient failures (timeouts, plain worker errors) are retried on the same worker.
	Transient FailureClass = iota
	// Permanent failures skip same-worker retries and go straight to fallback.
	Permanent
	// GateCritical failures breached a critical quality criterion and are terminal.
	GateCritical
	// Cancellation is not a quality failure and never escalates.
	Cancellation
)

// String returns a human-readable representation of the failure class.
func (c FailureClass) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case GateCritical:
		return "gate_critical"
	case Cancellation:
		return "cancellation"
	default:
		return "unknown"
	}
}

// Classify maps a dispatch outcome to a failure class. err is the executor
// error (nil if the worker returned a result), result is the worker's result
// if any, and gateCritical reports a critical quality gate breach.
func Classify(err error, result *models.Result, gateCritical bool) FailureClass {
	if errors.Is(err, models.ErrCancelled) || errors.Is(err, context.Canceled) {
		return Cancellation
	}
	if gateCritical || errors.Is(err, models.ErrCriticalGate) {
		return GateCritical
	}
	if models.IsPermanent(err) || (result != nil && result.Permanent) {
		return Permanent
	}
	return Transient
}
