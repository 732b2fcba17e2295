package models

import "time"

// EscalationOutcome is the terminal outcome of an escalation record.
type EscalationOutcome string

const (
	// EscalationOpen means the subtask is still being retried or rerouted.
	EscalationOpen EscalationOutcome = "open"
	// EscalationRecovered means the subtask succeeded after a retry or fallback.
	EscalationRecovered EscalationOutcome = "recovered"
	// EscalationExternalReview means the subtask was handed off for external review.
	EscalationExternalReview EscalationOutcome = "external_review"
	// EscalationAbandoned means the run ended before the subtask could recover.
	EscalationAbandoned EscalationOutcome = "abandoned"
)

// EscalationRecord tracks a subtask's failure history from its first failure
// until a terminal outcome.
type EscalationRecord struct {
	SubtaskID string `json:"subtask_id"`
	// Attempts is the total number of failed dispatches across all workers.
	Attempts int `json:"attempts"`
	// FallbackPosition counts how many fallback substitutions were made.
	FallbackPosition int `json:"fallback_position"`
	// TriedWorkers lists the workers used, in dispatch order.
	TriedWorkers []string          `json:"tried_workers,omitempty"`
	Outcome      EscalationOutcome `json:"outcome"`
	Reason       string            `json:"reason,omitempty"`
	OpenedAt     time.Time         `json:"opened_at"`
	ClosedAt     *time.Time        `json:"closed_at,omitempty"`
}

// Closed reports whether the record reached a terminal outcome.
func (r *EscalationRecord) Closed() bool {
	return r.Outcome != EscalationOpen && r.Outcome != ""
}

// RunOutcome is the overall result of a run.
type RunOutcome string

const (
	RunSucceeded       RunOutcome = "succeeded"
	RunPartiallyFailed RunOutcome = "partially_failed"
	RunFailed          RunOutcome = "failed"
)

// ExitCode maps the outcome to a process exit code.
func (o RunOutcome) ExitCode() int {
	switch o {
	case RunSucceeded:
		return 0
	case RunPartiallyFailed:
		return 2
	default:
		return 1
	}
}
