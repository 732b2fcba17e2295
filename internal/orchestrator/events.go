package orchestrator

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ShayCichocki/switchboard/internal/gate"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventRunStarted indicates a run has been journaled and its loop started.
	EventRunStarted EventType = "run_started"
	// EventSubtaskStatus indicates a committed subtask status change.
	EventSubtaskStatus EventType = "subtask_status"
	// EventSubtaskDispatched indicates a subtask was handed to a worker.
	EventSubtaskDispatched EventType = "subtask_dispatched"
	// EventGateEvaluated indicates a result was checked against quality criteria.
	EventGateEvaluated EventType = "gate_evaluated"
	// EventEscalation indicates an escalation record was opened, updated, or closed.
	EventEscalation EventType = "escalation"
	// EventRunDone indicates the run reached its outcome. It is the last event.
	EventRunDone EventType = "run_done"
)

// Event represents an event emitted by the orchestrator.
type Event struct {
	// ID is a lexically sortable unique event id.
	ID   string    `json:"id"`
	Type EventType `json:"type"`
	// RunID is the run the event belongs to.
	RunID string `json:"run_id"`
	// SubtaskID is the related subtask, if applicable.
	SubtaskID string `json:"subtask_id,omitempty"`
	// WorkerID is the related worker, if applicable.
	WorkerID string `json:"worker_id,omitempty"`
	// From and To are set for status events.
	From    models.SubtaskStatus `json:"from,omitempty"`
	To      models.SubtaskStatus `json:"to,omitempty"`
	Attempt int                  `json:"attempt,omitempty"`
	// Message provides additional context, such as a failure reason.
	Message    string                   `json:"message,omitempty"`
	Gate       *gate.Outcome            `json:"gate,omitempty"`
	Escalation *models.EscalationRecord `json:"escalation,omitempty"`
	// Outcome is set on run_done.
	Outcome   models.RunOutcome `json:"outcome,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func newEvent(typ EventType, runID string, at time.Time) Event {
	return Event{
		ID:        ulid.Make().String(),
		Type:      typ,
		RunID:     runID,
		Timestamp: at,
	}
}
