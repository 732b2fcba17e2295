package orchestrator

import (
	"time"

	"github.com/ShayCichocki/switchboard/internal/gate"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// SubtaskReport is the terminal state of one subtask.
type SubtaskReport struct {
	ID       string               `json:"id"`
	Status   models.SubtaskStatus `json:"status"`
	Reason   string               `json:"reason,omitempty"`
	Worker   string               `json:"worker,omitempty"`
	Attempts int                  `json:"attempts"`
	Optional bool                 `json:"optional,omitempty"`
	// Gate is the last quality gate outcome, if criteria applied.
	Gate *gate.Outcome `json:"gate,omitempty"`
}

// DispatchEntry records one dispatch in the order it happened.
type DispatchEntry struct {
	Seq       int    `json:"seq"`
	SubtaskID string `json:"subtask_id"`
	WorkerID  string `json:"worker_id"`
	Attempt   int    `json:"attempt"`
	// Position is the fallback chain position the worker was selected from.
	Position int       `json:"position"`
	At       time.Time `json:"at"`
}

// Report is the final account of a run. Every subtask appears with its
// terminal status, and every non-successful subtask carries a reason.
type Report struct {
	RunID         string                    `json:"run_id"`
	Outcome       models.RunOutcome         `json:"outcome"`
	Cancelled     bool                      `json:"cancelled,omitempty"`
	StopReason    string                    `json:"stop_reason,omitempty"`
	Subtasks      []SubtaskReport           `json:"subtasks"`
	Escalations   []models.EscalationRecord `json:"escalations,omitempty"`
	Dispatches    []DispatchEntry           `json:"dispatches"`
	StartedAt     time.Time                 `json:"started_at"`
	EndedAt       time.Time                 `json:"ended_at"`
	DroppedEvents uint64                    `json:"dropped_events,omitempty"`
}

// Subtask returns the report entry for id.
func (r *Report) Subtask(id string) (SubtaskReport, bool) {
	for _, s := range r.Subtasks {
		if s.ID == id {
			return s, true
		}
	}
	return SubtaskReport{}, false
}

// Counts returns the number of subtasks per terminal status.
func (r *Report) Counts() map[models.SubtaskStatus]int {
	counts := make(map[models.SubtaskStatus]int)
	for _, s := range r.Subtasks {
		counts[s.Status]++
	}
	return counts
}

// Duration returns the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// DispatchOrder returns the subtask ids in dispatch order, repeats included.
func (r *Report) DispatchOrder() []string {
	ids := make([]string, len(r.Dispatches))
	for i, d := range r.Dispatches {
		ids[i] = d.SubtaskID
	}
	return ids
}

// ComputeOutcome derives the run outcome. Optional subtasks never affect it.
// A cancelled run Failed. Otherwise the run Succeeded when every required
// subtask Succeeded, and PartiallyFailed when partial completion is on and at
// least one required subtask Succeeded.
func ComputeOutcome(subtasks []SubtaskReport, partial, cancelled bool) models.RunOutcome {
	allOK, anyOK := true, false
	for _, s := range subtasks {
		if s.Optional {
			continue
		}
		if s.Status == models.StatusSucceeded {
			anyOK = true
		} else {
			allOK = false
		}
	}
	switch {
	case cancelled:
		return models.RunFailed
	case allOK:
		return models.RunSucceeded
	case partial && anyOK:
		return models.RunPartiallyFailed
	default:
		return models.RunFailed
	}
}

func (o *Orchestrator) buildReport(l *loop, startedAt, endedAt time.Time) *Report {
	r := &Report{
		RunID:         o.runID,
		Cancelled:     l.cancelled,
		StopReason:    l.stopReason,
		Escalations:   o.handler.Records(),
		Dispatches:    l.dispatches,
		StartedAt:     startedAt,
		EndedAt:       endedAt,
		DroppedEvents: o.emitter.DroppedCount(),
	}
	for _, info := range o.store.Snapshot() {
		sr := SubtaskReport{
			ID:       info.ID,
			Status:   info.Status,
			Reason:   info.Reason,
			Worker:   info.Worker,
			Attempts: info.Attempts,
			Optional: o.graph.Subtask(info.ID).Optional,
		}
		if out, ok := l.gates[info.ID]; ok {
			out := out
			sr.Gate = &out
		}
		r.Subtasks = append(r.Subtasks, sr)
	}
	r.Outcome = ComputeOutcome(r.Subtasks, o.policy.Run.PartialCompletion, l.cancelled)
	return r
}
