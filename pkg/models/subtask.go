package models

import "time"

// SubtaskStatus represents the current state of a subtask.
type SubtaskStatus string

const (
	// StatusPending indicates the subtask is waiting on its dependencies.
	StatusPending SubtaskStatus = "pending"
	// StatusReady indicates every dependency is satisfied and the subtask can be dispatched.
	StatusReady SubtaskStatus = "ready"
	// StatusRunning indicates a worker is executing the subtask.
	StatusRunning SubtaskStatus = "running"
	// StatusSucceeded indicates the subtask completed and passed its quality gates.
	StatusSucceeded SubtaskStatus = "succeeded"
	// StatusFailed indicates the last attempt failed. It is terminal only once
	// the escalation handler has no retry or fallback left.
	StatusFailed SubtaskStatus = "failed"
	// StatusBlocked indicates an upstream subtask failed or was cancelled.
	StatusBlocked SubtaskStatus = "blocked"
	// StatusCancelled indicates the subtask was cancelled before completing.
	StatusCancelled SubtaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s SubtaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusReady, StatusRunning, StatusSucceeded,
		StatusFailed, StatusBlocked, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can leave this status
// without the escalation handler's involvement. Failed is included because
// a Failed subtask only moves again when it is explicitly requeued.
func (s SubtaskStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusBlocked, StatusCancelled:
		return true
	default:
		return false
	}
}

// SyncMode controls when a dependency edge is considered satisfied.
type SyncMode string

const (
	// SyncHard waits for the predecessor to reach Succeeded.
	SyncHard SyncMode = "hard"
	// SyncSoft proceeds once the predecessor has produced a usable artifact.
	SyncSoft SyncMode = "soft"
)

// Valid returns true if the mode is a known value.
func (m SyncMode) Valid() bool {
	return m == SyncHard || m == SyncSoft
}

// Priority is the scheduling class of a subtask or worker.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank orders priorities so that a higher rank is scheduled first.
// Unknown and empty priorities rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// Dependency is a single edge from a subtask to one of its predecessors.
type Dependency struct {
	// ID is the predecessor subtask id.
	ID string `json:"id"`
	// Sync is the edge's synchronization mode. Empty inherits the subtask default.
	Sync SyncMode `json:"sync,omitempty"`
}

// Subtask is a unit of work with declared capability requirements,
// inputs, outputs, and dependencies.
type Subtask struct {
	// ID is the unique identifier for this subtask within a graph.
	ID string `json:"id"`
	// Description explains what the worker should do.
	Description string `json:"description,omitempty"`
	// Tags are the capability tags a worker must cover.
	Tags []string `json:"tags,omitempty"`
	// Inputs lists artifact keys this subtask reads from its dependencies.
	Inputs []string `json:"inputs,omitempty"`
	// Outputs lists artifact keys this subtask produces.
	Outputs []string `json:"outputs,omitempty"`
	// DependsOn lists the subtasks that must be satisfied first.
	DependsOn []Dependency `json:"depends_on,omitempty"`
	// Sync is the default synchronization mode for edges that don't set one.
	Sync SyncMode `json:"sync,omitempty"`
	// Priority is the scheduling class.
	Priority Priority `json:"priority,omitempty"`
	// Tier is the preferred worker tier. Nil means no preference.
	Tier *Tier `json:"tier,omitempty"`
	// Criteria are the quality gates applied to this subtask's results.
	Criteria []Criterion `json:"criteria,omitempty"`
	// Timeout overrides the run's dispatch timeout when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Optional subtasks don't fail the run when they fail.
	Optional bool `json:"optional,omitempty"`
	// Status is the current state of the subtask.
	Status SubtaskStatus `json:"status"`
}

// EdgeSync returns the effective sync mode of a dependency edge.
func (s *Subtask) EdgeSync(d Dependency) SyncMode {
	if d.Sync.Valid() {
		return d.Sync
	}
	if s.Sync.Valid() {
		return s.Sync
	}
	return SyncHard
}

// DependencyIDs returns the predecessor ids in declaration order.
func (s *Subtask) DependencyIDs() []string {
	ids := make([]string, 0, len(s.DependsOn))
	for _, d := range s.DependsOn {
		ids = append(ids, d.ID)
	}
	return ids
}

// Clone returns a deep copy so callers can't mutate graph-owned state.
func (s *Subtask) Clone() *Subtask {
	c := *s
	c.Tags = append([]string(nil), s.Tags...)
	c.Inputs = append([]string(nil), s.Inputs...)
	c.Outputs = append([]string(nil), s.Outputs...)
	c.DependsOn = append([]Dependency(nil), s.DependsOn...)
	c.Criteria = append([]Criterion(nil), s.Criteria...)
	if s.Tier != nil {
		t := *s.Tier
		c.Tier = &t
	}
	return &c
}
