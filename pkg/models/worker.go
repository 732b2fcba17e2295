package models

import "strings"

// Worker describes a specialist worker's capabilities.
// Current load is owned by the router and is not part of the descriptor.
type Worker struct {
	// ID is the unique identifier for this worker.
	ID string `json:"id" yaml:"id"`
	// Tags are the capability tags this worker satisfies.
	Tags []string `json:"tags" yaml:"tags"`
	// Tier is the worker's seniority class.
	Tier Tier `json:"tier" yaml:"tier"`
	// MaxConcurrent is the maximum number of simultaneous assignments.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
	// Priority breaks routing ties between otherwise equal workers.
	Priority Priority `json:"priority,omitempty" yaml:"priority,omitempty"`
	// Command is the shell command used by the command executor, if any.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`
}

// HasTag reports whether the worker carries the tag (case-insensitive).
func (w *Worker) HasTag(tag string) bool {
	for _, t := range w.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Capacity returns MaxConcurrent, treating non-positive values as one.
func (w *Worker) Capacity() int {
	if w.MaxConcurrent < 1 {
		return 1
	}
	return w.MaxConcurrent
}
