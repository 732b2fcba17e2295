package state

import (
	"io"
	"time"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

// RunStore handles run-level persistence.
type RunStore interface {
	CreateRun(r *Run) error
	FinishRun(id string, outcome models.RunOutcome, endedAt time.Time) error
	GetRun(id string) (*Run, error)
	ListRuns(limit int) ([]Run, error)
}

// SubtaskJournal records per-subtask status and artifacts.
type SubtaskJournal interface {
	RecordStatus(runID, subtaskID string, status models.SubtaskStatus, worker string, attempt int, reason string, at time.Time) error
	RecordArtifact(runID, subtaskID string, seq int, key, value string, at time.Time) error
	ListSubtaskStatus(runID string) ([]SubtaskRecord, error)
	ListArtifacts(runID string) ([]ArtifactRecord, error)
}

// EscalationJournal records escalation history.
type EscalationJournal interface {
	RecordEscalation(runID string, rec models.EscalationRecord) error
	ListEscalations(runID string) ([]models.EscalationRecord, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// StateStore composes every journal capability behind one interface so
// callers don't depend on the concrete SQLite implementation.
type StateStore interface {
	io.Closer
	Migrator
	RunStore
	SubtaskJournal
	EscalationJournal
}

// Compile-time verification that DB implements all interfaces.
var (
	_ StateStore        = (*DB)(nil)
	_ Migrator          = (*DB)(nil)
	_ RunStore          = (*DB)(nil)
	_ SubtaskJournal    = (*DB)(nil)
	_ EscalationJournal = (*DB)(nil)
)
