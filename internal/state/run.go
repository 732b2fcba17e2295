package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

// RunStatus represents the lifecycle status of a journaled run.
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunFinished    RunStatus = "finished"
	RunInterrupted RunStatus = "interrupted"
)

// Run is a journaled orchestration run.
type Run struct {
	ID        string            `json:"id"`
	Graph     string            `json:"graph"`
	Subtasks  int               `json:"subtasks"`
	Status    RunStatus         `json:"status"`
	Outcome   models.RunOutcome `json:"outcome,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
}

// SubtaskRecord is the latest journaled status of a subtask in a run.
type SubtaskRecord struct {
	RunID     string               `json:"run_id"`
	SubtaskID string               `json:"subtask_id"`
	Status    models.SubtaskStatus `json:"status"`
	Worker    string               `json:"worker,omitempty"`
	Attempt   int                  `json:"attempt"`
	Reason    string               `json:"reason,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// ArtifactRecord is one journaled artifact log entry.
type ArtifactRecord struct {
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	SubtaskID string    `json:"subtask_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateRun journals the start of a run.
func (db *DB) CreateRun(r *Run) error {
	if r.Status == "" {
		r.Status = RunRunning
	}
	_, err := db.Exec(`
		INSERT INTO runs (id, graph, subtasks, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.Graph, r.Subtasks, string(r.Status), formatTime(r.StartedAt))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun records a run's outcome and end time.
func (db *DB) FinishRun(id string, outcome models.RunOutcome, endedAt time.Time) error {
	_, err := db.Exec(`
		UPDATE runs SET status = ?, outcome = ?, ended_at = ? WHERE id = ?
	`, string(RunFinished), string(outcome), formatTime(endedAt), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. Returns nil if not found.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.QueryRow(`
		SELECT id, graph, subtasks, status, outcome, started_at, ended_at
		FROM runs WHERE id = ?
	`, id)

	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns lists the most recent runs, newest first. A limit <= 0 lists all.
func (db *DB) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
		SELECT id, graph, subtasks, status, outcome, started_at, ended_at
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var outcome, endedAt sql.NullString
	var startedAt string
	if err := row.Scan(&r.ID, &r.Graph, &r.Subtasks, &r.Status, &outcome, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	if outcome.Valid {
		r.Outcome = models.RunOutcome(outcome.String)
	}
	r.StartedAt, _ = parseTime(startedAt)
	r.EndedAt = parseNullableTime(endedAt)
	return &r, nil
}

// RecordStatus upserts the latest status of a subtask.
func (db *DB) RecordStatus(runID, subtaskID string, status models.SubtaskStatus, worker string, attempt int, reason string, at time.Time) error {
	_, err := db.Exec(`
		INSERT INTO subtask_status (run_id, subtask_id, status, worker, attempt, reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, subtask_id) DO UPDATE SET
			status = excluded.status,
			worker = excluded.worker,
			attempt = excluded.attempt,
			reason = excluded.reason,
			updated_at = excluded.updated_at
	`, runID, subtaskID, string(status), worker, attempt, reason, formatTime(at))
	if err != nil {
		return fmt.Errorf("record status: %w", err)
	}
	return nil
}

// ListSubtaskStatus returns the latest status of every journaled subtask in a run.
func (db *DB) ListSubtaskStatus(runID string) ([]SubtaskRecord, error) {
	rows, err := db.Query(`
		SELECT run_id, subtask_id, status, worker, attempt, reason, updated_at
		FROM subtask_status WHERE run_id = ? ORDER BY subtask_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list subtask status: %w", err)
	}
	defer rows.Close()

	var out []SubtaskRecord
	for rows.Next() {
		var r SubtaskRecord
		var worker, reason sql.NullString
		var updatedAt string
		if err := rows.Scan(&r.RunID, &r.SubtaskID, &r.Status, &worker, &r.Attempt, &reason, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan subtask status: %w", err)
		}
		r.Worker = worker.String
		r.Reason = reason.String
		r.UpdatedAt, _ = parseTime(updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordArtifact appends an artifact log entry.
func (db *DB) RecordArtifact(runID, subtaskID string, seq int, key, value string, at time.Time) error {
	_, err := db.Exec(`
		INSERT INTO artifacts (run_id, seq, subtask_id, key, value, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, seq, subtaskID, key, value, formatTime(at))
	if err != nil {
		return fmt.Errorf("record artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns a run's artifact log in sequence order.
func (db *DB) ListArtifacts(runID string) ([]ArtifactRecord, error) {
	rows, err := db.Query(`
		SELECT run_id, seq, subtask_id, key, value, created_at
		FROM artifacts WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []ArtifactRecord
	for rows.Next() {
		var a ArtifactRecord
		var createdAt string
		if err := rows.Scan(&a.RunID, &a.Seq, &a.SubtaskID, &a.Key, &a.Value, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.CreatedAt, _ = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordEscalation upserts an escalation record.
func (db *DB) RecordEscalation(runID string, rec models.EscalationRecord) error {
	tried, err := json.Marshal(rec.TriedWorkers)
	if err != nil {
		return fmt.Errorf("marshal tried workers: %w", err)
	}
	var closedAt *string
	if rec.ClosedAt != nil {
		s := formatTime(*rec.ClosedAt)
		closedAt = &s
	}

	_, err = db.Exec(`
		INSERT INTO escalations (run_id, subtask_id, attempts, fallback_position, tried_workers, outcome, reason, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, subtask_id) DO UPDATE SET
			attempts = excluded.attempts,
			fallback_position = excluded.fallback_position,
			tried_workers = excluded.tried_workers,
			outcome = excluded.outcome,
			reason = excluded.reason,
			closed_at = excluded.closed_at
	`, runID, rec.SubtaskID, rec.Attempts, rec.FallbackPosition, string(tried),
		string(rec.Outcome), rec.Reason, formatTime(rec.OpenedAt), closedAt)
	if err != nil {
		return fmt.Errorf("record escalation: %w", err)
	}
	return nil
}

// ListEscalations returns a run's escalation records ordered by open time.
func (db *DB) ListEscalations(runID string) ([]models.EscalationRecord, error) {
	rows, err := db.Query(`
		SELECT subtask_id, attempts, fallback_position, tried_workers, outcome, reason, opened_at, closed_at
		FROM escalations WHERE run_id = ? ORDER BY opened_at, subtask_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()

	var out []models.EscalationRecord
	for rows.Next() {
		var r models.EscalationRecord
		var tried, reason, closedAt sql.NullString
		var openedAt string
		if err := rows.Scan(&r.SubtaskID, &r.Attempts, &r.FallbackPosition, &tried, &r.Outcome, &reason, &openedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		if tried.Valid {
			json.Unmarshal([]byte(tried.String), &r.TriedWorkers)
		}
		r.Reason = reason.String
		r.OpenedAt, _ = parseTime(openedAt)
		r.ClosedAt = parseNullableTime(closedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
