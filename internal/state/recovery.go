package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

// InterruptedRun describes a run that never recorded an outcome, usually
// because the process was killed.
type InterruptedRun struct {
	RunID     string
	StartedAt time.Time
	// Unfinished counts subtasks whose last journaled status was not terminal.
	Unfinished int
	// OpenEscalations counts escalation records that were never closed.
	OpenEscalations int
}

// FindInterrupted lists runs still marked running.
func (db *DB) FindInterrupted() ([]InterruptedRun, error) {
	rows, err := db.Query(`
		SELECT r.id, r.started_at,
			(SELECT COUNT(*) FROM subtask_status s
				WHERE s.run_id = r.id AND s.status IN (?, ?, ?)),
			(SELECT COUNT(*) FROM escalations e
				WHERE e.run_id = r.id AND e.outcome = ?)
		FROM runs r WHERE r.status = ?
		ORDER BY r.started_at
	`, string(models.StatusPending), string(models.StatusReady), string(models.StatusRunning),
		string(models.EscalationOpen), string(RunRunning))
	if err != nil {
		return nil, fmt.Errorf("find interrupted runs: %w", err)
	}
	defer rows.Close()

	var out []InterruptedRun
	for rows.Next() {
		var ir InterruptedRun
		var startedAt string
		if err := rows.Scan(&ir.RunID, &startedAt, &ir.Unfinished, &ir.OpenEscalations); err != nil {
			return nil, fmt.Errorf("scan interrupted run: %w", err)
		}
		ir.StartedAt, _ = parseTime(startedAt)
		out = append(out, ir)
	}
	return out, rows.Err()
}

// MarkInterrupted closes out a run that will never finish: the run is marked
// interrupted with a failed outcome, unfinished subtasks become cancelled, and
// open escalations are abandoned.
func (db *DB) MarkInterrupted(runID string, at time.Time) error {
	ts := formatTime(at)
	return db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE runs SET status = ?, outcome = ?, ended_at = ?
			WHERE id = ? AND status = ?
		`, string(RunInterrupted), string(models.RunFailed), ts, runID, string(RunRunning))
		if err != nil {
			return fmt.Errorf("mark run interrupted: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("mark run interrupted: run %s is not running", runID)
		}

		if _, err := tx.Exec(`
			UPDATE subtask_status SET status = ?, reason = ?, updated_at = ?
			WHERE run_id = ? AND status IN (?, ?, ?)
		`, string(models.StatusCancelled), "run interrupted", ts, runID,
			string(models.StatusPending), string(models.StatusReady), string(models.StatusRunning)); err != nil {
			return fmt.Errorf("cancel unfinished subtasks: %w", err)
		}

		if _, err := tx.Exec(`
			UPDATE escalations SET outcome = ?, closed_at = ?
			WHERE run_id = ? AND outcome = ?
		`, string(models.EscalationAbandoned), ts, runID, string(models.EscalationOpen)); err != nil {
			return fmt.Errorf("abandon open escalations: %w", err)
		}
		return nil
	})
}

// RecoverInterrupted marks every interrupted run and returns what it found.
func (db *DB) RecoverInterrupted(at time.Time) ([]InterruptedRun, error) {
	runs, err := db.FindInterrupted()
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if err := db.MarkInterrupted(r.RunID, at); err != nil {
			return nil, err
		}
	}
	return runs, nil
}
