package state

import (
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step.
type migration struct {
	version int
	name    string
	stmt    string
}

// migrations must stay in version order and are never edited once released.
var migrations = []migration{
	{1, "runs", `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			graph TEXT NOT NULL,
			subtasks INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'running',
			outcome TEXT,
			started_at DATETIME NOT NULL,
			ended_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
		CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`},
	{2, "subtask_status", `
		CREATE TABLE IF NOT EXISTS subtask_status (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			subtask_id TEXT NOT NULL,
			status TEXT NOT NULL,
			worker TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			reason TEXT,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (run_id, subtask_id)
		);
		CREATE INDEX IF NOT EXISTS idx_subtask_status_status ON subtask_status(status);
	`},
	{3, "artifacts", `
		CREATE TABLE IF NOT EXISTS artifacts (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			subtask_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (run_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_artifacts_subtask ON artifacts(run_id, subtask_id);
	`},
	{4, "escalations", `
		CREATE TABLE IF NOT EXISTS escalations (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			subtask_id TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			fallback_position INTEGER NOT NULL DEFAULT 0,
			tried_workers TEXT,
			outcome TEXT NOT NULL DEFAULT 'open',
			reason TEXT,
			opened_at DATETIME NOT NULL,
			closed_at DATETIME,
			PRIMARY KEY (run_id, subtask_id)
		);
		CREATE INDEX IF NOT EXISTS idx_escalations_outcome ON escalations(outcome);
	`},
}

// LatestSchemaVersion is the version Migrate brings a journal to.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// Migrate applies every migration newer than the journal's version, each in
// its own transaction.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := db.schemaVersionLocked()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		m := m
		err := db.inTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.stmt); err != nil {
				return err
			}
			_, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration v%d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration, or 0 for a fresh file.
func (db *DB) SchemaVersion() (int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.schemaVersionLocked()
}

func (db *DB) schemaVersionLocked() (int, error) {
	var exists int
	if err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check schema_version table: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}
	var v int
	if err := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return v, nil
}
