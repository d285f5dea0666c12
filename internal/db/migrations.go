package db

import (
	"fmt"
)

// Migrate runs all database migrations
func (db *DB) Migrate() error {
	// Create migrations table if not exists
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migration001},
		{2, migration002},
		{3, migration003},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to run migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

const migration001 = `
-- Scheduled scans of a single root
CREATE TABLE scheduled_jobs (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    root TEXT NOT NULL,
    cron_expression TEXT NOT NULL,
    auto_link BOOLEAN DEFAULT 0,
    enabled BOOLEAN DEFAULT 1,
    last_run_at DATETIME,
    next_run_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Scan runs (history)
CREATE TABLE scan_runs (
    id INTEGER PRIMARY KEY,
    scheduled_job_id INTEGER,
    root TEXT NOT NULL,
    protected BOOLEAN DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'running',
    started_at DATETIME NOT NULL,
    completed_at DATETIME,
    files_scanned INTEGER DEFAULT 0,
    files_hashed INTEGER DEFAULT 0,
    files_skipped INTEGER DEFAULT 0,
    duplicate_groups INTEGER DEFAULT 0,
    duplicate_files INTEGER DEFAULT 0,
    wasted_bytes INTEGER DEFAULT 0,
    error_message TEXT
);

CREATE INDEX idx_scan_runs_status ON scan_runs(status);
CREATE INDEX idx_scan_runs_started_at ON scan_runs(started_at);

-- Duplicate groups, master first in files
CREATE TABLE duplicate_groups (
    id INTEGER PRIMARY KEY,
    scan_run_id INTEGER NOT NULL,
    position INTEGER NOT NULL DEFAULT 0,
    file_hash TEXT NOT NULL,
    file_size INTEGER NOT NULL,
    file_count INTEGER NOT NULL,
    wasted_bytes INTEGER NOT NULL,
    status TEXT DEFAULT 'pending',
    files TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX idx_duplicate_groups_scan_run_id ON duplicate_groups(scan_run_id);
CREATE INDEX idx_duplicate_groups_status ON duplicate_groups(status);

-- Link passes (audit log)
CREATE TABLE actions (
    id INTEGER PRIMARY KEY,
    scan_run_id INTEGER NOT NULL,
    action_type TEXT NOT NULL,
    groups_total INTEGER DEFAULT 0,
    groups_processed INTEGER DEFAULT 0,
    files_linked INTEGER DEFAULT 0,
    files_failed INTEGER DEFAULT 0,
    restore_failures INTEGER DEFAULT 0,
    bytes_saved INTEGER DEFAULT 0,
    cancelled BOOLEAN DEFAULT 0,
    started_at DATETIME NOT NULL,
    completed_at DATETIME,
    status TEXT NOT NULL DEFAULT 'running',
    error_message TEXT
);

CREATE INDEX idx_actions_scan_run_id ON actions(scan_run_id);
CREATE INDEX idx_actions_started_at ON actions(started_at);

-- Files of a link pass that did not end linked
CREATE TABLE action_failures (
    id INTEGER PRIMARY KEY,
    action_id INTEGER NOT NULL,
    path TEXT NOT NULL,
    master TEXT NOT NULL,
    status TEXT NOT NULL,
    reason TEXT NOT NULL,
    temp_path TEXT
);

CREATE INDEX idx_action_failures_action_id ON action_failures(action_id);
`

const migration002 = `
-- App settings (key-value store)
CREATE TABLE settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const migration003 = `
-- Modification times seen by the scan, checked again before linking
ALTER TABLE duplicate_groups ADD COLUMN file_times TEXT NOT NULL DEFAULT '[]';
`
