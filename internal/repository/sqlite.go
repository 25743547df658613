package repository

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// NewSQLiteDB creates and initializes a SQLite database
func NewSQLiteDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	// Serialize writers; the active_timers unique index depends on it
	// behaving as a single compare-and-swap point.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	-- Active timers: at most one per user, enforced by the unique index
	CREATE TABLE IF NOT EXISTS active_timers (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		project_id TEXT,
		task_id TEXT,
		description TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		paused_at DATETIME,
		duration INTEGER NOT NULL DEFAULT 0,
		paused_duration INTEGER NOT NULL DEFAULT 0,
		is_running INTEGER NOT NULL DEFAULT 0,
		is_paused INTEGER NOT NULL DEFAULT 0,
		sync_token TEXT NOT NULL,
		last_synced_at DATETIME NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_active_timers_last_synced ON active_timers(last_synced_at);

	-- Time entries: immutable records produced by stopping a timer
	CREATE TABLE IF NOT EXISTS time_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		project_id TEXT,
		task_id TEXT,
		description TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		ended_at DATETIME NOT NULL,
		duration INTEGER NOT NULL,
		billable INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT 'timer',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_time_entries_user_id ON time_entries(user_id);
	CREATE INDEX IF NOT EXISTS idx_time_entries_started ON time_entries(started_at);

	-- Idempotency keys: stored responses for replayed mutations
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT NOT NULL,
		user_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		response TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (key, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_created ON idempotency_keys(created_at);
	`

	_, err := db.Exec(schema)
	return err
}
