package repository

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// NewPostgresDB creates and initializes a PostgreSQL database connection
func NewPostgresDB(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := createPostgresTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createPostgresTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS active_timers (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		project_id TEXT,
		task_id TEXT,
		description TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		paused_at TIMESTAMPTZ,
		duration BIGINT NOT NULL DEFAULT 0,
		paused_duration BIGINT NOT NULL DEFAULT 0,
		is_running BOOLEAN NOT NULL DEFAULT FALSE,
		is_paused BOOLEAN NOT NULL DEFAULT FALSE,
		sync_token TEXT NOT NULL,
		last_synced_at TIMESTAMPTZ NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_active_timers_last_synced ON active_timers(last_synced_at);

	CREATE TABLE IF NOT EXISTS time_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		project_id TEXT,
		task_id TEXT,
		description TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL,
		duration BIGINT NOT NULL,
		billable BOOLEAN NOT NULL DEFAULT FALSE,
		source TEXT NOT NULL DEFAULT 'timer',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_time_entries_user_id ON time_entries(user_id);
	CREATE INDEX IF NOT EXISTS idx_time_entries_started ON time_entries(started_at);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT NOT NULL,
		user_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		response TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (key, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_created ON idempotency_keys(created_at);
	`

	_, err := db.Exec(schema)
	return err
}
