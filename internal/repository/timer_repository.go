package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/timersync/server/internal/models"
)

// TimerRepository persists active timers. It works against both SQLite
// and PostgreSQL; $N placeholders are understood by both drivers.
type TimerRepository struct {
	db *sql.DB
}

// NewTimerRepository creates a new TimerRepository
func NewTimerRepository(db *sql.DB) *TimerRepository {
	return &TimerRepository{db: db}
}

const timerColumns = `id, user_id, project_id, task_id, description, started_at, paused_at,
	duration, paused_duration, is_running, is_paused, sync_token, last_synced_at, metadata`

// GetByUser returns the user's active timer, or nil if none exists.
func (r *TimerRepository) GetByUser(ctx context.Context, userID string) (*models.ActiveTimer, error) {
	query := `SELECT ` + timerColumns + ` FROM active_timers WHERE user_id = $1`
	return scanTimer(r.db.QueryRowContext(ctx, query, userID))
}

// Create inserts a new active timer. The unique index on user_id turns
// a lost race between concurrent starts into ErrTimerConflict.
func (r *TimerRepository) Create(ctx context.Context, timer *models.ActiveTimer) error {
	meta, err := json.Marshal(timer.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `INSERT INTO active_timers (` + timerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = r.db.ExecContext(ctx, query,
		timer.ID,
		timer.UserID,
		timer.ProjectID,
		timer.TaskID,
		timer.Description,
		timer.StartedAt,
		timer.PausedAt,
		timer.Duration,
		timer.PausedDuration,
		timer.IsRunning,
		timer.IsPaused,
		timer.SyncToken,
		timer.LastSyncedAt,
		string(meta),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrTimerConflict
		}
		return err
	}
	return nil
}

// Update persists mutable timer fields.
func (r *TimerRepository) Update(ctx context.Context, timer *models.ActiveTimer) error {
	meta, err := json.Marshal(timer.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `UPDATE active_timers SET
		project_id = $1, task_id = $2, description = $3, paused_at = $4,
		duration = $5, paused_duration = $6, is_running = $7, is_paused = $8,
		last_synced_at = $9, metadata = $10
		WHERE id = $11`

	result, err := r.db.ExecContext(ctx, query,
		timer.ProjectID,
		timer.TaskID,
		timer.Description,
		timer.PausedAt,
		timer.Duration,
		timer.PausedDuration,
		timer.IsRunning,
		timer.IsPaused,
		timer.LastSyncedAt,
		string(meta),
		timer.ID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return models.ErrTimerNotFound
	}
	return nil
}

// Stop atomically deletes the timer and records its TimeEntry in a
// single transaction, so a crash never leaves both or neither.
func (r *TimerRepository) Stop(ctx context.Context, timer *models.ActiveTimer, entry *models.TimeEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM active_timers WHERE id = $1`, timer.ID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return models.ErrTimerNotFound
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO time_entries
		(id, user_id, project_id, task_id, description, started_at, ended_at, duration, billable, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID,
		entry.UserID,
		entry.ProjectID,
		entry.TaskID,
		entry.Description,
		entry.StartedAt,
		entry.EndedAt,
		entry.Duration,
		entry.Billable,
		entry.Source,
		entry.CreatedAt,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// FetchStale returns running timers whose last_synced_at is at or
// before the cutoff, oldest first.
func (r *TimerRepository) FetchStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.ActiveTimer, error) {
	query := `SELECT ` + timerColumns + ` FROM active_timers
		WHERE is_running = $1 AND last_synced_at <= $2
		ORDER BY last_synced_at ASC LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, true, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timers []*models.ActiveTimer
	for rows.Next() {
		timer, err := scanTimer(rows)
		if err != nil {
			return nil, err
		}
		timers = append(timers, timer)
	}
	return timers, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTimer(row rowScanner) (*models.ActiveTimer, error) {
	var timer models.ActiveTimer
	var meta string

	err := row.Scan(
		&timer.ID,
		&timer.UserID,
		&timer.ProjectID,
		&timer.TaskID,
		&timer.Description,
		&timer.StartedAt,
		&timer.PausedAt,
		&timer.Duration,
		&timer.PausedDuration,
		&timer.IsRunning,
		&timer.IsPaused,
		&timer.SyncToken,
		&timer.LastSyncedAt,
		&meta,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &timer.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &timer, nil
}

// isUniqueViolation recognizes unique-index violations from both drivers.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
