package repository

import (
	"context"
	"database/sql"

	"github.com/timersync/server/internal/models"
)

// EntryRepository reads back immutable time entries. Entries are only
// ever written through TimerRepository.Stop.
type EntryRepository struct {
	db *sql.DB
}

// NewEntryRepository creates a new EntryRepository
func NewEntryRepository(db *sql.DB) *EntryRepository {
	return &EntryRepository{db: db}
}

const entryColumns = `id, user_id, project_id, task_id, description, started_at, ended_at,
	duration, billable, source, created_at`

// GetByID retrieves a time entry by ID, or nil if absent.
func (r *EntryRepository) GetByID(ctx context.Context, id string) (*models.TimeEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM time_entries WHERE id = $1`
	return scanEntry(r.db.QueryRowContext(ctx, query, id))
}

// GetByUser retrieves a user's entries, most recent first.
func (r *EntryRepository) GetByUser(ctx context.Context, userID string, skip, take int) ([]*models.TimeEntry, error) {
	if take <= 0 {
		take = 50
	}
	query := `SELECT ` + entryColumns + ` FROM time_entries
		WHERE user_id = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, userID, take, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.TimeEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanEntry(row rowScanner) (*models.TimeEntry, error) {
	var entry models.TimeEntry
	err := row.Scan(
		&entry.ID,
		&entry.UserID,
		&entry.ProjectID,
		&entry.TaskID,
		&entry.Description,
		&entry.StartedAt,
		&entry.EndedAt,
		&entry.Duration,
		&entry.Billable,
		&entry.Source,
		&entry.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
