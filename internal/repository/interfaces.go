package repository

import (
	"context"
	"time"

	"github.com/timersync/server/internal/models"
)

// TimerRepo defines persistence for the per-user active timer.
type TimerRepo interface {
	// GetByUser returns the user's active timer, or nil if none exists.
	GetByUser(ctx context.Context, userID string) (*models.ActiveTimer, error)
	// Create inserts a new active timer. Returns models.ErrTimerConflict
	// if the user already has one; the unique index on user_id makes
	// this safe under concurrent starts.
	Create(ctx context.Context, timer *models.ActiveTimer) error
	// Update persists mutable timer fields.
	Update(ctx context.Context, timer *models.ActiveTimer) error
	// Stop atomically deletes the timer and records its TimeEntry.
	Stop(ctx context.Context, timer *models.ActiveTimer, entry *models.TimeEntry) error
	// FetchStale returns running timers whose last_synced_at is at or
	// before the cutoff. Used by the idle reaper.
	FetchStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.ActiveTimer, error)
}

// EntryRepo defines persistence for immutable time entries.
type EntryRepo interface {
	GetByID(ctx context.Context, id string) (*models.TimeEntry, error)
	GetByUser(ctx context.Context, userID string, skip, take int) ([]*models.TimeEntry, error)
}

// IdempotencyRepo stores responses of applied mutations keyed by the
// client-supplied idempotency key, so replays after ambiguous network
// failures are no-ops.
type IdempotencyRepo interface {
	// Get returns the stored response for a key, or nil if unseen.
	Get(ctx context.Context, userID, key string) (*StoredResponse, error)
	// Put records the response for a key. Duplicate puts keep the first.
	Put(ctx context.Context, userID, key, operation string, statusCode int, response []byte) error
	// Purge removes records older than the cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// StoredResponse is a previously returned mutation response.
type StoredResponse struct {
	Operation  string
	StatusCode int
	Body       []byte
	CreatedAt  time.Time
}
