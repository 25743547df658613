package repository

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timersync/server/internal/models"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "timers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestTimer(t *testing.T, userID string, startedAt time.Time) *models.ActiveTimer {
	t.Helper()
	timer, err := models.NewActiveTimer(userID, nil, nil, "test work", startedAt)
	require.NoError(t, err)
	return timer
}

func TestTimerRepository_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	repo := NewTimerRepository(db)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	t.Run("roundtrips a timer", func(t *testing.T) {
		timer := newTestTimer(t, "user-rt", start)
		timer.Metadata = map[string]string{"source": "web"}
		require.NoError(t, repo.Create(ctx, timer))

		got, err := repo.GetByUser(ctx, "user-rt")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, timer.ID, got.ID)
		assert.Equal(t, timer.SyncToken, got.SyncToken)
		assert.True(t, got.IsRunning)
		assert.Equal(t, "web", got.Metadata["source"])
		assert.True(t, timer.StartedAt.Equal(got.StartedAt))
	})

	t.Run("returns nil for user without a timer", func(t *testing.T) {
		got, err := repo.GetByUser(ctx, "user-none")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("second timer for same user conflicts", func(t *testing.T) {
		first := newTestTimer(t, "user-dup", start)
		require.NoError(t, repo.Create(ctx, first))

		second := newTestTimer(t, "user-dup", start.Add(time.Minute))
		err := repo.Create(ctx, second)
		assert.ErrorIs(t, err, models.ErrTimerConflict)

		// The first timer survives the lost race.
		got, err := repo.GetByUser(ctx, "user-dup")
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
	})
}

func TestTimerRepository_Update(t *testing.T) {
	db := newTestDB(t)
	repo := NewTimerRepository(db)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	t.Run("persists pause state", func(t *testing.T) {
		timer := newTestTimer(t, "user-up", start)
		require.NoError(t, repo.Create(ctx, timer))

		timer.Pause(start.Add(65 * time.Second))
		require.NoError(t, repo.Update(ctx, timer))

		got, err := repo.GetByUser(ctx, "user-up")
		require.NoError(t, err)
		assert.False(t, got.IsRunning)
		assert.True(t, got.IsPaused)
		assert.Equal(t, int64(65), got.Duration)
		require.NotNil(t, got.PausedAt)
	})

	t.Run("unknown timer returns not found", func(t *testing.T) {
		timer := newTestTimer(t, "user-ghost", start)
		err := repo.Update(ctx, timer)
		assert.ErrorIs(t, err, models.ErrTimerNotFound)
	})
}

func TestTimerRepository_Stop(t *testing.T) {
	db := newTestDB(t)
	timers := NewTimerRepository(db)
	entries := NewEntryRepository(db)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	t.Run("deletes timer and records entry atomically", func(t *testing.T) {
		timer := newTestTimer(t, "user-stop", start)
		require.NoError(t, timers.Create(ctx, timer))

		entry := timer.Stop(start.Add(75 * time.Second))
		require.NoError(t, timers.Stop(ctx, timer, entry))

		gone, err := timers.GetByUser(ctx, "user-stop")
		require.NoError(t, err)
		assert.Nil(t, gone)

		got, err := entries.GetByID(ctx, entry.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, int64(75), got.Duration)
		assert.Equal(t, "timer", got.Source)

		// A second user can start immediately after; so can this one.
		again := newTestTimer(t, "user-stop", start.Add(2*time.Minute))
		assert.NoError(t, timers.Create(ctx, again))
	})

	t.Run("stopping a missing timer returns not found", func(t *testing.T) {
		timer := newTestTimer(t, "user-missing", start)
		entry := timer.Stop(start.Add(time.Second))
		err := timers.Stop(ctx, timer, entry)
		assert.ErrorIs(t, err, models.ErrTimerNotFound)
	})
}

func TestTimerRepository_FetchStale(t *testing.T) {
	db := newTestDB(t)
	repo := NewTimerRepository(db)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	stale := newTestTimer(t, "user-stale", start)
	stale.LastSyncedAt = start
	require.NoError(t, repo.Create(ctx, stale))

	fresh := newTestTimer(t, "user-fresh", start)
	fresh.LastSyncedAt = start.Add(30 * time.Minute)
	require.NoError(t, repo.Create(ctx, fresh))

	paused := newTestTimer(t, "user-paused", start)
	paused.Pause(start.Add(time.Minute))
	paused.LastSyncedAt = start
	require.NoError(t, repo.Create(ctx, paused))

	got, err := repo.FetchStale(ctx, start.Add(10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "user-stale", got[0].UserID)
}

func TestEntryRepository_GetByUser(t *testing.T) {
	db := newTestDB(t)
	timers := NewTimerRepository(db)
	entries := NewEntryRepository(db)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		timer := newTestTimer(t, "user-list", start.Add(time.Duration(i)*time.Hour))
		require.NoError(t, timers.Create(ctx, timer))
		entry := timer.Stop(start.Add(time.Duration(i)*time.Hour + time.Minute))
		require.NoError(t, timers.Stop(ctx, timer, entry))
	}

	got, err := entries.GetByUser(ctx, "user-list", 0, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Most recent first.
	assert.True(t, got[0].StartedAt.After(got[1].StartedAt))
}

func TestIdempotencyRepository(t *testing.T) {
	db := newTestDB(t)
	repo := NewIdempotencyRepository(db)
	ctx := context.Background()

	t.Run("unseen key returns nil", func(t *testing.T) {
		got, err := repo.Get(ctx, "user-1", "key-unseen")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("stores and replays a response", func(t *testing.T) {
		body := []byte(`{"id":"entry-1"}`)
		require.NoError(t, repo.Put(ctx, "user-1", "key-1", "stop", 200, body))

		got, err := repo.Get(ctx, "user-1", "key-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "stop", got.Operation)
		assert.Equal(t, 200, got.StatusCode)
		assert.JSONEq(t, string(body), string(got.Body))
	})

	t.Run("duplicate put keeps the first response", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "user-1", "key-1", "stop", 500, []byte(`{"late":true}`)))

		got, err := repo.Get(ctx, "user-1", "key-1")
		require.NoError(t, err)
		assert.Equal(t, 200, got.StatusCode)
	})

	t.Run("keys are scoped per user", func(t *testing.T) {
		got, err := repo.Get(ctx, "user-2", "key-1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("purge drops old records", func(t *testing.T) {
		n, err := repo.Purge(ctx, time.Now().UTC().Add(time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))
	})
}
