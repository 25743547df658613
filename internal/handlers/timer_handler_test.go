package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timersync/server/internal/middleware"
	"github.com/timersync/server/internal/models"
	"github.com/timersync/server/internal/repository"
	"github.com/timersync/server/internal/services"
)

type handlerHarness struct {
	router *chi.Mux
	clock  *clockwork.FakeClock
	db     *sql.DB
}

func newHarness(t *testing.T) *handlerHarness {
	t.Helper()

	db, err := repository.NewSQLiteDB(filepath.Join(t.TempDir(), "timers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	timers := services.NewTimerService(repository.NewTimerRepository(db), nil, clock)
	handler := NewTimerHandler(timers, repository.NewIdempotencyRepository(db), nil)

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Header.Get(middleware.UserIDHeader)
			next.ServeHTTP(w, r.WithContext(middleware.WithUserID(r.Context(), userID)))
		})
	})
	router.Route("/api/timer", func(r chi.Router) {
		r.Get("/", handler.Current)
		r.Post("/start", handler.Start)
		r.Post("/pause", handler.Pause)
		r.Post("/resume", handler.Resume)
		r.Post("/stop", handler.Stop)
		r.Post("/sync", handler.Sync)
	})

	return &handlerHarness{router: router, clock: clock, db: db}
}

func (h *handlerHarness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(middleware.UserIDHeader, "user-1")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) models.TimerSnapshot {
	t.Helper()
	var snap models.TimerSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	return snap
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Code
}

func TestTimerHandler_Lifecycle(t *testing.T) {
	h := newHarness(t)

	t.Run("current without a timer is 404", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/api/timer", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "not_found", decodeErrorCode(t, rec))
	})

	t.Run("start returns a running snapshot", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/timer/start",
			models.StartTimerRequest{Description: "deep work"}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)

		snap := decodeSnapshot(t, rec)
		assert.True(t, snap.IsRunning)
		assert.Equal(t, "deep work", snap.Description)
		assert.Equal(t, int64(0), snap.CurrentDuration)
		assert.NotEmpty(t, snap.SyncToken)
	})

	t.Run("second start is a conflict", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/timer/start", models.StartTimerRequest{}, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "conflict", decodeErrorCode(t, rec))
	})

	t.Run("pause freezes the duration", func(t *testing.T) {
		h.clock.Advance(65 * time.Second)
		rec := h.do(t, http.MethodPost, "/api/timer/pause", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		snap := decodeSnapshot(t, rec)
		assert.True(t, snap.IsPaused)
		assert.Equal(t, int64(65), snap.Duration)
		assert.Equal(t, "00:01:05", snap.FormattedDuration)
	})

	t.Run("resume excludes the pause gap", func(t *testing.T) {
		h.clock.Advance(30 * time.Second)
		rec := h.do(t, http.MethodPost, "/api/timer/resume", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		snap := decodeSnapshot(t, rec)
		assert.True(t, snap.IsRunning)
		assert.Equal(t, int64(30), snap.PausedDuration)
	})

	t.Run("stop returns the entry summary", func(t *testing.T) {
		h.clock.Advance(10 * time.Second)
		rec := h.do(t, http.MethodPost, "/api/timer/stop", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var summary models.TimeEntrySummary
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
		assert.Equal(t, int64(75), summary.Duration)
		assert.Equal(t, "00:01:15", summary.FormattedDuration)
		assert.Equal(t, "timer", summary.Source)
	})

	t.Run("stop without a timer is 404", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/timer/stop", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestTimerHandler_Sync(t *testing.T) {
	h := newHarness(t)

	start := h.do(t, http.MethodPost, "/api/timer/start", models.StartTimerRequest{}, nil)
	require.Equal(t, http.StatusCreated, start.Code)
	token := decodeSnapshot(t, start).SyncToken

	t.Run("merges whitelisted fields", func(t *testing.T) {
		desc := "updated from tab"
		rec := h.do(t, http.MethodPost, "/api/timer/sync", models.SyncTimerRequest{
			SyncToken:   token,
			Description: &desc,
			Metadata:    map[string]string{"client": "web"},
		}, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		snap := decodeSnapshot(t, rec)
		assert.Equal(t, desc, snap.Description)
		assert.Equal(t, "web", snap.Metadata["client"])
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/timer/sync",
			map[string]any{"sync_token": token, "started_at": "2020-01-01T00:00:00Z"}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("contradictory flags are unprocessable", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/timer/sync",
			map[string]any{"sync_token": token, "is_running": true, "is_paused": true}, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "validation", decodeErrorCode(t, rec))

		current := h.do(t, http.MethodGet, "/api/timer", nil, nil)
		require.Equal(t, http.StatusOK, current.Code)
		snap := decodeSnapshot(t, current)
		assert.True(t, snap.IsRunning)
		assert.False(t, snap.IsPaused)
	})

	t.Run("stale token is rejected with its own code", func(t *testing.T) {
		desc := "from a stale tab"
		rec := h.do(t, http.MethodPost, "/api/timer/sync", models.SyncTimerRequest{
			SyncToken:   "stale-token",
			Description: &desc,
		}, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "stale_sync", decodeErrorCode(t, rec))
	})
}

func TestTimerHandler_Idempotency(t *testing.T) {
	h := newHarness(t)

	start := h.do(t, http.MethodPost, "/api/timer/start", models.StartTimerRequest{}, nil)
	require.Equal(t, http.StatusCreated, start.Code)
	h.clock.Advance(time.Minute)

	headers := map[string]string{IdempotencyKeyHeader: "queue-req-1"}

	first := h.do(t, http.MethodPost, "/api/timer/stop", nil, headers)
	require.Equal(t, http.StatusOK, first.Code)

	// The replay must return the stored response, not a 404 from the
	// now-missing timer.
	second := h.do(t, http.MethodPost, "/api/timer/stop", nil, headers)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	// A different key sees the real state.
	third := h.do(t, http.MethodPost, "/api/timer/stop", nil,
		map[string]string{IdempotencyKeyHeader: "queue-req-2"})
	assert.Equal(t, http.StatusNotFound, third.Code)
}

func TestTimerHandler_Broadcasts(t *testing.T) {
	db, err := repository.NewSQLiteDB(filepath.Join(t.TempDir(), "timers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	timers := services.NewTimerService(repository.NewTimerRepository(db), nil, clock)
	hub := services.NewBroadcastHub(clock)
	go hub.Run()
	handler := NewTimerHandler(timers, nil, hub)

	sibling := hub.NewTab("tab-b", "user-1", nil)
	hub.Register(sibling)
	require.Eventually(t, func() bool {
		return hub.UserTabCount("user-1") == 1
	}, time.Second, 5*time.Millisecond)

	req := httptest.NewRequest(http.MethodPost, "/api/timer/start", bytes.NewReader([]byte(`{}`)))
	req.Header.Set(TabIDHeader, "tab-a")
	req = req.WithContext(middleware.WithUserID(context.Background(), "user-1"))
	rec := httptest.NewRecorder()
	handler.Start(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	select {
	case raw := <-sibling.Send:
		var msg services.TabMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, services.EventTimerStarted, msg.Type)
		assert.Equal(t, "tab-a", msg.TabID)
	case <-time.After(2 * time.Second):
		t.Fatal("sibling tab did not receive the broadcast")
	}
}
