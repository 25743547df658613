package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/timersync/server/internal/middleware"
	"github.com/timersync/server/internal/models"
	"github.com/timersync/server/internal/repository"
	"github.com/timersync/server/internal/services"
)

// IdempotencyKeyHeader carries the client queue's request id so that a
// replayed mutation returns the original response instead of
// re-applying. Required for safe offline-queue replay after ambiguous
// network failures.
const IdempotencyKeyHeader = "X-Idempotency-Key"

// TabIDHeader names the originating tab so its own broadcast is not
// echoed back to it.
const TabIDHeader = "X-Tab-Id"

// TimerHandler handles the active-timer endpoints
type TimerHandler struct {
	timers      *services.TimerService
	idempotency repository.IdempotencyRepo
	hub         *services.BroadcastHub
}

// NewTimerHandler creates a new TimerHandler
func NewTimerHandler(timers *services.TimerService, idempotency repository.IdempotencyRepo, hub *services.BroadcastHub) *TimerHandler {
	return &TimerHandler{
		timers:      timers,
		idempotency: idempotency,
		hub:         hub,
	}
}

// Current handles GET /api/timer — returns the active timer snapshot.
func (h *TimerHandler) Current(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserIDFromContext(r.Context())

	timer, err := h.timers.Current(r.Context(), userID)
	if err != nil {
		h.respondTimerError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, h.timers.Snapshot(r.Context(), timer))
}

// Start handles POST /api/timer/start
func (h *TimerHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserIDFromContext(r.Context())
	if h.replayed(w, r, userID, "start") {
		return
	}

	var req models.StartTimerRequest
	if r.ContentLength > 0 {
		if err := decodeStrict(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body.")
			return
		}
	}

	timer, err := h.timers.Start(r.Context(), userID, req)
	if err != nil {
		h.respondTimerError(w, err)
		return
	}

	snapshot := h.timers.Snapshot(r.Context(), timer)
	h.record(r, userID, "start", http.StatusCreated, snapshot)
	h.broadcast(r, userID, services.EventTimerStarted, snapshot)
	respondJSON(w, http.StatusCreated, snapshot)
}

// Pause handles POST /api/timer/pause
func (h *TimerHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "pause", services.EventTimerPaused, h.timers.Pause)
}

// Resume handles POST /api/timer/resume
func (h *TimerHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "resume", services.EventTimerResumed, h.timers.Resume)
}

// Stop handles POST /api/timer/stop — converts the timer into an
// immutable time entry and returns its summary.
func (h *TimerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserIDFromContext(r.Context())
	if h.replayed(w, r, userID, "stop") {
		return
	}

	entry, err := h.timers.Stop(r.Context(), userID)
	if err != nil {
		h.respondTimerError(w, err)
		return
	}

	summary := models.EntryToSummary(entry)
	h.record(r, userID, "stop", http.StatusOK, summary)
	h.broadcast(r, userID, services.EventTimerStopped, summary)
	h.broadcast(r, userID, services.EventEntryCreated, summary)
	respondJSON(w, http.StatusOK, summary)
}

// Sync handles POST /api/timer/sync — merges whitelisted client fields
// and stamps last_synced_at.
func (h *TimerHandler) Sync(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserIDFromContext(r.Context())
	if h.replayed(w, r, userID, "sync") {
		return
	}

	var req models.SyncTimerRequest
	if err := decodeStrict(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: unknown or malformed fields.")
		return
	}

	timer, err := h.timers.SyncFromClient(r.Context(), userID, req)
	if err != nil {
		h.respondTimerError(w, err)
		return
	}

	snapshot := h.timers.Snapshot(r.Context(), timer)
	h.record(r, userID, "sync", http.StatusOK, snapshot)
	h.broadcast(r, userID, services.EventTimerSynced, snapshot)
	respondJSON(w, http.StatusOK, snapshot)
}

// transition implements pause/resume, which share request and response
// shape.
func (h *TimerHandler) transition(w http.ResponseWriter, r *http.Request, op, event string, fn func(ctx context.Context, userID string) (*models.ActiveTimer, error)) {
	userID := middleware.GetUserIDFromContext(r.Context())
	if h.replayed(w, r, userID, op) {
		return
	}

	timer, err := fn(r.Context(), userID)
	if err != nil {
		h.respondTimerError(w, err)
		return
	}

	snapshot := h.timers.Snapshot(r.Context(), timer)
	h.record(r, userID, op, http.StatusOK, snapshot)
	h.broadcast(r, userID, event, snapshot)
	respondJSON(w, http.StatusOK, snapshot)
}

// replayed serves the stored response for an already-seen idempotency
// key. Returns true when the request has been fully handled.
func (h *TimerHandler) replayed(w http.ResponseWriter, r *http.Request, userID, op string) bool {
	key := r.Header.Get(IdempotencyKeyHeader)
	if key == "" || h.idempotency == nil {
		return false
	}

	stored, err := h.idempotency.Get(r.Context(), userID, key)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("idempotency lookup failed")
		return false
	}
	if stored == nil {
		return false
	}

	log.Debug().Str("key", key).Str("operation", stored.Operation).Msg("replayed idempotent request")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(stored.StatusCode)
	w.Write(stored.Body)
	return true
}

// record stores the response body under the request's idempotency key.
func (h *TimerHandler) record(r *http.Request, userID, op string, status int, body interface{}) {
	key := r.Header.Get(IdempotencyKeyHeader)
	if key == "" || h.idempotency == nil {
		return
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	if err := h.idempotency.Put(r.Context(), userID, key, op, status, raw); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to record idempotency key")
	}
}

// broadcast notifies the user's other tabs; the originating tab
// (X-Tab-Id) is excluded.
func (h *TimerHandler) broadcast(r *http.Request, userID, event string, payload interface{}) {
	if h.hub == nil {
		return
	}
	h.hub.BroadcastToUser(userID, event, payload, r.Header.Get(TabIDHeader))
}

// respondTimerError maps the service error taxonomy onto HTTP status codes.
func (h *TimerHandler) respondTimerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrTimerConflict):
		respondJSON(w, http.StatusConflict, models.ErrorResponse{Error: err.Error(), Code: "conflict"})
	case errors.Is(err, models.ErrTimerNotFound):
		respondJSON(w, http.StatusNotFound, models.ErrorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, models.ErrStaleSync):
		respondJSON(w, http.StatusConflict, models.ErrorResponse{Error: err.Error(), Code: "stale_sync"})
	default:
		var validation *models.ValidationError
		if errors.As(err, &validation) {
			respondJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{Error: validation.Error(), Code: "validation"})
			return
		}
		log.Error().Err(err).Msg("timer operation failed")
		respondError(w, http.StatusInternalServerError, "Internal server error.")
	}
}

// decodeStrict decodes JSON rejecting unknown top-level fields, so
// clients cannot smuggle non-whitelisted data through sync.
func decodeStrict(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
