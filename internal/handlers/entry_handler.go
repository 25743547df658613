package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/timersync/server/internal/middleware"
	"github.com/timersync/server/internal/models"
	"github.com/timersync/server/internal/repository"
)

// EntryHandler serves the immutable time entries produced by stopped
// timers. Entries are read-only over the API; the only writer is the
// stop transition.
type EntryHandler struct {
	entries repository.EntryRepo
}

// NewEntryHandler creates a new EntryHandler
func NewEntryHandler(entries repository.EntryRepo) *EntryHandler {
	return &EntryHandler{entries: entries}
}

// List handles GET /api/entries — the user's entries, most recent
// first. Supports skip/take pagination.
func (h *EntryHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserIDFromContext(r.Context())

	skip, take := 0, 50
	if s := r.URL.Query().Get("skip"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v >= 0 {
			skip = v
		}
	}
	if t := r.URL.Query().Get("take"); t != "" {
		if v, err := strconv.Atoi(t); err == nil && v >= 1 && v <= 100 {
			take = v
		}
	}

	entries, err := h.entries.GetByUser(r.Context(), userID, skip, take)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list time entries.")
		return
	}

	summaries := make([]models.TimeEntrySummary, 0, len(entries))
	for _, entry := range entries {
		summaries = append(summaries, models.EntryToSummary(entry))
	}
	respondJSON(w, http.StatusOK, summaries)
}

// Get handles GET /api/entries/{id}.
func (h *EntryHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserIDFromContext(r.Context())
	entryID := chi.URLParam(r, "id")

	entry, err := h.entries.GetByID(r.Context(), entryID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load time entry.")
		return
	}
	if entry == nil || entry.UserID != userID {
		respondJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "time entry not found", Code: "not_found"})
		return
	}

	respondJSON(w, http.StatusOK, models.EntryToSummary(entry))
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, models.ErrorResponse{Error: message})
}
