package handlers

import (
	"net/http"

	"github.com/timersync/server/internal/services"
)

// ReaperHandler exposes the idle reaper's status and a manual trigger
// for operators.
type ReaperHandler struct {
	reaper *services.IdleReaper
}

// NewReaperHandler creates a new ReaperHandler
func NewReaperHandler(reaper *services.IdleReaper) *ReaperHandler {
	return &ReaperHandler{reaper: reaper}
}

// GetStatus handles GET /api/admin/reaper
func (h *ReaperHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.reaper.Status())
}

// RunNow handles POST /api/admin/reaper/run — one immediate pass over
// stale timers, regardless of whether the background loop is enabled.
func (h *ReaperHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	h.reaper.ReapOnce(r.Context())
	respondJSON(w, http.StatusOK, h.reaper.Status())
}
