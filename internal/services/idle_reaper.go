package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/timersync/server/internal/models"
	"github.com/timersync/server/internal/repository"
)

// ReaperStatus reports the reaper's last pass.
type ReaperStatus struct {
	Running       bool      `json:"running"`
	Enabled       bool      `json:"enabled"`
	LastRun       time.Time `json:"lastRun,omitempty"`
	TimersFound   int       `json:"timersFound"`
	TimersStopped int       `json:"timersStopped"`
}

// IdleReaper force-stops timers that no client has synced for longer
// than the idle threshold. It is the server-side counterpart of the
// client idle monitor: the client questions the user, the reaper
// questions abandoned sessions.
type IdleReaper struct {
	timerRepo repository.TimerRepo
	timers    *TimerService
	hub       *BroadcastHub
	threshold time.Duration
	interval  time.Duration
	batchSize int
	clock     clockwork.Clock

	mu       sync.RWMutex
	running  bool
	stopChan chan struct{}
	status   ReaperStatus
}

// NewIdleReaper creates a new IdleReaper
func NewIdleReaper(timerRepo repository.TimerRepo, timers *TimerService, hub *BroadcastHub, threshold, interval time.Duration, clock clockwork.Clock) *IdleReaper {
	if threshold <= 0 {
		threshold = 8 * time.Hour
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &IdleReaper{
		timerRepo: timerRepo,
		timers:    timers,
		hub:       hub,
		threshold: threshold,
		interval:  interval,
		batchSize: 100,
		clock:     clock,
		stopChan:  make(chan struct{}),
		status:    ReaperStatus{Enabled: true},
	}
}

// Start launches the background loop. Calling Start on a running
// reaper is a no-op.
func (r *IdleReaper) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.run(ctx)
	log.Info().Dur("threshold", r.threshold).Dur("interval", r.interval).Msg("idle reaper started")
}

// Stop terminates the background loop.
func (r *IdleReaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	close(r.stopChan)
	log.Info().Msg("idle reaper stopped")
}

// Status returns a copy of the current status.
func (r *IdleReaper) Status() ReaperStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status := r.status
	status.Running = r.running
	return status
}

func (r *IdleReaper) run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.Chan():
			r.ReapOnce(ctx)
		}
	}
}

// ReapOnce performs a single pass: every running timer whose
// last_synced_at is past the threshold is stopped and its siblings are
// notified, exactly as if the user had pressed stop.
func (r *IdleReaper) ReapOnce(ctx context.Context) {
	cutoff := r.clock.Now().UTC().Add(-r.threshold)
	stale, err := r.timerRepo.FetchStale(ctx, cutoff, r.batchSize)
	if err != nil {
		log.Error().Err(err).Msg("idle reaper failed to fetch stale timers")
		return
	}

	stopped := 0
	for _, timer := range stale {
		idle, err := r.timers.IsIdle(ctx, timer.UserID, r.threshold)
		if err != nil || !idle {
			continue
		}

		entry, err := r.timers.Stop(ctx, timer.UserID)
		if err != nil {
			// A client may have stopped it between fetch and here.
			if errors.Is(err, models.ErrTimerNotFound) {
				continue
			}
			log.Error().Err(err).Str("user_id", timer.UserID).Msg("idle reaper failed to stop timer")
			continue
		}
		stopped++

		if r.hub != nil {
			summary := models.EntryToSummary(entry)
			r.hub.BroadcastToUser(timer.UserID, EventTimerStopped, summary, "")
			r.hub.BroadcastToUser(timer.UserID, EventEntryCreated, summary, "")
		}
		log.Info().Str("user_id", timer.UserID).Str("entry_id", entry.ID).
			Time("last_synced_at", timer.LastSyncedAt).Msg("force-stopped abandoned timer")
	}

	r.mu.Lock()
	r.status.LastRun = r.clock.Now().UTC()
	r.status.TimersFound = len(stale)
	r.status.TimersStopped = stopped
	r.mu.Unlock()
}
