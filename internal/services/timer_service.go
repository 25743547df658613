package services

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/timersync/server/internal/models"
	"github.com/timersync/server/internal/repository"
)

// RefValidator resolves project and task references. Ownership of
// projects and tasks lives outside this service; implementations are
// expected to consult whatever system owns them.
type RefValidator interface {
	// Project returns a summary for the project, or a
	// *models.ValidationError if the reference is invalid for the user.
	Project(ctx context.Context, userID, projectID string) (*models.RefSummary, error)
	// Task does the same for tasks.
	Task(ctx context.Context, userID, taskID string) (*models.RefSummary, error)
}

// AllowAllValidator accepts every reference. Used when no project/task
// service is wired in.
type AllowAllValidator struct{}

func (AllowAllValidator) Project(ctx context.Context, userID, projectID string) (*models.RefSummary, error) {
	return &models.RefSummary{ID: projectID}, nil
}

func (AllowAllValidator) Task(ctx context.Context, userID, taskID string) (*models.RefSummary, error) {
	return &models.RefSummary{ID: taskID}, nil
}

// TimerService owns the active-timer state machine. All transitions go
// through here; the repository's unique index on user_id is the only
// other enforcement point.
type TimerService struct {
	repo      repository.TimerRepo
	validator RefValidator
	clock     clockwork.Clock
}

// NewTimerService creates a new TimerService
func NewTimerService(repo repository.TimerRepo, validator RefValidator, clock clockwork.Clock) *TimerService {
	if validator == nil {
		validator = AllowAllValidator{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TimerService{repo: repo, validator: validator, clock: clock}
}

// Current returns the user's active timer, or models.ErrTimerNotFound.
func (s *TimerService) Current(ctx context.Context, userID string) (*models.ActiveTimer, error) {
	timer, err := s.repo.GetByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if timer == nil {
		return nil, models.ErrTimerNotFound
	}
	return timer, nil
}

// Start creates the user's active timer. Returns models.ErrTimerConflict
// if one already exists; the insert itself is the compare-and-swap, so
// two tabs racing to start still produce exactly one timer.
func (s *TimerService) Start(ctx context.Context, userID string, req models.StartTimerRequest) (*models.ActiveTimer, error) {
	if err := s.validateRefs(ctx, userID, req.ProjectID, req.TaskID); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	timer, err := models.NewActiveTimer(userID, req.ProjectID, req.TaskID, req.Description, now)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, timer); err != nil {
		return nil, err
	}

	log.Info().Str("user_id", userID).Str("timer_id", timer.ID).Msg("timer started")
	return timer, nil
}

// Pause freezes the running timer. Pausing a paused timer is a no-op.
func (s *TimerService) Pause(ctx context.Context, userID string) (*models.ActiveTimer, error) {
	timer, err := s.Current(ctx, userID)
	if err != nil {
		return nil, err
	}
	if timer.IsPaused {
		return timer, nil
	}

	timer.Pause(s.clock.Now().UTC())
	if err := s.repo.Update(ctx, timer); err != nil {
		return nil, err
	}

	log.Info().Str("user_id", userID).Str("timer_id", timer.ID).
		Int64("duration", timer.Duration).Msg("timer paused")
	return timer, nil
}

// Resume restarts the paused timer. Resuming a running timer is a no-op.
func (s *TimerService) Resume(ctx context.Context, userID string) (*models.ActiveTimer, error) {
	timer, err := s.Current(ctx, userID)
	if err != nil {
		return nil, err
	}
	if timer.IsRunning {
		return timer, nil
	}

	timer.Resume(s.clock.Now().UTC())
	if err := s.repo.Update(ctx, timer); err != nil {
		return nil, err
	}

	log.Info().Str("user_id", userID).Str("timer_id", timer.ID).
		Int64("paused_duration", timer.PausedDuration).Msg("timer resumed")
	return timer, nil
}

// Stop finalizes the timer into an immutable TimeEntry and deletes it,
// atomically. Returns models.ErrTimerNotFound if none exists.
func (s *TimerService) Stop(ctx context.Context, userID string) (*models.TimeEntry, error) {
	timer, err := s.Current(ctx, userID)
	if err != nil {
		return nil, err
	}

	entry := timer.Stop(s.clock.Now().UTC())
	if err := s.repo.Stop(ctx, timer, entry); err != nil {
		return nil, err
	}

	log.Info().Str("user_id", userID).Str("entry_id", entry.ID).
		Int64("duration", entry.Duration).Msg("timer stopped")
	return entry, nil
}

// SyncFromClient merges whitelisted fields from a client snapshot into
// the server timer and stamps last_synced_at. It never performs a state
// transition by itself. A sync carrying a token that does not match the
// current timer is rejected with models.ErrStaleSync.
func (s *TimerService) SyncFromClient(ctx context.Context, userID string, req models.SyncTimerRequest) (*models.ActiveTimer, error) {
	timer, err := s.Current(ctx, userID)
	if err != nil {
		return nil, err
	}

	if req.SyncToken != "" && req.SyncToken != timer.SyncToken {
		return nil, models.ErrStaleSync
	}

	if err := s.validateRefs(ctx, userID, req.ProjectID, req.TaskID); err != nil {
		return nil, err
	}

	// Flags merge independently, so validate the combined result before
	// anything is applied. Running and paused are mutually exclusive.
	mergedRunning := timer.IsRunning
	if req.IsRunning != nil {
		mergedRunning = *req.IsRunning
	}
	mergedPaused := timer.IsPaused
	if req.IsPaused != nil {
		mergedPaused = *req.IsPaused
	}
	if mergedRunning && mergedPaused {
		return nil, &models.ValidationError{Field: "is_running", Reason: "timer cannot be running and paused at the same time"}
	}

	if req.Description != nil {
		timer.Description = *req.Description
	}
	if req.ProjectID != nil {
		timer.ProjectID = req.ProjectID
	}
	if req.TaskID != nil {
		timer.TaskID = req.TaskID
	}
	timer.IsRunning = mergedRunning
	timer.IsPaused = mergedPaused
	if req.Duration != nil {
		timer.Duration = *req.Duration
	}
	if req.PausedDuration != nil {
		timer.PausedDuration = *req.PausedDuration
	}
	// Metadata merges key-wise; existing keys not named are kept.
	if len(req.Metadata) > 0 {
		if timer.Metadata == nil {
			timer.Metadata = map[string]string{}
		}
		for k, v := range req.Metadata {
			timer.Metadata[k] = v
		}
	}

	timer.LastSyncedAt = s.clock.Now().UTC()
	if err := s.repo.Update(ctx, timer); err != nil {
		return nil, err
	}

	log.Debug().Str("user_id", userID).Str("timer_id", timer.ID).Msg("timer synced from client")
	return timer, nil
}

// IsIdle reports whether the user's timer is running but has not been
// synced by any client for at least the threshold. This is the
// server-side staleness signal the idle reaper acts on.
func (s *TimerService) IsIdle(ctx context.Context, userID string, threshold time.Duration) (bool, error) {
	timer, err := s.Current(ctx, userID)
	if err != nil {
		return false, err
	}
	if !timer.IsRunning {
		return false, nil
	}
	return s.clock.Now().UTC().Sub(timer.LastSyncedAt) >= threshold, nil
}

// Snapshot builds the wire representation, embedding project and task
// summaries from the validator.
func (s *TimerService) Snapshot(ctx context.Context, timer *models.ActiveTimer) models.TimerSnapshot {
	var project, task *models.RefSummary
	if timer.ProjectID != nil {
		project, _ = s.validator.Project(ctx, timer.UserID, *timer.ProjectID)
	}
	if timer.TaskID != nil {
		task, _ = s.validator.Task(ctx, timer.UserID, *timer.TaskID)
	}
	return models.TimerToSnapshot(timer, s.clock.Now().UTC(), project, task)
}

// Clock exposes the service clock for collaborators that must agree on
// "now" (handlers, reaper).
func (s *TimerService) Clock() clockwork.Clock {
	return s.clock
}

func (s *TimerService) validateRefs(ctx context.Context, userID string, projectID, taskID *string) error {
	if projectID != nil && *projectID != "" {
		if _, err := s.validator.Project(ctx, userID, *projectID); err != nil {
			return err
		}
	}
	if taskID != nil && *taskID != "" {
		if _, err := s.validator.Task(ctx, userID, *taskID); err != nil {
			return err
		}
	}
	return nil
}
