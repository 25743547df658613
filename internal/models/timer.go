package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActiveTimer is the authoritative running/paused timer for a user.
// At most one exists per user at any time; the unique index on user_id
// in the repository enforces this under concurrent starts.
type ActiveTimer struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	ProjectID      *string           `json:"project_id,omitempty"`
	TaskID         *string           `json:"task_id,omitempty"`
	Description    string            `json:"description"`
	StartedAt      time.Time         `json:"started_at"`
	PausedAt       *time.Time        `json:"paused_at,omitempty"`
	Duration       int64             `json:"duration"`        // seconds frozen at last pause/stop
	PausedDuration int64             `json:"paused_duration"` // seconds spent paused during this run
	IsRunning      bool              `json:"is_running"`
	IsPaused       bool              `json:"is_paused"`
	SyncToken      string            `json:"sync_token"`
	LastSyncedAt   time.Time         `json:"last_synced_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// NewActiveTimer creates a running timer anchored at now, with a freshly
// minted sync token.
func NewActiveTimer(userID string, projectID, taskID *string, description string, now time.Time) (*ActiveTimer, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, TimerError{"user id cannot be empty"}
	}

	return &ActiveTimer{
		ID:           uuid.New().String(),
		UserID:       userID,
		ProjectID:    projectID,
		TaskID:       taskID,
		Description:  strings.TrimSpace(description),
		StartedAt:    now,
		IsRunning:    true,
		SyncToken:    uuid.New().String(),
		LastSyncedAt: now,
		Metadata:     map[string]string{},
	}, nil
}

// CurrentDuration returns elapsed seconds at the given instant: wall
// time since the start anchor minus accumulated pause time while
// running, or the frozen duration while paused.
func (t *ActiveTimer) CurrentDuration(now time.Time) int64 {
	if !t.IsRunning {
		return t.Duration
	}
	elapsed := int64(now.Sub(t.StartedAt).Seconds()) - t.PausedDuration
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Pause freezes the timer at now. Pausing an already-paused timer is a no-op.
func (t *ActiveTimer) Pause(now time.Time) {
	if t.IsPaused {
		return
	}
	t.Duration = t.CurrentDuration(now)
	t.IsRunning = false
	t.IsPaused = true
	t.PausedAt = &now
}

// Resume restarts a paused timer at now, folding the pause gap into
// PausedDuration so CurrentDuration stays continuous. Resuming a
// running timer is a no-op.
func (t *ActiveTimer) Resume(now time.Time) {
	if t.IsRunning {
		return
	}
	if t.PausedAt != nil {
		t.PausedDuration += int64(now.Sub(*t.PausedAt).Seconds())
	}
	t.PausedAt = nil
	t.IsRunning = true
	t.IsPaused = false
}

// Stop finalizes the timer at now and returns the immutable TimeEntry
// it converts into. The caller is responsible for deleting the timer.
func (t *ActiveTimer) Stop(now time.Time) *TimeEntry {
	final := t.CurrentDuration(now)
	t.Duration = final
	t.IsRunning = false
	t.IsPaused = false

	return &TimeEntry{
		ID:          uuid.New().String(),
		UserID:      t.UserID,
		ProjectID:   t.ProjectID,
		TaskID:      t.TaskID,
		Description: t.Description,
		StartedAt:   t.StartedAt,
		EndedAt:     now,
		Duration:    final,
		Billable:    false,
		Source:      "timer",
		CreatedAt:   now,
	}
}

// TimeEntry is the immutable record produced when a timer is stopped.
type TimeEntry struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	ProjectID   *string    `json:"project_id,omitempty"`
	TaskID      *string    `json:"task_id,omitempty"`
	Description string     `json:"description"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     time.Time  `json:"ended_at"`
	Duration    int64      `json:"duration"`
	Billable    bool       `json:"billable"`
	Source      string     `json:"source"`
	CreatedAt   time.Time  `json:"created_at"`
}

// FormatDuration renders seconds as "HH:MM:SS". Hours do not wrap.
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}

// Errors
type TimerError struct {
	Message string
}

func (e TimerError) Error() string {
	return e.Message
}
