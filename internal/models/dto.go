package models

import "time"

// StartTimerRequest is the request body for POST /api/timer/start
type StartTimerRequest struct {
	ProjectID   *string `json:"project_id,omitempty"`
	TaskID      *string `json:"task_id,omitempty"`
	Description string  `json:"description,omitempty"`
}

// SyncTimerRequest is the request body for POST /api/timer/sync.
// Only these fields may be merged into the server timer; anything else
// in the payload is rejected at the boundary.
type SyncTimerRequest struct {
	SyncToken      string            `json:"sync_token,omitempty"`
	Description    *string           `json:"description,omitempty"`
	ProjectID      *string           `json:"project_id,omitempty"`
	TaskID         *string           `json:"task_id,omitempty"`
	IsRunning      *bool             `json:"is_running,omitempty"`
	IsPaused       *bool             `json:"is_paused,omitempty"`
	Duration       *int64            `json:"duration,omitempty"`
	PausedDuration *int64            `json:"paused_duration,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// RefSummary is an embedded project or task summary in a timer snapshot.
type RefSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TimerSnapshot is the wire representation of the active timer.
type TimerSnapshot struct {
	ID                string            `json:"id"`
	UserID            string            `json:"user_id"`
	ProjectID         *string           `json:"project_id,omitempty"`
	TaskID            *string           `json:"task_id,omitempty"`
	Description       string            `json:"description"`
	StartedAt         time.Time         `json:"started_at"`
	PausedAt          *time.Time        `json:"paused_at,omitempty"`
	IsRunning         bool              `json:"is_running"`
	IsPaused          bool              `json:"is_paused"`
	Duration          int64             `json:"duration"`
	PausedDuration    int64             `json:"paused_duration"`
	CurrentDuration   int64             `json:"current_duration"`
	FormattedDuration string            `json:"formatted_duration"`
	SyncToken         string            `json:"sync_token"`
	LastSyncedAt      time.Time         `json:"last_synced_at"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Project           *RefSummary       `json:"project,omitempty"`
	Task              *RefSummary       `json:"task,omitempty"`
}

// TimerToSnapshot converts an ActiveTimer to its wire shape, computing
// the derived duration fields at the given instant.
func TimerToSnapshot(t *ActiveTimer, now time.Time, project, task *RefSummary) TimerSnapshot {
	current := t.CurrentDuration(now)
	return TimerSnapshot{
		ID:                t.ID,
		UserID:            t.UserID,
		ProjectID:         t.ProjectID,
		TaskID:            t.TaskID,
		Description:       t.Description,
		StartedAt:         t.StartedAt,
		PausedAt:          t.PausedAt,
		IsRunning:         t.IsRunning,
		IsPaused:          t.IsPaused,
		Duration:          t.Duration,
		PausedDuration:    t.PausedDuration,
		CurrentDuration:   current,
		FormattedDuration: FormatDuration(current),
		SyncToken:         t.SyncToken,
		LastSyncedAt:      t.LastSyncedAt,
		Metadata:          t.Metadata,
		Project:           project,
		Task:              task,
	}
}

// TimeEntrySummary is returned by POST /api/timer/stop.
type TimeEntrySummary struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	ProjectID         *string   `json:"project_id,omitempty"`
	TaskID            *string   `json:"task_id,omitempty"`
	Description       string    `json:"description"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at"`
	Duration          int64     `json:"duration"`
	FormattedDuration string    `json:"formatted_duration"`
	Billable          bool      `json:"billable"`
	Source            string    `json:"source"`
}

// EntryToSummary converts a TimeEntry to its wire shape.
func EntryToSummary(e *TimeEntry) TimeEntrySummary {
	return TimeEntrySummary{
		ID:                e.ID,
		UserID:            e.UserID,
		ProjectID:         e.ProjectID,
		TaskID:            e.TaskID,
		Description:       e.Description,
		StartedAt:         e.StartedAt,
		EndedAt:           e.EndedAt,
		Duration:          e.Duration,
		FormattedDuration: FormatDuration(e.Duration),
		Billable:          e.Billable,
		Source:            e.Source,
	}
}

// HealthResponse is returned by health check
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
