package models

import "errors"

// Sentinel errors returned synchronously by the timer service. Callers
// must not blindly retry these; current state should be re-fetched first.
var (
	// ErrTimerConflict: start() while an ActiveTimer already exists.
	ErrTimerConflict = errors.New("an active timer already exists for this user")

	// ErrTimerNotFound: pause/resume/stop/sync with no ActiveTimer.
	ErrTimerNotFound = errors.New("no active timer exists for this user")

	// ErrStaleSync: a client sync carried a sync token that does not
	// match the current timer. The client holds a stale snapshot and
	// must re-fetch before syncing again.
	ErrStaleSync = errors.New("sync token does not match the active timer")
)

// ValidationError reports an invalid project or task reference, or a
// malformed field in a client-supplied payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed on " + e.Field + ": " + e.Reason
}
