// Package clock drives the ticking timer display. Elapsed time is
// recomputed from wall-clock anchors on every tick rather than
// incremented, so a suspended laptop or a throttled background tab
// shows the correct total the moment it wakes up.
package clock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/timersync/server/internal/models"
)

// DefaultInterval is how often the clock re-derives elapsed time.
const DefaultInterval = time.Second

// TimerClock tracks one running timer's elapsed seconds.
type TimerClock struct {
	clock    clockwork.Clock
	interval time.Duration

	// OnTick fires once per interval while the clock runs, with the
	// current elapsed seconds and an HH:MM:SS rendering.
	OnTick func(seconds int64, formatted string)

	mu          sync.Mutex
	running     bool
	paused      bool
	startedAt   time.Time
	pausedAt    time.Time
	pausedTotal time.Duration
	adjustment  time.Duration
	done        chan struct{}
}

// New creates a stopped clock. A nil clockwork.Clock defaults to the
// real one; the interval defaults to one second.
func New(clk clockwork.Clock, interval time.Duration) *TimerClock {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &TimerClock{clock: clk, interval: interval}
}

// Start begins ticking from now. Starting an already running clock is
// a no-op.
func (c *TimerClock) Start() {
	c.StartAt(c.clock.Now())
}

// StartAt begins ticking against a known anchor, typically the
// started_at returned by the server so the display agrees with the
// authoritative state rather than the local call time.
func (c *TimerClock) StartAt(startedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.paused = false
	c.startedAt = startedAt
	c.pausedTotal = 0
	c.adjustment = 0
	c.done = make(chan struct{})
	go c.run(c.done)
}

// Restore resumes ticking from a server snapshot: the original anchor,
// the accumulated paused time, and whether the timer is currently
// paused.
func (c *TimerClock) Restore(startedAt time.Time, pausedSeconds int64, paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.paused = paused
	c.startedAt = startedAt
	c.pausedTotal = time.Duration(pausedSeconds) * time.Second
	c.adjustment = 0
	if paused {
		c.pausedAt = c.clock.Now()
	}
	c.done = make(chan struct{})
	go c.run(c.done)
}

// Pause freezes the display. Idempotent.
func (c *TimerClock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.paused {
		return
	}
	c.paused = true
	c.pausedAt = c.clock.Now()
}

// Resume unfreezes the display, folding the pause gap into the
// accumulated paused total. Idempotent.
func (c *TimerClock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || !c.paused {
		return
	}
	c.pausedTotal += c.clock.Now().Sub(c.pausedAt)
	c.paused = false
	c.pausedAt = time.Time{}
}

// Stop halts the ticker, returns the final elapsed seconds, and resets
// the clock for reuse.
func (c *TimerClock) Stop() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return 0
	}
	final := c.elapsedLocked(c.clock.Now())
	c.running = false
	c.paused = false
	c.pausedTotal = 0
	c.adjustment = 0
	close(c.done)
	c.done = nil
	return final
}

// AdjustDuration shifts the displayed total by delta seconds, for
// server corrections that arrive mid-run. The result never goes below
// zero.
func (c *TimerClock) AdjustDuration(deltaSeconds int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adjustment += time.Duration(deltaSeconds) * time.Second
	if !c.running {
		return
	}
	now := c.clock.Now()
	paused := c.pausedTotal
	if c.paused {
		paused += now.Sub(c.pausedAt)
	}
	if raw := now.Sub(c.startedAt) - paused + c.adjustment; raw < 0 {
		c.adjustment -= raw
	}
}

// Elapsed returns the current elapsed seconds.
func (c *TimerClock) Elapsed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return 0
	}
	return c.elapsedLocked(c.clock.Now())
}

// Running reports whether the clock is ticking (paused counts as
// running).
func (c *TimerClock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// elapsedLocked derives elapsed seconds from the anchors. Callers hold
// the mutex.
func (c *TimerClock) elapsedLocked(now time.Time) int64 {
	paused := c.pausedTotal
	if c.paused {
		paused += now.Sub(c.pausedAt)
	}
	elapsed := now.Sub(c.startedAt) - paused + c.adjustment
	secs := int64(elapsed / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

func (c *TimerClock) run(done chan struct{}) {
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.Chan():
			c.mu.Lock()
			if !c.running {
				c.mu.Unlock()
				return
			}
			secs := c.elapsedLocked(now)
			tick := c.OnTick
			c.mu.Unlock()
			if tick != nil {
				tick(secs, models.FormatDuration(secs))
			}
		}
	}
}
