// Package idle watches for user inactivity so a forgotten timer can be
// paused or stopped instead of accruing hours overnight.
package idle

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Defaults for the monitor.
const (
	DefaultThreshold    = 10 * time.Minute
	DefaultPollInterval = 10 * time.Second
)

// Monitor tracks the gap since the last recorded user activity and
// fires transition callbacks when it crosses the idle threshold.
type Monitor struct {
	clock        clockwork.Clock
	threshold    time.Duration
	pollInterval time.Duration

	// OnIdle fires once when the user crosses into idleness, with the
	// number of whole minutes already idle. OnActive fires once when
	// activity resumes after an idle stretch.
	OnIdle   func(idleMinutes int)
	OnActive func()

	mu           sync.Mutex
	running      bool
	idle         bool
	hidden       bool
	lastActivity time.Time
	done         chan struct{}
}

// New creates a monitor. Zero threshold or poll interval fall back to
// the defaults; a nil clock uses the real one.
func New(clk clockwork.Clock, threshold, pollInterval time.Duration) *Monitor {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Monitor{clock: clk, threshold: threshold, pollInterval: pollInterval}
}

// Start begins polling. The activity anchor is set to now, so a fresh
// monitor never reports idle before a full threshold elapses.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.idle = false
	m.hidden = false
	m.lastActivity = m.clock.Now()
	m.done = make(chan struct{})
	go m.run(m.done)
}

// Stop halts polling. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.done)
	m.done = nil
}

// RecordActivity resets the inactivity clock. If the user was idle,
// OnActive fires.
func (m *Monitor) RecordActivity() {
	m.mu.Lock()
	m.lastActivity = m.clock.Now()
	m.hidden = false
	wasIdle := m.idle
	m.idle = false
	cb := m.OnActive
	m.mu.Unlock()

	if wasIdle && cb != nil {
		cb()
	}
}

// SetHidden records window visibility. A hidden window counts as idle
// immediately, without waiting out the threshold.
func (m *Monitor) SetHidden(hidden bool) {
	m.mu.Lock()
	m.hidden = hidden
	if !hidden {
		m.mu.Unlock()
		m.RecordActivity()
		return
	}
	wasIdle := m.idle
	m.idle = true
	minutes := m.idleMinutesLocked(m.clock.Now())
	cb := m.OnIdle
	m.mu.Unlock()

	if !wasIdle && cb != nil {
		log.Debug().Msg("window hidden, treating as idle")
		cb(minutes)
	}
}

// Idle reports the current idle state.
func (m *Monitor) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idle
}

// IdleMinutes returns whole minutes since the last activity.
func (m *Monitor) IdleMinutes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idleMinutesLocked(m.clock.Now())
}

func (m *Monitor) idleMinutesLocked(now time.Time) int {
	return int(now.Sub(m.lastActivity) / time.Minute)
}

func (m *Monitor) run(done chan struct{}) {
	ticker := m.clock.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.Chan():
			m.check(now)
		}
	}
}

// check marks the user idle once the inactivity gap reaches the
// threshold. A gap one tick short of the threshold never fires.
func (m *Monitor) check(now time.Time) {
	m.mu.Lock()
	if !m.running || m.idle {
		m.mu.Unlock()
		return
	}
	if now.Sub(m.lastActivity) < m.threshold {
		m.mu.Unlock()
		return
	}
	m.idle = true
	minutes := m.idleMinutesLocked(now)
	cb := m.OnIdle
	m.mu.Unlock()

	log.Debug().Int("idle_minutes", minutes).Msg("user idle")
	if cb != nil {
		cb(minutes)
	}
}
