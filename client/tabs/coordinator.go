// Package tabs keeps multiple open clients for the same user in
// agreement. Each tab holds a websocket to the server's broadcast hub;
// a mutation made in one tab is announced to the others, which drop
// their cached snapshot and refetch rather than trying to merge.
package tabs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/timersync/server/client/localstore"
)

// Event types carried between tabs. These match what the server hub
// relays.
const (
	EventTimerStarted = "timer_started"
	EventTimerPaused  = "timer_paused"
	EventTimerResumed = "timer_resumed"
	EventTimerStopped = "timer_stopped"
	EventTimerSynced  = "timer_synced"
	EventEntryCreated = "entry_created"
	EventTabOpened    = "tab_opened"
	EventTabClosed    = "tab_closed"

	msgPing = "ping"
	msgPong = "pong"
)

// Message is the wire envelope exchanged with the hub. Timestamp is
// epoch milliseconds.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	TabID     string          `json:"tab_id,omitempty"`
}

// Handler consumes one sibling-tab event.
type Handler func(payload json.RawMessage)

// Config holds coordinator settings.
type Config struct {
	// ServerURL is the http(s) base URL of the server; the coordinator
	// derives the websocket endpoint from it.
	ServerURL string
	APIKey    string
	UserID    string

	// ReconnectDelay is the fixed wait between dial attempts.
	ReconnectDelay time.Duration
	// DedupeWindow bounds how long seen-message keys are remembered.
	DedupeWindow time.Duration
}

// Coordinator is one tab's connection to its siblings.
type Coordinator struct {
	cfg    Config
	tabID  string
	store  *localstore.Store
	clock  clockwork.Clock
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string][]Handler
	seen     map[string]time.Time
	closed   bool
	done     chan struct{}
}

// New creates a coordinator with a fresh tab identity. The store is
// optional; when present, incoming snapshots are persisted so a tab
// that loses its socket can still catch up through storage change
// events.
func New(cfg Config, store *localstore.Store, clk clockwork.Clock) *Coordinator {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = time.Minute
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Coordinator{
		cfg:      cfg,
		tabID:    uuid.New().String(),
		store:    store,
		clock:    clk,
		dialer:   websocket.DefaultDialer,
		handlers: make(map[string][]Handler),
		seen:     make(map[string]time.Time),
		done:     make(chan struct{}),
	}
}

// TabID returns this tab's identity, sent as X-Tab-Id on mutations so
// the server excludes us from our own broadcasts.
func (c *Coordinator) TabID() string {
	return c.tabID
}

// On registers a handler for an event type. Multiple handlers per type
// are allowed and run in registration order.
func (c *Coordinator) On(eventType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
}

// Connect dials the hub and starts the read loop. The loop redials on
// failure until Close is called.
func (c *Coordinator) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(ctx)
	return nil
}

func (c *Coordinator) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/api/ws"
	q := u.Query()
	q.Set("tabId", c.tabID)
	q.Set("userId", c.cfg.UserID)
	if c.cfg.APIKey != "" {
		q.Set("apiKey", c.cfg.APIKey)
	}
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing hub: %w", err)
	}
	return conn, nil
}

// Publish announces a local mutation to sibling tabs through the hub.
func (c *Coordinator) Publish(eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	msg := Message{
		Type:      eventType,
		Payload:   raw,
		Timestamp: c.clock.Now().UnixMilli(),
		TabID:     c.tabID,
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return conn.WriteJSON(msg)
}

// Close shuts the socket down and stops reconnecting.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Coordinator) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		if conn == nil {
			select {
			case <-c.done:
				return
			case <-ctx.Done():
				return
			case <-c.clock.After(c.cfg.ReconnectDelay):
			}
			next, err := c.dial(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("hub redial failed")
				continue
			}
			c.mu.Lock()
			c.conn = next
			c.mu.Unlock()
			continue
		}

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			c.conn = nil
			closed = c.closed
			c.mu.Unlock()
			if !closed {
				log.Warn().Err(err).Msg("hub connection lost")
			}
			continue
		}
		c.dispatch(msg)
	}
}

// dispatch filters out our own echoes and duplicates, then fans the
// message out to registered handlers. The hub delivers at-least-once,
// so the dedupe key covers type, timestamp, and payload together.
func (c *Coordinator) dispatch(msg Message) {
	if msg.Type == msgPong || msg.Type == msgPing {
		return
	}
	if msg.TabID == c.tabID {
		return
	}

	key := fmt.Sprintf("%s|%d|%s", msg.Type, msg.Timestamp, msg.Payload)
	now := c.clock.Now()

	c.mu.Lock()
	if seenAt, ok := c.seen[key]; ok && now.Sub(seenAt) < c.cfg.DedupeWindow {
		c.mu.Unlock()
		return
	}
	c.seen[key] = now
	for k, at := range c.seen {
		if now.Sub(at) >= c.cfg.DedupeWindow {
			delete(c.seen, k)
		}
	}
	handlers := append([]Handler(nil), c.handlers[msg.Type]...)
	c.mu.Unlock()

	if c.store != nil && len(msg.Payload) > 0 {
		if err := c.snapshot(msg); err != nil {
			log.Error().Err(err).Str("type", msg.Type).Msg("failed to persist tab event")
		}
	}

	for _, h := range handlers {
		h(msg.Payload)
	}
}

// snapshot mirrors timer state changes into local storage so tabs
// without a live socket still converge via storage change events.
func (c *Coordinator) snapshot(msg Message) error {
	ctx := context.Background()
	switch msg.Type {
	case EventTimerStarted, EventTimerPaused, EventTimerResumed, EventTimerSynced:
		return c.store.Put(ctx, localstore.KeyTimer, msg.Payload)
	case EventTimerStopped:
		return c.store.Delete(ctx, localstore.KeyTimer)
	}
	return nil
}
