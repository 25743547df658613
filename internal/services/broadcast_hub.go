package services

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// TabMessage is the broadcast wire format shared by every tab.
// Timestamp is epoch milliseconds; TabID identifies the originating
// tab so receivers (and the hub itself) can drop their own messages.
type TabMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	TabID     string          `json:"tab_id,omitempty"`
}

// Event types carried over the tab channel. Receivers treat every one
// of them as an invalidation signal, never as data to merge.
const (
	EventTimerStarted     = "timer_started"
	EventTimerStopped     = "timer_stopped"
	EventTimerPaused      = "timer_paused"
	EventTimerResumed     = "timer_resumed"
	EventTimerSynced      = "timer_synced"
	EventEntryCreated     = "entry_created"
	EventEntryUpdated     = "entry_updated"
	EventEntryDeleted     = "entry_deleted"
	EventTimesheetUpdated = "timesheet_updated"
	EventTabOpened        = "tab_opened"
	EventTabClosed        = "tab_closed"
	EventPing             = "ping"
	EventPong             = "pong"
)

// Tab represents one connected tab of a user.
type Tab struct {
	ID         string
	UserID     string
	Conn       *websocket.Conn
	Send       chan []byte
	hub        *BroadcastHub
	mu         sync.Mutex
	closedOnce sync.Once
}

// BroadcastHub fans user-scoped events out to every open tab of that
// user except the one that originated the event. All tabs are peers;
// there is no leader election and the server stays the only authority.
type BroadcastHub struct {
	tabs       map[*Tab]bool
	userTabs   map[string]map[*Tab]bool
	register   chan *Tab
	unregister chan *Tab
	broadcast  chan *userMsg
	clock      clockwork.Clock
	mu         sync.RWMutex

	forwardMu sync.RWMutex
	forwarder func(userID, originTabID string, message []byte)
}

type userMsg struct {
	userID       string
	excludeTabID string
	message      []byte
}

// NewBroadcastHub creates a new BroadcastHub
func NewBroadcastHub(clock clockwork.Clock) *BroadcastHub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &BroadcastHub{
		tabs:       make(map[*Tab]bool),
		userTabs:   make(map[string]map[*Tab]bool),
		register:   make(chan *Tab),
		unregister: make(chan *Tab),
		broadcast:  make(chan *userMsg, 256),
		clock:      clock,
	}
}

// Run starts the hub's main loop
func (h *BroadcastHub) Run() {
	for {
		select {
		case tab := <-h.register:
			h.mu.Lock()
			h.tabs[tab] = true
			if h.userTabs[tab.UserID] == nil {
				h.userTabs[tab.UserID] = make(map[*Tab]bool)
			}
			h.userTabs[tab.UserID][tab] = true
			h.mu.Unlock()
			log.Debug().Str("tab_id", tab.ID).Str("user_id", tab.UserID).Msg("tab connected")
			h.announce(tab, EventTabOpened)

		case tab := <-h.unregister:
			h.mu.Lock()
			removed := false
			if _, ok := h.tabs[tab]; ok {
				delete(h.tabs, tab)
				if userTabs, ok := h.userTabs[tab.UserID]; ok {
					delete(userTabs, tab)
					if len(userTabs) == 0 {
						delete(h.userTabs, tab.UserID)
					}
				}
				close(tab.Send)
				removed = true
			}
			h.mu.Unlock()
			if removed {
				log.Debug().Str("tab_id", tab.ID).Str("user_id", tab.UserID).Msg("tab disconnected")
				h.announce(tab, EventTabClosed)
			}

		case msg := <-h.broadcast:
			h.mu.RLock()
			for tab := range h.userTabs[msg.userID] {
				if tab.ID == msg.excludeTabID {
					continue
				}
				select {
				case tab.Send <- msg.message:
				default:
					// Tab buffer full, drop the connection; the tab
					// will refetch state on reconnect.
					go func(t *Tab) {
						h.unregister <- t
					}(tab)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds a tab to the hub
func (h *BroadcastHub) Register(tab *Tab) {
	h.register <- tab
}

// Unregister removes a tab from the hub
func (h *BroadcastHub) Unregister(tab *Tab) {
	h.unregister <- tab
}

// BroadcastToUser sends an event to every open tab of the user except
// the originating one. Delivery is at-least-once from the receiver's
// perspective; handlers must be idempotent.
func (h *BroadcastHub) BroadcastToUser(userID, eventType string, payload interface{}, originTabID string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("failed to marshal broadcast payload")
		return
	}

	msg := TabMessage{
		Type:      eventType,
		Payload:   raw,
		Timestamp: h.clock.Now().UnixMilli(),
		TabID:     originTabID,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("failed to marshal broadcast message")
		return
	}

	h.broadcast <- &userMsg{userID: userID, excludeTabID: originTabID, message: data}

	h.forwardMu.RLock()
	forward := h.forwarder
	h.forwardMu.RUnlock()
	if forward != nil {
		forward(userID, originTabID, data)
	}
}

// SetForwarder installs a hook that mirrors every local broadcast to an
// external relay (other server instances). Nil removes it.
func (h *BroadcastHub) SetForwarder(f func(userID, originTabID string, message []byte)) {
	h.forwardMu.Lock()
	h.forwarder = f
	h.forwardMu.Unlock()
}

// DeliverRaw fans an already-marshaled message out to the user's local
// tabs without re-forwarding it. Used by the relay for messages that
// originated on another instance.
func (h *BroadcastHub) DeliverRaw(userID, excludeTabID string, message []byte) {
	h.broadcast <- &userMsg{userID: userID, excludeTabID: excludeTabID, message: message}
}

// announce emits a tab lifecycle event to the tab's siblings.
func (h *BroadcastHub) announce(tab *Tab, eventType string) {
	h.BroadcastToUser(tab.UserID, eventType, map[string]string{"tabId": tab.ID}, tab.ID)
}

// TabCount returns the number of connected tabs
func (h *BroadcastHub) TabCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tabs)
}

// UserTabCount returns the number of open tabs for a user
func (h *BroadcastHub) UserTabCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userTabs[userID])
}

// NewTab creates a new tab connected to this hub. The id is supplied by
// the client so the self-filter works end to end.
func (h *BroadcastHub) NewTab(id, userID string, conn *websocket.Conn) *Tab {
	return &Tab{
		ID:     id,
		UserID: userID,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		hub:    h,
	}
}

// Tab methods

// Close closes the tab connection
func (t *Tab) Close() {
	t.closedOnce.Do(func() {
		t.hub.Unregister(t)
		t.Conn.Close()
	})
}

// WritePump pumps messages from the hub to the websocket connection
func (t *Tab) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		t.Close()
	}()

	for {
		select {
		case message, ok := <-t.Send:
			t.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				t.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			t.mu.Lock()
			err := t.Conn.WriteMessage(websocket.TextMessage, message)
			t.mu.Unlock()

			if err != nil {
				return
			}

		case <-ticker.C:
			t.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := t.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump pumps messages from the websocket connection to the hub
func (t *Tab) ReadPump(onMessage func(tab *Tab, messageType int, data []byte)) {
	defer t.Close()

	t.Conn.SetReadLimit(64 * 1024)
	t.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	t.Conn.SetPongHandler(func(string) error {
		t.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		messageType, message, err := t.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("tab_id", t.ID).Msg("websocket read error")
			}
			break
		}

		if onMessage != nil {
			onMessage(t, messageType, message)
		}
	}
}
