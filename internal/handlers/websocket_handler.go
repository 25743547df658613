package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/timersync/server/internal/middleware"
	"github.com/timersync/server/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Browser tabs connect from the app origin; CORS policy is
		// enforced at the router level.
		return true
	},
}

// WebSocketHandler upgrades tab connections onto the broadcast hub
type WebSocketHandler struct {
	hub *services.BroadcastHub
}

// NewWebSocketHandler creates a new WebSocketHandler
func NewWebSocketHandler(hub *services.BroadcastHub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// HandleConnection upgrades HTTP to WebSocket and registers the tab.
// The tab supplies its own id (?tabId=) so the hub's origin exclusion
// and the client's self-filter agree on identity; a missing id gets a
// server-generated one.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserIDFromContext(r.Context())

	tabID := r.URL.Query().Get("tabId")
	if tabID == "" {
		tabID = uuid.New().String()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	tab := h.hub.NewTab(tabID, userID, conn)
	h.hub.Register(tab)

	go tab.WritePump()

	// Blocks until the connection closes.
	tab.ReadPump(h.handleMessage)
}

// handleMessage processes messages a tab pushes up the channel. Tabs
// relay their local mutations (already applied over HTTP) so siblings
// invalidate; the hub re-stamps nothing — payloads pass through as-is.
func (h *WebSocketHandler) handleMessage(tab *services.Tab, messageType int, data []byte) {
	if messageType != websocket.TextMessage {
		return
	}

	var msg services.TabMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("tab_id", tab.ID).Msg("invalid tab message")
		return
	}

	switch msg.Type {
	case services.EventPing:
		response := services.TabMessage{Type: services.EventPong, Timestamp: msg.Timestamp, TabID: tab.ID}
		if data, err := json.Marshal(response); err == nil {
			tab.Send <- data
		}

	case services.EventTimerStarted, services.EventTimerStopped,
		services.EventTimerPaused, services.EventTimerResumed,
		services.EventTimerSynced, services.EventEntryCreated,
		services.EventEntryUpdated, services.EventEntryDeleted,
		services.EventTimesheetUpdated:
		// Relay to siblings. The sender's own id is the origin filter.
		h.hub.BroadcastToUser(tab.UserID, msg.Type, msg.Payload, tab.ID)

	default:
		log.Debug().Str("type", msg.Type).Str("tab_id", tab.ID).Msg("ignoring unknown tab message type")
	}
}
