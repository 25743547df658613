package services

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// receive pulls the next non-lifecycle message off a tab's send
// channel, failing the test after a timeout.
func receive(t *testing.T, tab *Tab) TabMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw, ok := <-tab.Send:
			require.True(t, ok, "tab channel closed")
			var msg TabMessage
			require.NoError(t, json.Unmarshal(raw, &msg))
			if msg.Type == EventTabOpened || msg.Type == EventTabClosed {
				continue
			}
			return msg
		case <-deadline:
			t.Fatal("timed out waiting for broadcast")
		}
	}
}

// expectSilence asserts no non-lifecycle message arrives within the
// window.
func expectSilence(t *testing.T, tab *Tab) {
	t.Helper()
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case raw, ok := <-tab.Send:
			if !ok {
				return
			}
			var msg TabMessage
			require.NoError(t, json.Unmarshal(raw, &msg))
			if msg.Type == EventTabOpened || msg.Type == EventTabClosed {
				continue
			}
			t.Fatalf("unexpected message: %s", msg.Type)
		case <-deadline:
			return
		}
	}
}

func registerTab(t *testing.T, hub *BroadcastHub, id, userID string) *Tab {
	t.Helper()
	tab := hub.NewTab(id, userID, nil)
	hub.Register(tab)
	require.Eventually(t, func() bool {
		return hub.UserTabCount(userID) > 0
	}, time.Second, 5*time.Millisecond)
	return tab
}

func TestBroadcastHub_OriginExclusion(t *testing.T) {
	hub := NewBroadcastHub(nil)
	go hub.Run()

	origin := registerTab(t, hub, "tab-a", "user-1")
	sibling := registerTab(t, hub, "tab-b", "user-1")
	stranger := registerTab(t, hub, "tab-x", "user-2")

	hub.BroadcastToUser("user-1", EventTimerPaused, map[string]int64{"duration": 65}, "tab-a")

	msg := receive(t, sibling)
	assert.Equal(t, EventTimerPaused, msg.Type)
	assert.Equal(t, "tab-a", msg.TabID)
	assert.NotZero(t, msg.Timestamp)

	var payload map[string]int64
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, int64(65), payload["duration"])

	expectSilence(t, origin)
	expectSilence(t, stranger)
}

func TestBroadcastHub_AllTabsWhenNoOrigin(t *testing.T) {
	hub := NewBroadcastHub(nil)
	go hub.Run()

	a := registerTab(t, hub, "tab-a", "user-1")
	b := registerTab(t, hub, "tab-b", "user-1")

	// Server-initiated events (idle reaper) carry no origin tab.
	hub.BroadcastToUser("user-1", EventTimerStopped, map[string]string{"id": "entry-1"}, "")

	assert.Equal(t, EventTimerStopped, receive(t, a).Type)
	assert.Equal(t, EventTimerStopped, receive(t, b).Type)
}

func TestBroadcastHub_LifecycleAnnouncements(t *testing.T) {
	hub := NewBroadcastHub(nil)
	go hub.Run()

	first := registerTab(t, hub, "tab-a", "user-1")
	_ = registerTab(t, hub, "tab-b", "user-1")

	// The existing tab hears about the newcomer.
	raw := <-first.Send
	var msg TabMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, EventTabOpened, msg.Type)
	assert.Equal(t, "tab-b", msg.TabID)
}

func TestBroadcastHub_UnregisterClosesChannel(t *testing.T) {
	hub := NewBroadcastHub(nil)
	go hub.Run()

	tab := registerTab(t, hub, "tab-a", "user-1")
	hub.Unregister(tab)

	require.Eventually(t, func() bool {
		return hub.UserTabCount("user-1") == 0
	}, time.Second, 5*time.Millisecond)

	// Channel must be closed so WritePump exits.
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-tab.Send:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcastHub_Forwarder(t *testing.T) {
	hub := NewBroadcastHub(nil)
	go hub.Run()

	sibling := registerTab(t, hub, "tab-b", "user-1")

	forwarded := make(chan []byte, 1)
	hub.SetForwarder(func(userID, originTabID string, message []byte) {
		assert.Equal(t, "user-1", userID)
		assert.Equal(t, "tab-a", originTabID)
		forwarded <- message
	})

	hub.BroadcastToUser("user-1", EventTimerSynced, map[string]string{"id": "t1"}, "tab-a")

	select {
	case raw := <-forwarded:
		var msg TabMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, EventTimerSynced, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("forwarder was not invoked")
	}

	// Local delivery still happens alongside forwarding.
	assert.Equal(t, EventTimerSynced, receive(t, sibling).Type)

	// DeliverRaw fans out without re-forwarding.
	hub.SetForwarder(func(string, string, []byte) {
		t.Error("relay-delivered message must not be re-forwarded")
	})
	hub.DeliverRaw("user-1", "", []byte(`{"type":"timer_started","timestamp":1}`))
	assert.Equal(t, EventTimerStarted, receive(t, sibling).Type)
}
