package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, s *Session) map[string]any {
	t.Helper()
	select {
	case msg, ok := <-s.Out:
		require.True(t, ok, "session closed")
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(msg, &decoded))
		return decoded
	default:
		t.Fatal("no message queued")
		return nil
	}
}

func drainEmpty(t *testing.T, s *Session) {
	t.Helper()
	select {
	case msg := <-s.Out:
		t.Fatalf("unexpected message: %s", msg)
	default:
	}
}

func TestSubscriptionRouting(t *testing.T) {
	hub := NewHub()

	subscribed := NewSession("s1", "u1", false, 8)
	other := NewSession("s2", "u2", false, 8)
	hub.AddClient(subscribed)
	hub.AddClient(other)

	hub.Subscribe("s1", []string{"a1"})
	hub.BroadcastLog("a1", "analysis.log", map[string]any{"sequence": 7}, 7)

	msg := recv(t, subscribed)
	assert.Equal(t, TypeLog, msg["type"])
	data := msg["data"].(map[string]any)
	assert.Equal(t, "analysis.log", data["fileName"])
	assert.Equal(t, float64(7), data["totalCount"])

	drainEmpty(t, other)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub()
	s := NewSession("s1", "u1", false, 8)
	hub.AddClient(s)

	hub.Subscribe("s1", []string{"a1", "a2"})
	hub.Unsubscribe("s1", []string{"a1"})

	hub.BroadcastAnalysisUpdate("a1", map[string]any{"status": "running"})
	drainEmpty(t, s)

	hub.BroadcastAnalysisUpdate("a2", map[string]any{"status": "running"})
	msg := recv(t, s)
	assert.Equal(t, TypeAnalysisUpdate, msg["type"])
}

func TestAdminAddressing(t *testing.T) {
	hub := NewHub()
	admin := NewSession("s1", "u1", true, 8)
	regular := NewSession("s2", "u2", false, 8)
	hub.AddClient(admin)
	hub.AddClient(regular)

	hub.BroadcastToAdminUsers(TypeMetricsUpdate, map[string]any{"x": 1})

	msg := recv(t, admin)
	assert.Equal(t, TypeMetricsUpdate, msg["type"])
	drainEmpty(t, regular)
}

func TestSendToUserHitsAllTheirSessions(t *testing.T) {
	hub := NewHub()
	tab1 := NewSession("s1", "u1", false, 8)
	tab2 := NewSession("s2", "u1", false, 8)
	other := NewSession("s3", "u2", false, 8)
	hub.AddClient(tab1)
	hub.AddClient(tab2)
	hub.AddClient(other)

	hub.SendToUser("u1", TypeUserRoleUpdated, map[string]any{"role": "admin"})

	assert.Equal(t, TypeUserRoleUpdated, recv(t, tab1)["type"])
	assert.Equal(t, TypeUserRoleUpdated, recv(t, tab2)["type"])
	drainEmpty(t, other)
}

func TestQueueOverflowDropsSession(t *testing.T) {
	hub := NewHub()
	slow := NewSession("s1", "u1", false, 2)
	hub.AddClient(slow)
	hub.Subscribe("s1", []string{"a1"})

	// Nothing drains the queue; the third event overflows it.
	for i := 0; i < 3; i++ {
		hub.BroadcastAnalysisUpdate("a1", map[string]any{"i": i})
	}

	assert.Zero(t, hub.SessionCount(), "overflowing session must be dropped")

	// The channel was closed so the writer goroutine unblocks.
	n := 0
	for range slow.Out {
		n++
	}
	assert.Equal(t, 2, n)
}

func TestRemoveClientIsIdempotent(t *testing.T) {
	hub := NewHub()
	s := NewSession("s1", "u1", false, 8)
	hub.AddClient(s)

	hub.RemoveClient("s1")
	hub.RemoveClient("s1")
	assert.Zero(t, hub.SessionCount())
}

func TestDisconnectUser(t *testing.T) {
	hub := NewHub()
	hub.AddClient(NewSession("s1", "u1", false, 8))
	hub.AddClient(NewSession("s2", "u1", false, 8))
	hub.AddClient(NewSession("s3", "u2", false, 8))

	hub.DisconnectUser("u1")
	assert.Equal(t, 1, hub.SessionCount())
}

func TestRefreshInitData(t *testing.T) {
	hub := NewHub()
	s := NewSession("s1", "u1", false, 8)
	hub.AddClient(s)

	hub.RefreshInitDataForUser("u1")
	msg := recv(t, s)
	assert.Equal(t, TypeRefreshInitData, msg["type"])
	_, hasData := msg["data"]
	assert.False(t, hasData)
}
