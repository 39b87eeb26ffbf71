package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/conductor/pkg/bus"
	"github.com/agentdesk/conductor/pkg/phase"
)

func dialTestServer(t *testing.T, srv *Server) (*websocket.Conn, context.Context) {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func readJSON(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestWebSocketSubscribeReceivesBusEvents(t *testing.T) {
	srv, _ := newTestServer(t, map[string]Driver{"team": &stubDriver{}})
	b := bus.New()
	defer b.Close()
	srv.HubInstance().Pump("team", b.Subscribe())

	conn, ctx := dialTestServer(t, srv)

	hello := readJSON(t, ctx, conn)
	assert.Equal(t, "connection.established", hello["type"])
	assert.NotEmpty(t, hello["connection_id"])

	writeJSON(t, ctx, conn, ClientMessage{Action: "subscribe", Channel: "team"})
	confirm := readJSON(t, ctx, conn)
	assert.Equal(t, "subscription.confirmed", confirm["type"])
	assert.Equal(t, "team", confirm["channel"])

	b.Publish(bus.PhaseChangedPayload{
		BasePayload: bus.Base(bus.EventTypePhaseChanged, "sess-1"),
		From:        string(phase.Idle),
		To:          string(phase.Clarifying),
	})

	evt := readJSON(t, ctx, conn)
	assert.Equal(t, bus.EventTypePhaseChanged, evt["type"])
	assert.Equal(t, "sess-1", evt["session_id"])
	assert.Equal(t, "clarifying", evt["to"])
	assert.EqualValues(t, 1, evt["event_id"])
}

func TestWebSocketPingPong(t *testing.T) {
	srv, _ := newTestServer(t, map[string]Driver{"team": &stubDriver{}})
	conn, ctx := dialTestServer(t, srv)

	readJSON(t, ctx, conn) // hello

	writeJSON(t, ctx, conn, ClientMessage{Action: "ping"})
	assert.Equal(t, "pong", readJSON(t, ctx, conn)["type"])
}

func TestWebSocketSubscribeRequiresChannel(t *testing.T) {
	srv, _ := newTestServer(t, map[string]Driver{"team": &stubDriver{}})
	conn, ctx := dialTestServer(t, srv)

	readJSON(t, ctx, conn) // hello

	writeJSON(t, ctx, conn, ClientMessage{Action: "subscribe"})
	errMsg := readJSON(t, ctx, conn)
	assert.Equal(t, "error", errMsg["type"])
	assert.Contains(t, errMsg["message"], "channel is required")
}

func TestWebSocketUnsubscribeStopsDelivery(t *testing.T) {
	srv, _ := newTestServer(t, map[string]Driver{"team": &stubDriver{}})
	hub := srv.HubInstance()
	b := bus.New()
	defer b.Close()
	hub.Pump("team", b.Subscribe())

	conn, ctx := dialTestServer(t, srv)
	readJSON(t, ctx, conn) // hello

	writeJSON(t, ctx, conn, ClientMessage{Action: "subscribe", Channel: "team"})
	readJSON(t, ctx, conn) // confirmed

	writeJSON(t, ctx, conn, ClientMessage{Action: "unsubscribe", Channel: "team"})
	require.Eventually(t, func() bool {
		return hub.subscriberCount("team") == 0
	}, time.Second, 10*time.Millisecond)

	b.Publish(bus.PhaseChangedPayload{
		BasePayload: bus.Base(bus.EventTypePhaseChanged, "sess-1"),
	})

	// A ping after the publish proves the pong arrives with no event before it.
	writeJSON(t, ctx, conn, ClientMessage{Action: "ping"})
	assert.Equal(t, "pong", readJSON(t, ctx, conn)["type"])
}

func TestWebSocketCatchupReplaysMissedEvents(t *testing.T) {
	srv, _ := newTestServer(t, map[string]Driver{"office": &stubDriver{}})
	hub := srv.HubInstance()

	// Broadcast before any client connects; events land in the replay buffer.
	for i := 0; i < 3; i++ {
		hub.Broadcast("office", bus.RestCountdownPayload{
			BasePayload:      bus.Base(bus.EventTypeRestCountdown, "sess-2"),
			SecondsRemaining: 300 - i,
			TotalSeconds:     300,
		})
	}

	conn, ctx := dialTestServer(t, srv)
	readJSON(t, ctx, conn) // hello

	writeJSON(t, ctx, conn, ClientMessage{Action: "subscribe", Channel: "office"})
	readJSON(t, ctx, conn) // confirmed

	last := 1
	writeJSON(t, ctx, conn, ClientMessage{Action: "catchup", Channel: "office", LastEventID: &last})

	evt := readJSON(t, ctx, conn)
	assert.EqualValues(t, 2, evt["event_id"])
	evt = readJSON(t, ctx, conn)
	assert.EqualValues(t, 3, evt["event_id"])
}

func TestHubBroadcastToNoSubscribersIsNoOp(t *testing.T) {
	hub := NewHub(nil)
	hub.Broadcast("team", bus.PhaseChangedPayload{
		BasePayload: bus.Base(bus.EventTypePhaseChanged, "s"),
	})
	assert.Equal(t, 0, hub.ActiveConnections())
}
