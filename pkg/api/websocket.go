package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentdesk/conductor/pkg/bus"
)

// historyLimit caps the per-channel replay buffer. A client that missed more
// events than this gets a catchup.overflow and must do a full REST reload.
const historyLimit = 200

// defaultWriteTimeout bounds each WebSocket send so one stalled client
// cannot hold up a broadcast indefinitely.
const defaultWriteTimeout = 5 * time.Second

// ClientMessage is the inbound WebSocket protocol.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // driver name ("team", "office", "panel")
	LastEventID *int   `json:"last_event_id,omitempty"` // for catchup
}

type storedEvent struct {
	id   int
	data []byte
}

// wsConn is a single WebSocket client.
//
// subscriptions is accessed without a lock: every read and write happens on
// the goroutine that owns the connection (HandleConnection's read loop and
// its deferred cleanup).
type wsConn struct {
	id            string
	sock          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// Hub fans driver bus events out to WebSocket clients. Each driver bus is
// bridged to one channel via Pump; clients subscribe to channels by name.
// Every broadcast event carries a per-channel event_id so clients can detect
// gaps and request a catchup.
type Hub struct {
	logger       *slog.Logger
	writeTimeout time.Duration

	mu    sync.RWMutex
	conns map[string]*wsConn

	channelMu sync.RWMutex
	channels  map[string]map[string]bool // channel -> set of conn ids

	histMu  sync.Mutex
	history map[string][]storedEvent
	nextID  map[string]int

	wg sync.WaitGroup
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
		conns:        make(map[string]*wsConn),
		channels:     make(map[string]map[string]bool),
		history:      make(map[string][]storedEvent),
		nextID:       make(map[string]int),
	}
}

// Pump bridges one bus subscription onto a channel. Runs until the
// subscription's stream closes (bus shutdown or Cancel).
func (h *Hub) Pump(channel string, sub *bus.Subscription) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for evt := range sub.C {
			h.Broadcast(channel, evt)
		}
	}()
}

// Wait blocks until every pump goroutine has drained.
func (h *Hub) Wait() { h.wg.Wait() }

// Broadcast stamps the event with a channel-scoped event_id, records it in
// the replay buffer and sends it to every subscriber of the channel.
func (h *Hub) Broadcast(channel string, evt bus.Event) {
	data, id, ok := h.record(channel, evt)
	if !ok {
		return
	}

	h.channelMu.RLock()
	connIDs, exists := h.channels[channel]
	if !exists {
		h.channelMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(connIDs))
	for cid := range connIDs {
		ids = append(ids, cid)
	}
	h.channelMu.RUnlock()

	// Snapshot connection pointers, then send with the lock released so a
	// slow write (up to writeTimeout) never stalls register/unregister.
	h.mu.RLock()
	conns := make([]*wsConn, 0, len(ids))
	for _, cid := range ids {
		if c, ok := h.conns[cid]; ok {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := h.sendRaw(c, data); err != nil {
			h.logger.Warn("WebSocket send failed",
				"connection_id", c.id, "channel", channel, "event_id", id, "error", err)
		}
	}
}

// record serialises the event with an injected event_id and appends it to
// the channel's replay buffer.
func (h *Hub) record(channel string, evt bus.Event) ([]byte, int, bool) {
	raw, err := json.Marshal(evt)
	if err != nil {
		h.logger.Warn("Failed to marshal event", "event_type", evt.EventType(), "error", err)
		return nil, 0, false
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.logger.Warn("Failed to decode event payload", "event_type", evt.EventType(), "error", err)
		return nil, 0, false
	}

	h.histMu.Lock()
	h.nextID[channel]++
	id := h.nextID[channel]
	payload["event_id"] = id
	data, err := json.Marshal(payload)
	if err != nil {
		h.histMu.Unlock()
		return nil, 0, false
	}
	hist := append(h.history[channel], storedEvent{id: id, data: data})
	if len(hist) > historyLimit {
		hist = hist[len(hist)-historyLimit:]
	}
	h.history[channel] = hist
	h.histMu.Unlock()

	return data, id, true
}

// HandleConnection runs the read loop for one upgraded connection. Blocks
// until the client disconnects.
func (h *Hub) HandleConnection(parentCtx context.Context, sock *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &wsConn{
		id:            uuid.New().String(),
		sock:          sock,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	h.register(c)
	defer h.unregister(c)

	h.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.id,
	})

	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("Invalid WebSocket message", "connection_id", c.id, "error", err)
			continue
		}
		h.handleClientMessage(c, &msg)
	}
}

func (h *Hub) handleClientMessage(c *wsConn, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			h.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		h.subscribe(c, msg.Channel)
		h.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})

	case "unsubscribe":
		if msg.Channel == "" {
			h.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		h.unsubscribe(c, msg.Channel)

	case "catchup":
		if msg.Channel == "" {
			h.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for catchup"})
			return
		}
		last := 0
		if msg.LastEventID != nil {
			last = *msg.LastEventID
		}
		h.handleCatchup(c, msg.Channel, last)

	case "ping":
		h.sendJSON(c, map[string]string{"type": "pong"})

	default:
		h.sendJSON(c, map[string]string{"type": "error", "message": "unknown action: " + msg.Action})
	}
}

func (h *Hub) subscribe(c *wsConn, channel string) {
	h.channelMu.Lock()
	if _, exists := h.channels[channel]; !exists {
		h.channels[channel] = make(map[string]bool)
	}
	h.channels[channel][c.id] = true
	h.channelMu.Unlock()

	c.subscriptions[channel] = true
}

func (h *Hub) unsubscribe(c *wsConn, channel string) {
	h.channelMu.Lock()
	if subs, exists := h.channels[channel]; exists {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	h.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

// handleCatchup replays buffered events newer than lastEventID. If the
// buffer no longer reaches back to lastEventID the client is told to do a
// full reload instead.
func (h *Hub) handleCatchup(c *wsConn, channel string, lastEventID int) {
	h.histMu.Lock()
	hist := h.history[channel]
	overflow := len(hist) > 0 && hist[0].id > lastEventID+1
	var replay [][]byte
	for _, evt := range hist {
		if evt.id > lastEventID {
			replay = append(replay, evt.data)
		}
	}
	h.histMu.Unlock()

	for _, data := range replay {
		if err := h.sendRaw(c, data); err != nil {
			h.logger.Warn("Failed to send catchup event", "connection_id", c.id, "error", err)
			return
		}
	}
	if overflow {
		h.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"channel":  channel,
			"has_more": true,
		})
	}
}

func (h *Hub) register(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

func (h *Hub) unregister(c *wsConn) {
	for ch := range c.subscriptions {
		h.unsubscribe(c, ch)
	}

	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()

	c.cancel()
	_ = c.sock.Close(websocket.StatusNormalClosure, "")
}

// ActiveConnections returns the number of connected clients.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// subscriberCount is used by tests to poll instead of sleeping.
func (h *Hub) subscriberCount(channel string) int {
	h.channelMu.RLock()
	defer h.channelMu.RUnlock()
	return len(h.channels[channel])
}

func (h *Hub) sendJSON(c *wsConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("Failed to marshal WebSocket message", "connection_id", c.id, "error", err)
		return
	}
	if err := h.sendRaw(c, data); err != nil {
		h.logger.Warn("Failed to send WebSocket message", "connection_id", c.id, "error", err)
	}
}

func (h *Hub) sendRaw(c *wsConn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
	defer cancel()
	return c.sock.Write(writeCtx, websocket.MessageText, data)
}

// HandleWebSocket upgrades the request and hands the connection to the hub.
func (s *Server) HandleWebSocket(c *gin.Context) {
	opts := &websocket.AcceptOptions{}
	if len(s.origins) > 0 {
		opts.OriginPatterns = s.origins
	}
	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	s.hub.HandleConnection(c.Request.Context(), conn)
}
