package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/divers33/hass-melcloud-coordinator/internal/infrastructure/config"
	"github.com/divers33/hass-melcloud-coordinator/internal/infrastructure/logging"
)

// Channels a client can subscribe to. Device events follow the
// registry, command events follow the queue lifecycle.
const (
	ChannelStateChanged        = "device.state_changed"
	ChannelAvailabilityChanged = "device.availability_changed"
	ChannelCommandConfirmed    = "command.confirmed"
	ChannelCommandExpired      = "command.expired"
)

// Frame types. Clients send subscribe, unsubscribe and ping; the
// server answers with response, pong and error, and pushes event
// frames for subscribed channels.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// wsSendBufferSize bounds the per-client outbound queue. A client that
// stops reading loses events rather than stalling broadcasts.
const wsSendBufferSize = 256

// WSMessage is the envelope for every frame in both directions. ID is
// a client-chosen correlation id echoed back on direct replies;
// EventType names the channel on event frames.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload carries the channel list for subscribe and
// unsubscribe requests.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// Hub tracks connected WebSocket clients and fans coordinator events
// out to the ones subscribed to each channel.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// WSClient is one connected peer. Outbound frames leave through the
// buffered send channel; writePump is the only goroutine that writes
// to the connection.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	subscriptions map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin policy is enforced by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the broadcast set.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// Unregister removes a client. Only the caller that actually removes
// it from the map closes the send channel; readPump and closeAll can
// both land here during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, present := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if present {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// Broadcast sends one event to every client subscribed to channel. The
// client set is snapshotted under the hub lock and released before any
// per-client lock is taken, so a slow client cannot hold up the map.
func (h *Hub) Broadcast(channel string, payload any) {
	msg := WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshalling websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	recipients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		recipients = append(recipients, client)
	}
	h.mu.RUnlock()

	for _, client := range recipients {
		if client.isSubscribed(channel) {
			client.trySend(data)
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll drops every client and closes their send channels so the
// write pumps exit.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// handleWebSocket upgrades GET /ws. A fresh client is subscribed to
// nothing and picks channels with a subscribe frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	s.hub.Register(client)

	go client.writePump()
	go client.readPump()
}

// readPump consumes frames until the connection dies, then unregisters
// the client. Any inbound frame counts as liveness, not just pongs, so
// a chatty client that ignores protocol pings stays connected.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	cfg := c.hub.cfg
	liveness := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	//nolint:errcheck // a failed deadline surfaces as a read error below
	c.conn.SetReadDeadline(time.Now().Add(liveness))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(liveness))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		//nolint:errcheck // a failed deadline surfaces as a read error
		c.conn.SetReadDeadline(time.Now().Add(liveness))
		c.handleFrame(frame)
	}
}

// writePump owns all writes on the connection: queued frames plus the
// protocol pings that keep intermediaries from dropping an idle
// connection. It exits when the send channel closes or a write fails.
func (c *WSClient) writePump() {
	cfg := c.hub.cfg
	writeWait := time.Duration(cfg.PongTimeout) * time.Second

	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				//nolint:errcheck // best-effort close frame
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // a failed deadline fails the write below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // a failed deadline fails the write below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame routes one inbound frame.
func (c *WSClient) handleFrame(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.replyError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.updateSubscriptions(msg, true)
	case WSTypeUnsubscribe:
		c.updateSubscriptions(msg, false)
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.replyError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// updateSubscriptions applies a subscribe or unsubscribe request and
// acknowledges it with the affected channel list.
func (c *WSClient) updateSubscriptions(msg WSMessage, add bool) {
	channels, err := decodeChannels(msg.Payload)
	if err != nil {
		c.replyError(msg.ID, "invalid "+msg.Type+" payload")
		return
	}

	c.mu.Lock()
	for _, ch := range channels {
		if add {
			c.subscriptions[ch] = struct{}{}
		} else {
			delete(c.subscriptions, ch)
		}
	}
	c.mu.Unlock()

	key := "unsubscribed"
	if add {
		key = "subscribed"
		c.hub.logger.Debug("websocket client subscribed", "channels", channels)
	}
	c.reply(msg.ID, WSTypeResponse, map[string]any{key: channels})
}

// decodeChannels recovers the channel list from an already-decoded
// payload by round-tripping it through JSON.
func decodeChannels(payload any) ([]string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var sub WSSubscribePayload
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, err
	}
	return sub.Channels, nil
}

// trySend queues a frame without blocking. Frames for a full buffer
// are dropped, and the recover absorbs the send-on-closed-channel
// panic when a client unregisters mid-broadcast.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		_ = recover()
	}()

	select {
	case c.send <- data:
	default:
	}
}

func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// reply queues a direct response frame for this client.
func (c *WSClient) reply(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) replyError(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"message": message})
}
