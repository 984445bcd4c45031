package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-ble/internal/discovery"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
)

// Message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// Event channels clients can subscribe to.
const (
	ChannelState          = "ble.state"
	ChannelScanning       = "ble.scanning"
	ChannelLockDiscovered = "ble.lock_discovered"
	ChannelLockUpdated    = "ble.lock_updated"
)

var knownChannels = map[string]bool{
	ChannelState:          true,
	ChannelScanning:       true,
	ChannelLockDiscovered: true,
	ChannelLockUpdated:    true,
}

// WSMessage is the envelope of every frame sent to a client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsRequest is a frame received from a client.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// StatePayload is the body of ble.state events.
type StatePayload struct {
	State discovery.AdapterState `json:"state"`
	Ready bool                   `json:"ready"`
}

// ScanningPayload is the body of ble.scanning events.
type ScanningPayload struct {
	Scanning   bool `json:"scanning"`
	ActiveMode bool `json:"active_mode"`
}

// WSClient is one connected WebSocket peer.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	mu            sync.RWMutex

	// snapshot returns the current value of a channel, sent right after a
	// subscribe so the client does not wait for the next edge. Nil in tests.
	snapshot func(channel string) (any, bool)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// relayEvent maps controller events onto WebSocket channels. It runs on
// the controller's dispatch path; Broadcast never blocks on a client.
func (s *Server) relayEvent(e discovery.Event) {
	switch e.Type {
	case discovery.EventState:
		s.hub.Broadcast(ChannelState, StatePayload{State: e.State, Ready: e.State == discovery.StatePoweredOn})
	case discovery.EventStartedScanning, discovery.EventStoppedScanning:
		s.hub.Broadcast(ChannelScanning, ScanningPayload{
			Scanning:   e.Type == discovery.EventStartedScanning,
			ActiveMode: s.scanner.Status().ActiveMode,
		})
	case discovery.EventSmartLockDiscovered:
		s.hub.Broadcast(ChannelLockDiscovered, newLockResponse(e.SmartLock))
	case discovery.EventSmartLockUpdated:
		s.hub.Broadcast(ChannelLockUpdated, newLockResponse(e.SmartLock))
	}
}

// channelSnapshot reports the current scanner state for the two status
// channels. Lock channels carry edges only.
func (s *Server) channelSnapshot(channel string) (any, bool) {
	st := s.scanner.Status()
	switch channel {
	case ChannelState:
		return StatePayload{State: st.State, Ready: st.Ready}, true
	case ChannelScanning:
		return ScanningPayload{Scanning: st.Scanning, ActiveMode: st.ActiveMode}, true
	}
	return nil, false
}

// handleWebSocket upgrades the HTTP connection to a WebSocket connection.
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
		snapshot:      s.channelSnapshot,
	}
	s.hub.Register(client)

	t := newWSTimings(s.wsCfg)
	go client.writePump(t)
	go client.readPump(t, s.wsCfg.MaxMessageSize)
}

// wsTimings holds the keepalive durations derived from config.
type wsTimings struct {
	ping time.Duration
	pong time.Duration
}

func newWSTimings(cfg config.WebSocketConfig) wsTimings {
	return wsTimings{
		ping: time.Duration(cfg.PingInterval) * time.Second,
		pong: time.Duration(cfg.PongTimeout) * time.Second,
	}
}

// readDeadline is how long a peer may stay silent.
func (t wsTimings) readDeadline() time.Time {
	return time.Now().Add(t.ping + t.pong)
}

func (c *WSClient) readPump(t wsTimings, maxSize int) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(maxSize))
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(t.readDeadline())
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(t.readDeadline())
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Application frames count as liveness too; some browsers never
		// answer protocol pings.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(t.readDeadline())
		c.handleMessage(data)
	}
}

func (c *WSClient) writePump(t wsTimings) {
	ticker := time.NewTicker(t.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		//nolint:errcheck // Best-effort deadline; write error caught by caller
		c.conn.SetWriteDeadline(time.Now().Add(t.pong))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil) //nolint:errcheck // Closing anyway
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypeSubscribe:
		c.updateSubscriptions(req, true)
	case WSTypeUnsubscribe:
		c.updateSubscriptions(req, false)
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	default:
		c.sendError(req.ID, "unknown message type: "+req.Type)
	}
}

// updateSubscriptions applies a subscribe or unsubscribe request. The
// request is rejected whole if it names an unknown channel.
func (c *WSClient) updateSubscriptions(req wsRequest, subscribe bool) {
	var sub WSSubscribePayload
	if len(req.Payload) == 0 || json.Unmarshal(req.Payload, &sub) != nil || len(sub.Channels) == 0 {
		c.sendError(req.ID, "payload must list channels")
		return
	}
	for _, ch := range sub.Channels {
		if !knownChannels[ch] {
			c.sendError(req.ID, "unknown channel: "+ch)
			return
		}
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		if subscribe {
			c.subscriptions[ch] = struct{}{}
		} else {
			delete(c.subscriptions, ch)
		}
	}
	c.mu.Unlock()

	if !subscribe {
		c.reply(req.ID, WSTypeResponse, map[string]any{"unsubscribed": sub.Channels})
		return
	}

	c.hub.logger.Debug("websocket client subscribed", "channels", sub.Channels)
	c.reply(req.ID, WSTypeResponse, map[string]any{"subscribed": sub.Channels})

	if c.snapshot == nil {
		return
	}
	for _, ch := range sub.Channels {
		if payload, ok := c.snapshot(ch); ok {
			if data, err := encodeEvent(ch, payload); err == nil {
				c.trySend(data)
			}
		}
	}
}

// trySend queues data without blocking. A full buffer drops the frame; a
// channel closed by a concurrent Unregister is absorbed.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
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

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"message": message})
}
