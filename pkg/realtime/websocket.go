// Package realtime bridges the notification bus to client-facing channels:
// WebSocket connections and server-sent event streams.
package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tcmartin/flowqueue/pkg/logging"
	"github.com/tcmartin/flowqueue/pkg/notify"
)

const (
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// WebSocketManager manages WebSocket connections for real-time updates.
// Clients subscribe to bus topics over the connection; each subscription
// pumps the topic's messages back over the same connection.
type WebSocketManager struct {
	// upgrader for upgrading HTTP connections to WebSocket
	upgrader websocket.Upgrader

	// connectionMeta stores metadata for each connection
	connectionMeta map[*websocket.Conn]*ConnectionMetadata

	// mutex for thread-safe access
	mu sync.RWMutex

	// bus is the notification source
	bus *notify.Bus

	logger logging.Logger
}

// ConnectionMetadata stores metadata about a WebSocket connection
type ConnectionMetadata struct {
	ConnectedAt   time.Time
	LastPingAt    time.Time
	Subscriptions map[string]func() // topic -> bus cancel

	// writeMu serializes writes; topic pumps and the ping loop share the conn
	writeMu sync.Mutex
}

// ClientMessage represents incoming WebSocket messages
type ClientMessage struct {
	Type  string `json:"type"` // "subscribe", "unsubscribe", "ping"
	Topic string `json:"topic,omitempty"`
}

// ServerMessage represents outgoing WebSocket messages
type ServerMessage struct {
	Type      string          `json:"type"` // "event", "subscribed", "unsubscribed", "pong", "error"
	Topic     string          `json:"topic,omitempty"`
	Message   *notify.Message `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewWebSocketManager creates a new WebSocket manager.
func NewWebSocketManager(bus *notify.Bus, logger logging.Logger) *WebSocketManager {
	return &WebSocketManager{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow connections from any origin for now
				// In production, this should be more restrictive
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connectionMeta: make(map[*websocket.Conn]*ConnectionMetadata),
		bus:            bus,
		logger:         logger,
	}
}

// HandleWebSocket handles WebSocket connection upgrade and management.
func (wsm *WebSocketManager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsm.logger.Error("websocket upgrade failed", logging.F("error", err.Error()))
		return
	}
	defer conn.Close()

	meta := &ConnectionMetadata{
		ConnectedAt:   time.Now(),
		LastPingAt:    time.Now(),
		Subscriptions: make(map[string]func()),
	}
	wsm.mu.Lock()
	wsm.connectionMeta[conn] = meta
	wsm.mu.Unlock()

	defer wsm.removeConnection(conn)

	wsm.logger.Debug("websocket connection established", logging.F("remote", r.RemoteAddr))

	conn.SetPongHandler(func(string) error {
		wsm.mu.Lock()
		if m, exists := wsm.connectionMeta[conn]; exists {
			m.LastPingAt = time.Now()
		}
		wsm.mu.Unlock()
		return nil
	})

	go wsm.pingRoutine(conn, meta)

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				wsm.logger.Debug("websocket read error", logging.F("error", err.Error()))
			}
			break
		}
		wsm.handleMessage(conn, meta, &msg)
	}
}

// handleMessage processes incoming WebSocket messages.
func (wsm *WebSocketManager) handleMessage(conn *websocket.Conn, meta *ConnectionMetadata, msg *ClientMessage) {
	switch msg.Type {
	case "subscribe":
		if msg.Topic != "" {
			wsm.subscribe(conn, meta, msg.Topic)
		}
	case "unsubscribe":
		if msg.Topic != "" {
			wsm.unsubscribe(conn, meta, msg.Topic)
		}
	case "ping":
		wsm.sendMessage(conn, meta, ServerMessage{
			Type:      "pong",
			Timestamp: time.Now(),
		})
	default:
		wsm.logger.Debug("unknown websocket message type", logging.F("type", msg.Type))
	}
}

// subscribe binds a connection to a bus topic and starts pumping the
// topic's messages over the connection.
func (wsm *WebSocketManager) subscribe(conn *websocket.Conn, meta *ConnectionMetadata, topic string) {
	wsm.mu.Lock()
	if _, exists := meta.Subscriptions[topic]; exists {
		wsm.mu.Unlock()
		return
	}
	ch, cancel := wsm.bus.Subscribe(topic)
	meta.Subscriptions[topic] = cancel
	wsm.mu.Unlock()

	go func() {
		for m := range ch {
			msg := m
			wsm.sendMessage(conn, meta, ServerMessage{
				Type:      "event",
				Topic:     topic,
				Message:   &msg,
				Timestamp: time.Now(),
			})
		}
	}()

	wsm.sendMessage(conn, meta, ServerMessage{
		Type:      "subscribed",
		Topic:     topic,
		Timestamp: time.Now(),
	})
}

// unsubscribe detaches a connection from a bus topic.
func (wsm *WebSocketManager) unsubscribe(conn *websocket.Conn, meta *ConnectionMetadata, topic string) {
	wsm.mu.Lock()
	cancel, exists := meta.Subscriptions[topic]
	if exists {
		delete(meta.Subscriptions, topic)
	}
	wsm.mu.Unlock()

	if exists {
		cancel()
		wsm.sendMessage(conn, meta, ServerMessage{
			Type:      "unsubscribed",
			Topic:     topic,
			Timestamp: time.Now(),
		})
	}
}

// sendMessage sends a message to a WebSocket connection.
func (wsm *WebSocketManager) sendMessage(conn *websocket.Conn, meta *ConnectionMetadata, msg ServerMessage) {
	meta.writeMu.Lock()
	defer meta.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteJSON(msg); err != nil {
		wsm.logger.Debug("failed to send websocket message", logging.F("error", err.Error()))
		wsm.removeConnection(conn)
	}
}

// removeConnection cancels a connection's subscriptions and closes it.
func (wsm *WebSocketManager) removeConnection(conn *websocket.Conn) {
	wsm.mu.Lock()
	meta, exists := wsm.connectionMeta[conn]
	if exists {
		delete(wsm.connectionMeta, conn)
	}
	wsm.mu.Unlock()

	if exists {
		for _, cancel := range meta.Subscriptions {
			cancel()
		}
	}
	conn.Close()
}

// pingRoutine sends periodic ping messages to keep the connection alive.
func (wsm *WebSocketManager) pingRoutine(conn *websocket.Conn, meta *ConnectionMetadata) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		meta.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		meta.writeMu.Unlock()
		if err != nil {
			wsm.removeConnection(conn)
			return
		}

		wsm.mu.RLock()
		_, alive := wsm.connectionMeta[conn]
		wsm.mu.RUnlock()
		if !alive {
			return
		}
	}
}

// GetConnectedClients returns the number of connected clients.
func (wsm *WebSocketManager) GetConnectedClients() int {
	wsm.mu.RLock()
	defer wsm.mu.RUnlock()
	return len(wsm.connectionMeta)
}
