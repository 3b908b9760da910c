package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quizdeck/realtime/internal/presence"
)

// PresenceTracker ties socket lifecycle to presence: attaching opens a
// session, client messages refresh it, the socket dying ends it. The
// presence service satisfies it.
type PresenceTracker interface {
	Join(ctx context.Context, contextType, contextID string, req presence.JoinRequest) (string, error)
	RecordActivity(ctx context.Context, sessionID string)
	Leave(ctx context.Context, sessionID string)
}

// ClientMessage is the envelope clients send on a room socket. Type says
// why the client spoke; any well-formed message also counts as user
// activity for presence.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ConnectionConfig holds the socket tuning knobs. PingInterval must stay
// under ReadTimeout or idle clients get dropped between keepalives.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns the default socket tuning.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Dev default; deployments terminate origins at the proxy.
		CheckOrigin: func(*http.Request) bool { return true },
	}
}

// BroadcastMessage routes one event through the fan-out loop. UserID
// narrows delivery to a single user's connections when set.
type BroadcastMessage struct {
	RoomID string
	Event  *Event
	UserID string
}

// ConnectionManager owns every room socket: the per-room pools, the
// fan-out loop, and the signal path from clients into presence.
type ConnectionManager struct {
	config   ConnectionConfig
	upgrader websocket.Upgrader
	tracker  PresenceTracker
	onEmpty  func(roomID string)

	mu    sync.RWMutex
	pools map[string]map[*Connection]struct{}

	fanout chan BroadcastMessage
}

// Connection is one client socket bound to a room, carrying the presence
// session opened when it attached.
type Connection struct {
	ID        string
	UserID    string
	RoomID    string
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte
	Manager   *ConnectionManager

	ConnectedAt time.Time
	LastPing    time.Time
}

// NewConnectionManager creates a manager. tracker and onEmpty may be nil;
// onEmpty fires after the last connection of a room detaches.
func NewConnectionManager(config ConnectionConfig, tracker PresenceTracker, onEmpty func(roomID string)) *ConnectionManager {
	return &ConnectionManager{
		config:  config,
		tracker: tracker,
		onEmpty: onEmpty,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		pools:  make(map[string]map[*Connection]struct{}),
		fanout: make(chan BroadcastMessage, 1000),
	}
}

// Start drains the fan-out queue until ctx is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("room socket fan-out running")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("room socket fan-out stopped")
			return
		case msg := <-cm.fanout:
			cm.deliver(msg)
		}
	}
}

// UpgradeConnection switches the request to a WebSocket, opens a presence
// session for the user and starts the connection's pumps.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID, roomID string) error {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade room socket: %w", err)
	}

	now := time.Now()
	conn := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		RoomID:      roomID,
		Conn:        ws,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: now,
		LastPing:    now,
	}

	if cm.tracker != nil {
		sessionID, err := cm.tracker.Join(r.Context(), "room", roomID, presence.JoinRequest{
			UserID:    userID,
			Role:      presence.RolePlayer,
			UserAgent: r.UserAgent(),
		})
		if err != nil {
			// Presence is advisory; the socket still serves events.
			log.Warn().Err(err).Str("room_id", roomID).Str("user_id", userID).Msg("presence join failed for room socket")
		} else {
			conn.SessionID = sessionID
		}
	}

	cm.attach(conn)
	go conn.writeLoop()
	go conn.readLoop()

	log.Info().
		Str("connection_id", conn.ID).
		Str("room_id", roomID).
		Str("user_id", userID).
		Str("session_id", conn.SessionID).
		Msg("room socket attached")
	return nil
}

func (cm *ConnectionManager) attach(conn *Connection) {
	cm.mu.Lock()
	pool, ok := cm.pools[conn.RoomID]
	if !ok {
		pool = make(map[*Connection]struct{})
		cm.pools[conn.RoomID] = pool
	}
	pool[conn] = struct{}{}
	size := len(pool)
	cm.mu.Unlock()

	log.Debug().Str("connection_id", conn.ID).Str("room_id", conn.RoomID).Int("pool_size", size).Msg("connection attached")
}

// detach removes a connection, ends its presence session and reports a
// drained room. Both pumps call it; only the first call acts.
func (cm *ConnectionManager) detach(conn *Connection) {
	cm.mu.Lock()
	pool, ok := cm.pools[conn.RoomID]
	if !ok {
		cm.mu.Unlock()
		return
	}
	if _, member := pool[conn]; !member {
		cm.mu.Unlock()
		return
	}
	delete(pool, conn)
	close(conn.Send)
	drained := len(pool) == 0
	if drained {
		delete(cm.pools, conn.RoomID)
	}
	cm.mu.Unlock()

	if conn.SessionID != "" && cm.tracker != nil {
		cm.tracker.Leave(context.Background(), conn.SessionID)
	}
	if drained && cm.onEmpty != nil {
		cm.onEmpty(conn.RoomID)
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("room_id", conn.RoomID).
		Bool("room_drained", drained).
		Msg("connection detached")
}

// BroadcastToRoom queues an event for every connection in a room. A full
// queue drops the event rather than blocking the caller.
func (cm *ConnectionManager) BroadcastToRoom(roomID string, event *Event) {
	select {
	case cm.fanout <- BroadcastMessage{RoomID: roomID, Event: event}:
	default:
		log.Warn().Str("room_id", roomID).Msg("fan-out queue full, event dropped")
	}
}

// BroadcastToUser queues an event for one user's connections in a room.
func (cm *ConnectionManager) BroadcastToUser(roomID, userID string, event *Event) {
	select {
	case cm.fanout <- BroadcastMessage{RoomID: roomID, Event: event, UserID: userID}:
	default:
		log.Warn().Str("room_id", roomID).Str("user_id", userID).Msg("fan-out queue full, event dropped")
	}
}

// deliver marshals the event once and hands it to every target buffer. A
// connection whose buffer is full is too far behind to catch up; it gets
// detached and its socket closed.
func (cm *ConnectionManager) deliver(msg BroadcastMessage) {
	cm.mu.RLock()
	pool := cm.pools[msg.RoomID]
	targets := make([]*Connection, 0, len(pool))
	for conn := range pool {
		if msg.UserID != "" && conn.UserID != msg.UserID {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(msg.Event)
	if err != nil {
		log.Error().Err(err).Str("room_id", msg.RoomID).Msg("event marshal failed, not delivered")
		return
	}

	for _, conn := range targets {
		select {
		case conn.Send <- data:
		default:
			log.Warn().
				Str("connection_id", conn.ID).
				Str("room_id", msg.RoomID).
				Msg("send buffer full, dropping slow connection")
			cm.detach(conn)
			if conn.Conn != nil {
				conn.Conn.Close()
			}
		}
	}
}

// GetConnectionStats returns per-room connection counts.
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	total := 0
	perRoom := make(map[string]int, len(cm.pools))
	for roomID, pool := range cm.pools {
		perRoom[roomID] = len(pool)
		total += len(pool)
	}
	return map[string]interface{}{
		"total_connections": total,
		"active_rooms":      len(cm.pools),
		"room_connections":  perRoom,
	}
}

// writeLoop owns all writes on the socket: queued events and keepalive
// pings. Exiting tears the connection down.
func (c *Connection) writeLoop() {
	ping := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ping.Stop()
		c.Conn.Close()
		c.Manager.detach(c)
	}()

	for {
		select {
		case data, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("socket write failed")
				return
			}

		case <-ping.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("keepalive ping failed")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readLoop consumes client messages until the socket dies. Pongs and
// messages both push the read deadline forward.
func (c *Connection) readLoop() {
	defer func() {
		c.Manager.detach(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.LastPing = time.Now()
		return c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("connection_id", c.ID).Msg("room socket closed unexpectedly")
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.handleClientMessage(raw)
	}
}

// handleClientMessage decodes the client envelope and refreshes the
// sender's presence. Clients send {"type":"activity"} as the dedicated
// interaction signal, but any well-formed message counts: a user talking
// to the server is not idle.
func (c *Connection) handleClientMessage(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Warn().Str("connection_id", c.ID).Msg("undecodable client message dropped")
		return
	}

	if c.SessionID != "" && c.Manager.tracker != nil {
		c.Manager.tracker.RecordActivity(context.Background(), c.SessionID)
	}

	switch msg.Type {
	case "activity":
		// Pure presence refresh, already recorded.
	default:
		log.Debug().Str("connection_id", c.ID).Str("type", msg.Type).Msg("client message with no server action")
	}
}
