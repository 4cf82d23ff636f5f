package channel

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabspace/internal/codec"
	"collabspace/internal/hub"
	"collabspace/pkg/types"
)

// Dispatcher is the channel layer's hand-off point into session
// processing. The hub implements it.
type Dispatcher interface {
	Dispatch(connID string, msg *types.Message) error
	Disconnected(sessionID, participantID string)
}

// Config carries the transport tunables for the channel manager.
type Config struct {
	ReadTimeout  time.Duration // Read deadline, refreshed on every pong
	PingInterval time.Duration // Transport-level ping cadence
	WriteTimeout time.Duration // Per-frame write deadline
	SendBuffer   int           // Frames buffered per connection
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Deployments front this with a reverse proxy that enforces origin.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Manager owns every live WebSocket and the mapping from participants to
// their connections. It delivers outbound messages and feeds inbound
// frames to the dispatcher after decode, identity, and rate checks.
// ARCHITECTURAL DISCOVERY: The manager knows transports and identities but
// holds no session state; everything stateful crosses the Dispatcher.
type Manager struct {
	mu       sync.RWMutex
	conns    map[string]*Connection
	sessions map[string]map[string]*Connection // sessionID -> participantID -> conn

	dispatcher Dispatcher
	limiter    *RateLimiter
	config     Config
	done       chan struct{}
}

// NewManager creates a channel manager. The dispatcher is attached later
// with SetDispatcher because the hub is constructed on top of this layer.
func NewManager(limiter *RateLimiter, config Config) *Manager {
	m := &Manager{
		conns:    make(map[string]*Connection),
		sessions: make(map[string]map[string]*Connection),
		limiter:  limiter,
		config:   config,
		done:     make(chan struct{}),
	}
	go m.sweepLimiter()
	return m
}

// sweepLimiter periodically drops rate limiter windows for participants
// that left without an explicit leave, so the map does not grow forever.
func (m *Manager) sweepLimiter() {
	ticker := time.NewTicker(m.limiter.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.limiter.Cleanup()
		case <-m.done:
			return
		}
	}
}

// SetDispatcher wires the inbound message sink. Must be called before the
// first HandleWebSocket.
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatcher = d
}

// ConnectionCount reports the number of open WebSockets.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// HandleWebSocket upgrades the request and starts serving the connection.
func (m *Manager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	dispatcher := m.dispatcher
	m.mu.RUnlock()
	if dispatcher == nil {
		http.Error(w, ErrNoDispatcher.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := newConnection(uuid.New().String(), ws, m.config.SendBuffer, m.config.WriteTimeout)

	m.mu.Lock()
	m.conns[conn.ID()] = conn
	m.mu.Unlock()

	go m.serve(conn)
}

// Bind associates a connection with an accepted participant so broadcasts
// can reach it and inbound frames are attributed to it.
func (m *Manager) Bind(connID, sessionID, participantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, exists := m.conns[connID]
	if !exists {
		return ErrConnectionNotFound
	}
	if err := conn.bind(sessionID, participantID); err != nil {
		return err
	}

	participants, exists := m.sessions[sessionID]
	if !exists {
		participants = make(map[string]*Connection)
		m.sessions[sessionID] = participants
	}
	participants[participantID] = conn
	return nil
}

// Release drops a participant's binding. The connection, if still open,
// reverts to unbound and may issue a fresh join.
func (m *Manager) Release(sessionID, participantID string) {
	m.mu.Lock()
	participants, exists := m.sessions[sessionID]
	var conn *Connection
	if exists {
		conn = participants[participantID]
		delete(participants, participantID)
		if len(participants) == 0 {
			delete(m.sessions, sessionID)
		}
	}
	m.mu.Unlock()

	if conn != nil {
		conn.unbind()
	}
	m.limiter.Forget(participantID)
}

// Broadcast delivers a message to every bound participant of a session,
// optionally excluding one. Per-recipient failures are isolated: the slow
// or dead connection is closed and the rest still receive the message.
func (m *Manager) Broadcast(sessionID string, msg *types.Message, excludeParticipantID string) {
	data, err := codec.Encode(msg)
	if err != nil {
		log.Printf("Broadcast encode failed: session=%s type=%s err=%v", sessionID, msg.Type, err)
		return
	}

	m.mu.RLock()
	recipients := make([]*Connection, 0, len(m.sessions[sessionID]))
	for participantID, conn := range m.sessions[sessionID] {
		if participantID == excludeParticipantID {
			continue
		}
		recipients = append(recipients, conn)
	}
	m.mu.RUnlock()

	for _, conn := range recipients {
		if err := conn.Send(data); err != nil {
			log.Printf("Broadcast delivery failed: session=%s conn=%s err=%v", sessionID, conn.ID(), err)
			// The read loop notices the close and runs the disconnect path.
			_ = conn.Close()
		}
	}
}

// SendToConn delivers a message to one connection, bound or not.
func (m *Manager) SendToConn(connID string, msg *types.Message) error {
	m.mu.RLock()
	conn, exists := m.conns[connID]
	m.mu.RUnlock()
	if !exists {
		return ErrConnectionNotFound
	}

	data, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	return conn.Send(data)
}

// Shutdown stops the limiter sweep and closes every open connection.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// serve runs transport heartbeating and the read loop for one connection.
// TECHNICAL DISCOVERY: Ping/pong covers the transport while protocol
// heartbeats cover the participant; a NATed client can lose one without
// the other.
func (m *Manager) serve(conn *Connection) {
	defer m.disconnect(conn)

	if err := conn.ws.SetReadDeadline(time.Now().Add(m.config.ReadTimeout)); err != nil {
		return
	}
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(m.config.ReadTimeout))
	})
	conn.ws.SetReadLimit(codec.MaxEnvelopeBytes)

	go m.pingLoop(conn)

	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket read failed: conn=%s err=%v", conn.ID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		m.handleFrame(conn, data)
	}
}

func (m *Manager) pingLoop(conn *Connection) {
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(m.config.WriteTimeout)
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}

// handleFrame decodes one inbound frame and forwards it to the dispatcher
// after identity and rate checks.
func (m *Manager) handleFrame(conn *Connection, data []byte) {
	msg, err := codec.Decode(data)
	if err != nil {
		m.replyError(conn, "", "", types.ErrorCodeMalformedMessage, err.Error())
		return
	}

	sessionID, participantID, bound := conn.Binding()

	if bound {
		if msg.Type == types.MessageTypeJoin {
			m.replyError(conn, sessionID, participantID, types.ErrorCodeForbidden,
				"connection already joined a session")
			return
		}
		// FUNCTIONAL DISCOVERY: Envelope identity must match the binding;
		// a client cannot speak for another participant or session
		if msg.SessionID != sessionID || msg.ParticipantID != participantID {
			m.replyError(conn, sessionID, participantID, types.ErrorCodeForbidden,
				"message identity does not match connection")
			return
		}
	} else if msg.Type != types.MessageTypeJoin {
		m.replyError(conn, msg.SessionID, "", types.ErrorCodeForbidden, ErrNotBound.Error())
		return
	}

	if bound && msg.Type != types.MessageTypeHeartbeat {
		if msg.Type == types.MessageTypeCursorUpdate {
			if !m.limiter.AllowCursor(participantID) {
				// Cursor positions are ephemeral; dropping one is harmless
				// and the next update supersedes it anyway.
				return
			}
		} else if !m.limiter.Allow(participantID) {
			m.replyError(conn, sessionID, participantID, types.ErrorCodeRateLimited,
				"message rate limit exceeded")
			return
		}
	}

	if err := m.dispatcher.Dispatch(conn.ID(), msg); err != nil {
		switch err {
		case hub.ErrSessionNotFound:
			m.replyError(conn, msg.SessionID, msg.ParticipantID, types.ErrorCodeSessionNotFound,
				"session not found or no longer active")
		case hub.ErrQueueFull:
			m.replyError(conn, msg.SessionID, msg.ParticipantID, types.ErrorCodeRateLimited,
				"session is overloaded, retry shortly")
		default:
			log.Printf("Dispatch failed: conn=%s type=%s err=%v", conn.ID(), msg.Type, err)
			m.replyError(conn, msg.SessionID, msg.ParticipantID, types.ErrorCodeSessionNotFound,
				"session is unavailable")
		}
	}
}

// disconnect runs when a connection's read loop exits for any reason.
func (m *Manager) disconnect(conn *Connection) {
	_ = conn.Close()

	sessionID, participantID, bound := conn.Binding()

	m.mu.Lock()
	delete(m.conns, conn.ID())
	if bound {
		if participants, exists := m.sessions[sessionID]; exists {
			if participants[participantID] == conn {
				delete(participants, participantID)
				if len(participants) == 0 {
					delete(m.sessions, sessionID)
				}
			}
		}
	}
	dispatcher := m.dispatcher
	m.mu.Unlock()

	if bound && dispatcher != nil {
		dispatcher.Disconnected(sessionID, participantID)
	}
	log.Printf("Connection closed: conn=%s bound=%v", conn.ID(), bound)
}

// replyError sends a sender-only error message on the connection.
func (m *Manager) replyError(conn *Connection, sessionID, participantID, code, detail string) {
	msg, err := types.NewMessage(types.MessageTypeError, sessionID, participantID, &types.ErrorPayload{
		Code:    code,
		Message: detail,
	})
	if err != nil {
		return
	}
	data, err := codec.Encode(msg)
	if err != nil {
		return
	}
	if err := conn.Send(data); err != nil {
		log.Printf("Error reply not delivered: conn=%s code=%s err=%v", conn.ID(), code, err)
	}
}
