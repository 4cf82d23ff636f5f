package channel

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection wraps a WebSocket with a single-writer goroutine.
// ARCHITECTURAL DISCOVERY: All writes funnel through writeCh so concurrent
// broadcasts and replies never race on the underlying socket.
type Connection struct {
	id      string
	ws      *websocket.Conn
	writeCh chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// Binding is set once the participant's join is accepted.
	mu            sync.RWMutex
	sessionID     string
	participantID string
	bound         bool

	writeTimeout time.Duration
}

func newConnection(id string, ws *websocket.Conn, sendBuffer int, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           id,
		ws:           ws,
		writeCh:      make(chan []byte, sendBuffer),
		ctx:          ctx,
		cancel:       cancel,
		writeTimeout: writeTimeout,
	}
	go c.writeLoop()
	return c
}

// ID returns the server-assigned connection identifier.
func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues an encoded frame for delivery. A full buffer or a closed
// connection surfaces as an error so callers can treat the peer as lost.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		// FUNCTIONAL DISCOVERY: A receiver that cannot drain its buffer is
		// effectively gone; failing fast beats stalling the broadcaster
		return ErrSendBufferFull
	}
}

// Close tears down the socket and stops the writer goroutine.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.ws.Close()
	})
	return err
}

func (c *Connection) bind(sessionID, participantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bound {
		return ErrAlreadyBound
	}
	c.sessionID = sessionID
	c.participantID = participantID
	c.bound = true
	return nil
}

func (c *Connection) unbind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = ""
	c.participantID = ""
	c.bound = false
}

// Binding reports the session and participant this connection speaks for,
// if the join handshake has completed.
func (c *Connection) Binding() (sessionID, participantID string, bound bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID, c.participantID, c.bound
}
