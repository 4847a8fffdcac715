package registry

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrSendBufferFull is returned by Enqueue when a connection's outbound
// queue is full. The caller treats it as a delivery failure for that one
// connection; nothing is retried or queued elsewhere.
var ErrSendBufferFull = errors.New("send buffer full")

// ErrConnectionClosed is returned by Enqueue after the connection's writer
// has shut down.
var ErrConnectionClosed = errors.New("connection closed")

// Socket is the transport surface a Connection writes to. *websocket.Conn
// satisfies it; tests substitute fakes.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Connection represents one physical client session. Outbound messages go
// through a buffered send queue drained by a single writer goroutine, so
// messages to one connection are delivered in enqueue order and a slow
// socket never stalls fan-out to its peers.
type Connection struct {
	ID string

	socket Socket
	send   chan []byte
	done   chan struct{}

	closeOnce   sync.Once
	cleanupOnce sync.Once

	mutex    sync.Mutex
	userID   string
	alive    bool
	lastSeen time.Time
}

// NewConnection creates a connection around an accepted socket. The send
// buffer bounds how far a slow client may fall behind before sends to it
// start failing.
func NewConnection(id string, socket Socket, sendBuffer int) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}

	return &Connection{
		ID:       id,
		socket:   socket,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		alive:    true,
		lastSeen: time.Now(),
	}
}

// UserID returns the authenticated owner, or "" before authentication
func (c *Connection) UserID() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.userID
}

// IsAuthenticated reports whether a user has been attached
func (c *Connection) IsAuthenticated() bool {
	return c.UserID() != ""
}

func (c *Connection) attachUser(userID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.userID != "" {
		return ErrAlreadyAuthenticated
	}
	c.userID = userID
	return nil
}

// IsAlive reports whether the connection is believed healthy
func (c *Connection) IsAlive() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.alive
}

// MarkAlive refreshes heartbeat bookkeeping
func (c *Connection) MarkAlive() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.alive = true
	c.lastSeen = time.Now()
}

// MarkDead flags the connection so fan-out skips it until cleanup runs
func (c *Connection) MarkDead() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.alive = false
}

// LastSeen returns the last heartbeat time
func (c *Connection) LastSeen() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.lastSeen
}

// Enqueue queues a payload for delivery. It never blocks: a full buffer is
// reported as an error and the connection is marked dead.
func (c *Connection) Enqueue(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.MarkDead()
		return ErrSendBufferFull
	}
}

// WritePump drains the send queue onto the socket and emits protocol-level
// pings every heartbeatInterval. Runs until the queue errors out or Close
// is called. Must be started exactly once, by the accepting handler.
func (c *Connection) WritePump(heartbeatInterval time.Duration) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-c.send:
			if err := c.socket.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("⚠️ Write failed for connection %s: %v", c.ID, err)
				c.MarkDead()
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(heartbeatInterval / 2)
			if err := c.socket.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Printf("⚠️ Ping failed for connection %s: %v", c.ID, err)
				c.MarkDead()
				return
			}

		case <-c.done:
			return
		}
	}
}

// Close shuts the connection down. Safe to call from both the transport
// close path and the heartbeat timeout path; only the first call acts.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.MarkDead()
		close(c.done)
		c.socket.Close()
	})
}

// CleanupOnce runs fn exactly once per connection. The gateway routes both
// the transport-close and heartbeat-timeout cleanup paths through it so
// they cannot race to double-clean.
func (c *Connection) CleanupOnce(fn func()) {
	c.cleanupOnce.Do(fn)
}
