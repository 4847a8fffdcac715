package registry

import (
	"errors"
	"log"
	"sync"
	"time"
)

var (
	// ErrDuplicateConnection means a connection id was registered twice.
	// Registry invariant violations are programming errors upstream.
	ErrDuplicateConnection = errors.New("duplicate connection id")

	// ErrNotFound means the connection id is not registered
	ErrNotFound = errors.New("connection not found")

	// ErrAlreadyAuthenticated means AttachUser was called twice
	ErrAlreadyAuthenticated = errors.New("connection already authenticated")
)

// Registry is the single authoritative owner of "who is connected". It maps
// connection ids to live connections and users to their set of sessions (a
// user with multiple tabs/devices has one entry per session).
type Registry struct {
	mutex  sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]*Connection // userID -> connID -> conn
}

// NewRegistry creates an empty connection registry
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Register inserts a connection by id
func (r *Registry) Register(c *Connection) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.conns[c.ID]; exists {
		return ErrDuplicateConnection
	}
	r.conns[c.ID] = c

	log.Printf("🔌 Connection %s registered (%d total)", c.ID, len(r.conns))
	return nil
}

// AttachUser binds an authenticated user to a connection. Called exactly
// once per connection, after token validation succeeds.
func (r *Registry) AttachUser(connID, userID string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	c, exists := r.conns[connID]
	if !exists {
		return ErrNotFound
	}

	if err := c.attachUser(userID); err != nil {
		return err
	}

	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Connection)
	}
	r.byUser[userID][connID] = c

	log.Printf("🔐 Connection %s authenticated as user %s (%d sessions)", connID, userID, len(r.byUser[userID]))
	return nil
}

// Remove deletes a connection and its user binding. Idempotent: returns the
// removed record, or nil if the id was already gone.
func (r *Registry) Remove(connID string) *Connection {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	c, exists := r.conns[connID]
	if !exists {
		return nil
	}
	delete(r.conns, connID)

	if userID := c.UserID(); userID != "" {
		if sessions := r.byUser[userID]; sessions != nil {
			delete(sessions, connID)
			if len(sessions) == 0 {
				delete(r.byUser, userID)
			}
		}
	}

	log.Printf("🔌 Connection %s removed (%d total)", connID, len(r.conns))
	return c
}

// Get returns a connection by id
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	c, exists := r.conns[connID]
	return c, exists
}

// ConnectionsForUser returns all live sessions of a user. Portfolio and
// alert pushes must reach every session, not just the first.
func (r *Registry) ConnectionsForUser(userID string) []*Connection {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	sessions := r.byUser[userID]
	out := make([]*Connection, 0, len(sessions))
	for _, c := range sessions {
		out = append(out, c)
	}
	return out
}

// All returns a snapshot of every registered connection
func (r *Registry) All() []*Connection {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// MarkAlive refreshes heartbeat bookkeeping for a connection
func (r *Registry) MarkAlive(connID string) {
	if c, exists := r.Get(connID); exists {
		c.MarkAlive()
	}
}

// IsStale reports whether a connection has not heartbeated within timeout.
// Unknown connections are stale by definition.
func (r *Registry) IsStale(connID string, now time.Time, timeout time.Duration) bool {
	c, exists := r.Get(connID)
	if !exists {
		return true
	}
	return now.Sub(c.LastSeen()) > timeout
}

// Count returns the number of registered connections
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.conns)
}

// GetStats returns registry statistics
func (r *Registry) GetStats() map[string]interface{} {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	authenticated := 0
	alive := 0
	for _, c := range r.conns {
		if c.IsAuthenticated() {
			authenticated++
		}
		if c.IsAlive() {
			alive++
		}
	}

	return map[string]interface{}{
		"total_connections":         len(r.conns),
		"authenticated_connections": authenticated,
		"alive_connections":         alive,
		"unique_users":              len(r.byUser),
	}
}
