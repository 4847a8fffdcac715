package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSocket satisfies Socket for tests without a network
type fakeSocket struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeSocket) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeSocket) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (f *fakeSocket) Close() error {
	f.closed = true
	return nil
}

func newTestConn(id string) *Connection {
	return NewConnection(id, &fakeSocket{}, 8)
}

func TestRegisterAndDuplicate(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(newTestConn("c1")))
	assert.Equal(t, 1, r.Count())

	err := r.Register(newTestConn("c1"))
	assert.ErrorIs(t, err, ErrDuplicateConnection)
	assert.Equal(t, 1, r.Count())
}

func TestAttachUser(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newTestConn("c1")))

	assert.ErrorIs(t, r.AttachUser("missing", "u1"), ErrNotFound)

	require.NoError(t, r.AttachUser("c1", "u1"))
	c, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "u1", c.UserID())
	assert.True(t, c.IsAuthenticated())

	assert.ErrorIs(t, r.AttachUser("c1", "u2"), ErrAlreadyAuthenticated)
	assert.Equal(t, "u1", c.UserID())
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newTestConn("c1")))
	require.NoError(t, r.AttachUser("c1", "u1"))

	removed := r.Remove("c1")
	require.NotNil(t, removed)
	assert.Equal(t, "c1", removed.ID)

	assert.Nil(t, r.Remove("c1"))
	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.ConnectionsForUser("u1"))
}

func TestConnectionsForUserMultiSession(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newTestConn("tab1")))
	require.NoError(t, r.Register(newTestConn("tab2")))
	require.NoError(t, r.Register(newTestConn("other")))

	require.NoError(t, r.AttachUser("tab1", "u1"))
	require.NoError(t, r.AttachUser("tab2", "u1"))
	require.NoError(t, r.AttachUser("other", "u2"))

	sessions := r.ConnectionsForUser("u1")
	require.Len(t, sessions, 2)

	ids := map[string]bool{}
	for _, c := range sessions {
		ids[c.ID] = true
	}
	assert.True(t, ids["tab1"])
	assert.True(t, ids["tab2"])

	// Removing one session keeps the other reachable
	r.Remove("tab1")
	sessions = r.ConnectionsForUser("u1")
	require.Len(t, sessions, 1)
	assert.Equal(t, "tab2", sessions[0].ID)
}

func TestHeartbeatBookkeeping(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newTestConn("c1")))

	now := time.Now()
	r.MarkAlive("c1")
	assert.False(t, r.IsStale("c1", now, time.Minute))
	assert.True(t, r.IsStale("c1", now.Add(2*time.Minute), time.Minute))
	assert.True(t, r.IsStale("missing", now, time.Minute))
}

func TestEnqueueFullBufferMarksDead(t *testing.T) {
	c := NewConnection("c1", &fakeSocket{}, 2)

	require.NoError(t, c.Enqueue([]byte("a")))
	require.NoError(t, c.Enqueue([]byte("b")))

	err := c.Enqueue([]byte("c"))
	assert.ErrorIs(t, err, ErrSendBufferFull)
	assert.False(t, c.IsAlive())
}

func TestEnqueueAfterClose(t *testing.T) {
	sock := &fakeSocket{}
	c := NewConnection("c1", sock, 2)

	c.Close()
	c.Close() // safe to call twice

	assert.True(t, sock.closed)
	assert.ErrorIs(t, c.Enqueue([]byte("x")), ErrConnectionClosed)
}

func TestWritePumpPreservesOrder(t *testing.T) {
	sock := &fakeSocket{}
	c := NewConnection("c1", sock, 16)

	require.NoError(t, c.Enqueue([]byte("1")))
	require.NoError(t, c.Enqueue([]byte("2")))
	require.NoError(t, c.Enqueue([]byte("3")))

	done := make(chan struct{})
	go func() {
		c.WritePump(time.Hour)
		close(done)
	}()

	// Give the pump time to drain, then shut it down
	require.Eventually(t, func() bool {
		return len(sock.messages()) == 3
	}, time.Second, 5*time.Millisecond)

	c.Close()
	<-done

	assert.Equal(t, [][]byte{[]byte("1"), []byte("2"), []byte("3")}, sock.messages())
}

func TestCleanupOnce(t *testing.T) {
	c := newTestConn("c1")

	runs := 0
	c.CleanupOnce(func() { runs++ })
	c.CleanupOnce(func() { runs++ })

	assert.Equal(t, 1, runs)
}
