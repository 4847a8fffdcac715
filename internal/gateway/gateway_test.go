package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-market-streamer/internal/alert"
	"crypto-market-streamer/internal/registry"
	"crypto-market-streamer/internal/storage"
	"crypto-market-streamer/internal/subindex"
	"crypto-market-streamer/internal/topic"
)

// fakeValidator accepts tokens of the form "token-<userid>"
type fakeValidator struct{}

func (fakeValidator) ValidateToken(tokenString string) (string, error) {
	if userID, ok := strings.CutPrefix(tokenString, "token-"); ok {
		return userID, nil
	}
	return "", fmt.Errorf("bad token")
}

type fakePoller struct {
	mu      sync.Mutex
	started map[string]time.Duration
	stopped map[string]int
	events  map[string][]string
}

func newFakePoller() *fakePoller {
	return &fakePoller{
		started: make(map[string]time.Duration),
		stopped: make(map[string]int),
		events:  make(map[string][]string),
	}
}

func (p *fakePoller) Start(t topic.Topic, interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started[t.String()] = interval
	p.events[t.String()] = append(p.events[t.String()], "start")
}

func (p *fakePoller) Stop(t topic.Topic) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped[t.String()]++
	p.events[t.String()] = append(p.events[t.String()], "stop")
}

func (p *fakePoller) transitions(key string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events[key]...)
}

func (p *fakePoller) startedInterval(key string) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.started[key]
	return d, ok
}

func (p *fakePoller) stopCount(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped[key]
}

type fakeAssets struct{}

func (fakeAssets) IsKnownSymbol(symbol string) bool {
	return symbol == "BTC" || symbol == "ETH"
}

type fakeSnapshots struct {
	snaps map[string]storage.CachedSnapshot
}

func (f *fakeSnapshots) Snapshot(t topic.Topic) (storage.CachedSnapshot, bool, error) {
	s, ok := f.snaps[t.String()]
	return s, ok, nil
}

// memStore is an in-memory alert.Store
type memStore struct {
	mu     sync.Mutex
	alerts map[string]alert.Alert
	nextID int
}

func newMemStore() *memStore {
	return &memStore{alerts: make(map[string]alert.Alert)}
}

func (m *memStore) LoadAll(ctx context.Context) ([]alert.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]alert.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, a)
	}
	return out, nil
}

func (m *memStore) Create(ctx context.Context, a alert.Alert) (alert.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = fmt.Sprintf("alert-%d", m.nextID)
	m.alerts[a.ID] = a
	return a, nil
}

func (m *memStore) Disable(ctx context.Context, id string) error { return m.setEnabled(id, false) }
func (m *memStore) Rearm(ctx context.Context, id string) error   { return m.setEnabled(id, true) }

func (m *memStore) setEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.alerts[id]
	a.Enabled = enabled
	m.alerts[id] = a
	return nil
}

type harness struct {
	reg    *registry.Registry
	idx    *subindex.Index
	pol    *fakePoller
	engine *alert.Engine
	gw     *Gateway
	server *httptest.Server
}

func newHarness(t *testing.T, config Config, snapshots SnapshotSource) *harness {
	t.Helper()

	h := &harness{
		reg:    registry.NewRegistry(),
		pol:    newFakePoller(),
		engine: alert.NewEngine(newMemStore()),
	}
	h.idx = subindex.NewIndex(h.reg)

	gw, err := NewGateway(h.reg, h.idx, h.pol, h.engine, fakeValidator{}, fakeAssets{}, snapshots, config)
	require.NoError(t, err)
	h.gw = gw

	h.server = httptest.NewServer(http.HandlerFunc(gw.HandleStream))
	t.Cleanup(h.server.Close)
	return h
}

func defaultHarness(t *testing.T) *harness {
	return newHarness(t, Config{HeartbeatInterval: 5 * time.Second}, nil)
}

func (h *harness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// authed dials and completes the handshake for a user
func (h *harness) authed(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	ws := h.dial(t, "?token=token-"+userID)
	reply := readMsg(t, ws)
	require.Equal(t, "auth_success", reply["type"])
	require.Equal(t, userID, reply["user_id"])
	return ws
}

func readMsg(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func sendMsg(t *testing.T, ws *websocket.Conn, payload string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(payload)))
}

func TestAuthViaQueryToken(t *testing.T) {
	h := defaultHarness(t)
	h.authed(t, "u1")
	assert.Equal(t, 1, h.reg.Count())
}

func TestAuthViaFirstMessage(t *testing.T) {
	h := defaultHarness(t)
	ws := h.dial(t, "")

	sendMsg(t, ws, `{"type":"auth","token":"token-u1"}`)
	reply := readMsg(t, ws)
	assert.Equal(t, "auth_success", reply["type"])
	assert.Equal(t, "u1", reply["user_id"])
}

func TestSubscribeBeforeAuthRejected(t *testing.T) {
	h := defaultHarness(t)
	ws := h.dial(t, "")

	sendMsg(t, ws, `{"type":"subscribe","topics":["price:BTC"]}`)
	reply := readMsg(t, ws)
	assert.Equal(t, "error", reply["type"])
	assert.Contains(t, reply["message"], "authentication required")

	// The handshake is still open; auth succeeds afterward
	sendMsg(t, ws, `{"type":"auth","token":"token-u1"}`)
	assert.Equal(t, "auth_success", readMsg(t, ws)["type"])
}

func TestAuthFailureClosesWithPolicyViolation(t *testing.T) {
	h := defaultHarness(t)
	ws := h.dial(t, "?token=forged")

	reply := readMsg(t, ws)
	assert.Equal(t, "error", reply["type"])
	assert.Contains(t, reply["message"], "authentication failed")

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected policy violation close, got %v", err)

	require.Eventually(t, func() bool { return h.reg.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeStartsPolling(t *testing.T) {
	h := defaultHarness(t)
	ws := h.authed(t, "u1")

	sendMsg(t, ws, `{"type":"subscribe","topics":["price:BTC"]}`)
	reply := readMsg(t, ws)
	assert.Equal(t, "subscription_success", reply["type"])
	assert.Equal(t, []interface{}{"price:BTC"}, reply["topics"])

	interval, started := h.pol.startedInterval("price:BTC")
	require.True(t, started)
	assert.Equal(t, 5*time.Second, interval, "price topics poll at nominal cadence")
	assert.Len(t, h.idx.SubscribersOf(topic.Topic{Kind: topic.KindPrice, Scope: "BTC"}), 1)
}

func TestSubscribeIntervalOverrideFlooredAtNominal(t *testing.T) {
	h := defaultHarness(t)
	ws := h.authed(t, "u1")

	// Slower than nominal is honored
	sendMsg(t, ws, `{"type":"subscribe","topics":["price:BTC"],"options":{"interval_seconds":30}}`)
	readMsg(t, ws)
	interval, _ := h.pol.startedInterval("price:BTC")
	assert.Equal(t, 30*time.Second, interval)

	// Faster than nominal is floored
	sendMsg(t, ws, `{"type":"subscribe","topics":["price:ETH"],"options":{"interval_seconds":1}}`)
	readMsg(t, ws)
	interval, _ = h.pol.startedInterval("price:ETH")
	assert.Equal(t, 5*time.Second, interval)
}

func TestSubscribeUnknownSymbolRejected(t *testing.T) {
	h := defaultHarness(t)
	ws := h.authed(t, "u1")

	sendMsg(t, ws, `{"type":"subscribe","topics":["price:NOPE"]}`)
	reply := readMsg(t, ws)
	assert.Equal(t, "error", reply["type"])
	assert.Contains(t, reply["message"], "unknown symbol")

	_, started := h.pol.startedInterval("price:NOPE")
	assert.False(t, started)
}

func TestForeignPortfolioRejected(t *testing.T) {
	h := defaultHarness(t)
	ws := h.authed(t, "u1")

	sendMsg(t, ws, `{"type":"subscribe","topics":["portfolio:u2"]}`)
	reply := readMsg(t, ws)
	assert.Equal(t, "error", reply["type"])
	assert.Contains(t, reply["message"], "not accessible")

	// Own portfolio is fine
	sendMsg(t, ws, `{"type":"subscribe","topics":["portfolio:u1"]}`)
	reply = readMsg(t, ws)
	assert.Equal(t, "subscription_success", reply["type"])
}

func TestSnapshotReplayOnSubscribe(t *testing.T) {
	snapshots := &fakeSnapshots{snaps: map[string]storage.CachedSnapshot{
		"price:BTC": {
			Topic:    "price:BTC",
			Data:     json.RawMessage(`{"symbol":"BTC","price":50000}`),
			StoredAt: time.Now(),
		},
	}}
	h := newHarness(t, Config{HeartbeatInterval: 5 * time.Second}, snapshots)
	ws := h.authed(t, "u1")

	sendMsg(t, ws, `{"type":"subscribe","topics":["price:BTC"]}`)

	// Cached data arrives before the subscription ack
	reply := readMsg(t, ws)
	assert.Equal(t, "price_update", reply["type"])
	assert.Equal(t, "price:BTC", reply["topic"])
	data, ok := reply["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 50000.0, data["price"])

	assert.Equal(t, "subscription_success", readMsg(t, ws)["type"])
}

func TestUnsubscribeStopsPolling(t *testing.T) {
	h := defaultHarness(t)
	ws := h.authed(t, "u1")

	sendMsg(t, ws, `{"type":"subscribe","topics":["price:BTC"]}`)
	readMsg(t, ws)

	sendMsg(t, ws, `{"type":"unsubscribe","topics":["price:BTC"]}`)
	reply := readMsg(t, ws)
	assert.Equal(t, "unsubscription_success", reply["type"])
	assert.Equal(t, 1, h.pol.stopCount("price:BTC"))
}

func TestConcurrentTopicChurnKeepsTransitionsOrdered(t *testing.T) {
	h := defaultHarness(t)
	ws1 := h.authed(t, "u1")
	ws2 := h.authed(t, "u2")

	// Two connections churning the same topic; every iteration is a
	// request/ack round-trip, so both read loops stay in lockstep with
	// their own writes while racing each other on the shared topic
	churn := func(ws *websocket.Conn, done chan<- error) {
		for i := 0; i < 25; i++ {
			for _, payload := range []string{
				`{"type":"subscribe","topics":["price:BTC"]}`,
				`{"type":"unsubscribe","topics":["price:BTC"]}`,
			} {
				if err := ws.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
					done <- err
					return
				}
				ws.SetReadDeadline(time.Now().Add(3 * time.Second))
				if _, _, err := ws.ReadMessage(); err != nil {
					done <- err
					return
				}
			}
		}
		done <- nil
	}

	done := make(chan error, 2)
	go churn(ws1, done)
	go churn(ws2, done)
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	// Both clients unsubscribed last, so nothing may be left polling
	assert.Empty(t, h.idx.SubscribersOf(topic.Topic{Kind: topic.KindPrice, Scope: "BTC"}))

	// Starts and stops strictly alternate, starting with a start and
	// ending with a stop: a stop never trails into a fresh subscription
	events := h.pol.transitions("price:BTC")
	require.NotEmpty(t, events)
	require.Zero(t, len(events)%2, "unpaired transition: %v", events)
	for i, ev := range events {
		want := "start"
		if i%2 == 1 {
			want = "stop"
		}
		require.Equalf(t, want, ev, "transition %d out of order: %v", i, events)
	}
}

func TestUnknownMessageTypeKeepsConnectionOpen(t *testing.T) {
	h := defaultHarness(t)
	ws := h.authed(t, "u1")

	sendMsg(t, ws, `{"type":"teleport"}`)
	reply := readMsg(t, ws)
	assert.Equal(t, "error", reply["type"])
	assert.Contains(t, reply["message"], "unknown message type")

	sendMsg(t, ws, `{"type":"ping"}`)
	assert.Equal(t, "pong", readMsg(t, ws)["type"])
}

func TestDisconnectCleansUpOnlyOwnTopics(t *testing.T) {
	h := defaultHarness(t)

	ws1 := h.authed(t, "u1")
	sendMsg(t, ws1, `{"type":"subscribe","topics":["price:BTC","price:ETH"]}`)
	readMsg(t, ws1)

	ws2 := h.authed(t, "u2")
	sendMsg(t, ws2, `{"type":"subscribe","topics":["price:BTC"]}`)
	readMsg(t, ws2)

	ws1.Close()

	// ETH lost its last subscriber and stops; BTC keeps polling for ws2
	require.Eventually(t, func() bool {
		return h.pol.stopCount("price:ETH") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.pol.stopCount("price:BTC"))

	require.Eventually(t, func() bool { return h.reg.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, h.idx.SubscribersOf(topic.Topic{Kind: topic.KindPrice, Scope: "BTC"}), 1)
	assert.Empty(t, h.idx.SubscribersOf(topic.Topic{Kind: topic.KindPrice, Scope: "ETH"}))
}

func TestSetupAlertCreateAndRearm(t *testing.T) {
	h := defaultHarness(t)
	ws := h.authed(t, "u1")

	sendMsg(t, ws, `{
		"type": "setup_alert",
		"alert": {"kind": "price", "scope": "btc", "condition": "above", "threshold": 50000}
	}`)
	reply := readMsg(t, ws)
	require.Equal(t, "alert_created", reply["type"])

	created, ok := reply["alert"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "u1", created["user_id"])
	assert.Equal(t, "BTC", created["scope"], "symbol scope is canonicalized")
	alertID := created["id"].(string)

	sendMsg(t, ws, fmt.Sprintf(`{"type":"setup_alert","action":"rearm","alert_id":%q}`, alertID))
	reply = readMsg(t, ws)
	assert.Equal(t, "alert_rearmed", reply["type"])
	assert.Equal(t, alertID, reply["alert_id"])
}

func TestRearmForeignAlertRejected(t *testing.T) {
	h := defaultHarness(t)

	ws1 := h.authed(t, "u1")
	sendMsg(t, ws1, `{
		"type": "setup_alert",
		"alert": {"kind": "price", "scope": "BTC", "condition": "above", "threshold": 1}
	}`)
	reply := readMsg(t, ws1)
	require.Equal(t, "alert_created", reply["type"])
	alertID := reply["alert"].(map[string]interface{})["id"].(string)

	ws2 := h.authed(t, "u2")
	sendMsg(t, ws2, fmt.Sprintf(`{"type":"setup_alert","action":"rearm","alert_id":%q}`, alertID))
	reply = readMsg(t, ws2)
	assert.Equal(t, "error", reply["type"])
	assert.Contains(t, reply["message"], "unknown alert")
}

func TestSetupAlertUnknownSymbolRejected(t *testing.T) {
	h := defaultHarness(t)
	ws := h.authed(t, "u1")

	sendMsg(t, ws, `{
		"type": "setup_alert",
		"alert": {"kind": "price", "scope": "NOPE", "condition": "above", "threshold": 1}
	}`)
	reply := readMsg(t, ws)
	assert.Equal(t, "error", reply["type"])
	assert.Contains(t, reply["message"], "unknown symbol")
}

func TestHeartbeatTimeoutForcesCleanup(t *testing.T) {
	h := newHarness(t, Config{
		HeartbeatInterval: 100 * time.Millisecond,
		AuthTimeout:       time.Second,
	}, nil)

	ws := h.authed(t, "u1")
	sendMsg(t, ws, `{"type":"subscribe","topics":["price:BTC"]}`)
	readMsg(t, ws)
	require.Equal(t, 1, h.reg.Count())

	// Stop reading: no pongs go back, so the server's read deadline fires
	// after two heartbeat intervals and triggers full cleanup
	require.Eventually(t, func() bool {
		return h.reg.Count() == 0 && h.pol.stopCount("price:BTC") == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDisconnectByID(t *testing.T) {
	h := defaultHarness(t)
	h.authed(t, "u1")
	require.Equal(t, 1, h.reg.Count())

	for _, c := range h.reg.All() {
		h.gw.DisconnectByID(c.ID)
	}
	assert.Equal(t, 0, h.reg.Count())

	// Unknown ids are a no-op
	h.gw.DisconnectByID("missing")
}
