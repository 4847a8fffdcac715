package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"crypto-market-streamer/internal/alert"
	"crypto-market-streamer/internal/auth"
	"crypto-market-streamer/internal/registry"
	"crypto-market-streamer/internal/storage"
	"crypto-market-streamer/internal/subindex"
	"crypto-market-streamer/internal/topic"
)

// AssetCatalog validates symbol scopes at subscribe time
type AssetCatalog interface {
	IsKnownSymbol(symbol string) bool
}

// TopicPoller is the scheduler surface the gateway drives on first-subscriber
// and last-unsubscriber transitions
type TopicPoller interface {
	Start(t topic.Topic, interval time.Duration)
	Stop(t topic.Topic)
}

// SnapshotSource replays the latest cached poll result to a new subscriber
type SnapshotSource interface {
	Snapshot(t topic.Topic) (storage.CachedSnapshot, bool, error)
}

// Config holds gateway timing and buffer settings
type Config struct {
	HeartbeatInterval time.Duration
	AuthTimeout       time.Duration
	SendBuffer        int
}

// Gateway is the protocol-facing entry point. It authenticates connections,
// parses inbound messages and drives the registry, topic index, poller and
// alert engine. Per connection the lifecycle is
// Connecting -> Authenticating -> Active -> Closing -> Closed.
type Gateway struct {
	upgrader  websocket.Upgrader
	registry  *registry.Registry
	index     *subindex.Index
	poller    TopicPoller
	alerts    *alert.Engine
	validator auth.Validator
	assets    AssetCatalog
	snapshots SnapshotSource
	config    Config

	// transitionMu serializes topic lifecycle transitions: an
	// IsNewTopic/IsNowEmpty signal and its poller Start/Stop form one
	// atomic step, so a delayed Stop from one connection's teardown can
	// never land after a fresh subscriber's Start on the same topic.
	transitionMu sync.Mutex
}

// NewGateway wires the gateway to its collaborators. snapshots may be nil
// (no replay on subscribe).
func NewGateway(reg *registry.Registry, idx *subindex.Index, p TopicPoller, alerts *alert.Engine,
	validator auth.Validator, assets AssetCatalog, snapshots SnapshotSource, config Config) (*Gateway, error) {

	if validator == nil {
		return nil, fmt.Errorf("gateway requires a token validator")
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.AuthTimeout <= 0 {
		config.AuthTimeout = 10 * time.Second
	}

	return &Gateway{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		registry:  reg,
		index:     idx,
		poller:    p,
		alerts:    alerts,
		validator: validator,
		assets:    assets,
		snapshots: snapshots,
		config:    config,
	}, nil
}

// HandleStream upgrades an HTTP request and runs the connection to completion
func (g *Gateway) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ WebSocket upgrade failed: %v", err)
		return
	}

	connID := uuid.New().String()
	c := registry.NewConnection(connID, conn, g.config.SendBuffer)

	if err := g.registry.Register(c); err != nil {
		log.Printf("❌ Failed to register connection %s: %v", connID, err)
		conn.Close()
		return
	}

	go c.WritePump(g.config.HeartbeatInterval)

	// Pongs refresh both liveness bookkeeping and the read deadline; a client
	// that misses two heartbeat intervals gets force-closed by the deadline.
	readTimeout := 2 * g.config.HeartbeatInterval
	conn.SetPongHandler(func(string) error {
		g.registry.MarkAlive(connID)
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	g.runConnection(conn, c, r, readTimeout)
}

// runConnection drives one connection through authentication and the active
// message loop, then guarantees cleanup exactly once on any exit path.
func (g *Gateway) runConnection(conn *websocket.Conn, c *registry.Connection, r *http.Request, readTimeout time.Duration) {
	defer g.cleanup(c)

	// Authenticating: the credential arrives as a query parameter or as the
	// first message, within the auth window
	conn.SetReadDeadline(time.Now().Add(g.config.AuthTimeout))

	if token := r.URL.Query().Get("token"); token != "" {
		if !g.authenticate(conn, c, token) {
			return
		}
	} else if !g.awaitAuthMessage(conn, c) {
		return
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	// Active: dispatch until the transport closes or the deadline fires
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("🔌 Connection %s read error: %v", c.ID, err)
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.MarkAlive()

		g.dispatch(c, data)
	}
}

// awaitAuthMessage reads frames until a valid auth message arrives or the
// auth window closes. Non-auth messages before authentication get an error
// reply; the handshake keeps waiting.
func (g *Gateway) awaitAuthMessage(conn *websocket.Conn, c *registry.Connection) bool {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("🔌 Connection %s closed before authentication: %v", c.ID, err)
			return false
		}

		msg, err := ParseClientMessage(data)
		if err != nil {
			g.sendError(c, err.Error())
			continue
		}

		authMsg, ok := msg.(AuthMessage)
		if !ok {
			g.sendError(c, "authentication required")
			continue
		}

		return g.authenticate(conn, c, authMsg.Token)
	}
}

// authenticate validates the token and attaches the user. Failure closes the
// connection with a policy-violation close code, never silently.
func (g *Gateway) authenticate(conn *websocket.Conn, c *registry.Connection, token string) bool {
	userID, err := g.validator.ValidateToken(token)
	if err != nil {
		log.Printf("❌ Authentication failed for connection %s: %v", c.ID, err)
		// Written directly, not through the write pump, so the error frame
		// reliably precedes the close frame
		g.writeDirect(conn, map[string]interface{}{
			"type":    "error",
			"message": "authentication failed",
		})
		g.closeWithPolicyViolation(conn, "authentication failed")
		return false
	}

	if err := g.registry.AttachUser(c.ID, userID); err != nil {
		log.Printf("❌ Failed to attach user to connection %s: %v", c.ID, err)
		g.closeWithPolicyViolation(conn, "authentication failed")
		return false
	}

	g.send(c, map[string]interface{}{
		"type":    "auth_success",
		"user_id": userID,
	})
	return true
}

// writeDirect bypasses the write pump. Only safe during the handshake, when
// nothing else enqueues data frames for the connection.
func (g *Gateway) writeDirect(conn *websocket.Conn, message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, data)
}

func (g *Gateway) closeWithPolicyViolation(conn *websocket.Conn, reason string) {
	payload := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage, payload, deadline)
}

// dispatch handles one inbound frame from an authenticated connection.
// Unknown and malformed messages get an error reply; the connection stays
// open.
func (g *Gateway) dispatch(c *registry.Connection, data []byte) {
	msg, err := ParseClientMessage(data)
	if err != nil {
		g.sendError(c, err.Error())
		return
	}

	switch m := msg.(type) {
	case AuthMessage:
		g.sendError(c, "already authenticated")

	case SubscribeMessage:
		g.handleSubscribe(c, m)

	case UnsubscribeMessage:
		g.handleUnsubscribe(c, m)

	case SetupAlertMessage:
		g.handleSetupAlert(c, m)

	case PingMessage:
		g.send(c, map[string]interface{}{
			"type":      "pong",
			"timestamp": time.Now().UnixMilli(),
		})

	default:
		g.sendError(c, fmt.Sprintf("unhandled message type %q", msg.messageType()))
	}
}

// handleSubscribe validates and registers each requested topic. Topics that
// fail validation get individual error replies; valid ones subscribe.
func (g *Gateway) handleSubscribe(c *registry.Connection, m SubscribeMessage) {
	subscribed := make([]string, 0, len(m.Topics))

	for _, key := range m.Topics {
		t, err := g.validateTopic(c, key)
		if err != nil {
			g.sendError(c, err.Error())
			continue
		}

		g.transitionMu.Lock()
		result, err := g.index.Subscribe(t, c.ID, m.Options)
		if err == nil && result.IsNewTopic && g.poller != nil {
			g.poller.Start(t, t.EffectiveCadence(m.Options))
		}
		g.transitionMu.Unlock()
		if err != nil {
			g.sendError(c, fmt.Sprintf("failed to subscribe to %s: %v", t, err))
			continue
		}

		g.replaySnapshot(c, t)
		subscribed = append(subscribed, t.String())
	}

	if len(subscribed) > 0 {
		g.send(c, map[string]interface{}{
			"type":   "subscription_success",
			"topics": subscribed,
		})
	}
}

// validateTopic parses a topic key and enforces scope rules: symbol scopes
// must name a known asset, user scopes must match the authenticated user.
func (g *Gateway) validateTopic(c *registry.Connection, key string) (topic.Topic, error) {
	t, err := topic.Parse(key)
	if err != nil {
		return topic.Topic{}, err
	}

	if t.IsUserScoped() {
		if t.Scope != c.UserID() {
			return topic.Topic{}, fmt.Errorf("topic %s is not accessible to this user", t)
		}
		return t, nil
	}

	if t.Kind != topic.KindMarket && g.assets != nil && !g.assets.IsKnownSymbol(t.Scope) {
		return topic.Topic{}, fmt.Errorf("unknown symbol %q", t.Scope)
	}

	return t, nil
}

// replaySnapshot pushes the latest cached value for a topic so a new
// subscriber sees data immediately instead of waiting out a poll interval
func (g *Gateway) replaySnapshot(c *registry.Connection, t topic.Topic) {
	if g.snapshots == nil {
		return
	}

	snapshot, found, err := g.snapshots.Snapshot(t)
	if err != nil {
		log.Printf("⚠️ Snapshot replay failed for %s: %v", t, err)
		return
	}
	if !found {
		return
	}

	g.send(c, map[string]interface{}{
		"type":      t.UpdateType(),
		"topic":     t.String(),
		"data":      json.RawMessage(snapshot.Data),
		"timestamp": snapshot.StoredAt.UnixMilli(),
	})
}

func (g *Gateway) handleUnsubscribe(c *registry.Connection, m UnsubscribeMessage) {
	removed := make([]string, 0, len(m.Topics))

	for _, key := range m.Topics {
		t, err := topic.Parse(key)
		if err != nil {
			g.sendError(c, err.Error())
			continue
		}

		g.transitionMu.Lock()
		result := g.index.Unsubscribe(t, c.ID)
		if result.IsNowEmpty && g.poller != nil {
			g.poller.Stop(t)
		}
		g.transitionMu.Unlock()
		removed = append(removed, t.String())
	}

	if len(removed) > 0 {
		g.send(c, map[string]interface{}{
			"type":   "unsubscription_success",
			"topics": removed,
		})
	}
}

func (g *Gateway) handleSetupAlert(c *registry.Connection, m SetupAlertMessage) {
	userID := c.UserID()

	switch m.Action {
	case "rearm":
		owner, known := g.alerts.Owner(m.AlertID)
		if !known || owner != userID {
			g.sendError(c, fmt.Sprintf("unknown alert %q", m.AlertID))
			return
		}
		if err := g.alerts.Rearm(context.Background(), m.AlertID); err != nil {
			g.sendError(c, fmt.Sprintf("failed to rearm alert: %v", err))
			return
		}
		g.send(c, map[string]interface{}{
			"type":     "alert_rearmed",
			"alert_id": m.AlertID,
		})

	default: // create
		a := alert.Alert{
			UserID:    userID,
			Kind:      alert.Kind(strings.ToUpper(m.Alert.Kind)),
			Scope:     m.Alert.Scope,
			Condition: alert.Condition(strings.ToLower(m.Alert.Condition)),
			Threshold: m.Alert.Threshold,
			BasePrice: m.Alert.BasePrice,
		}

		switch a.Kind {
		case alert.KindPrice, alert.KindVolume:
			a.Scope = strings.ToUpper(a.Scope)
			if g.assets != nil && !g.assets.IsKnownSymbol(a.Scope) {
				g.sendError(c, fmt.Sprintf("unknown symbol %q", m.Alert.Scope))
				return
			}
		case alert.KindRisk:
			// Risk alerts watch the caller's own portfolio
			a.Scope = userID
		}

		created, err := g.alerts.Add(context.Background(), a)
		if err != nil {
			g.sendError(c, fmt.Sprintf("invalid alert: %v", err))
			return
		}

		g.send(c, map[string]interface{}{
			"type":  "alert_created",
			"alert": created,
		})
	}
}

// cleanup tears down a connection exactly once: unsubscribe all topics (in
// one critical section), stop polling of emptied topics, remove from the
// registry, release the index tombstone, close the transport. Both the
// transport-close and the heartbeat timeout path funnel through here; only
// the first caller acts.
func (g *Gateway) cleanup(c *registry.Connection) {
	c.CleanupOnce(func() {
		g.transitionMu.Lock()
		removals := g.index.UnsubscribeAll(c.ID)
		for _, removal := range removals {
			if removal.IsNowEmpty && g.poller != nil {
				g.poller.Stop(removal.Topic)
			}
		}
		g.transitionMu.Unlock()

		g.registry.Remove(c.ID)
		g.index.Forget(c.ID)
		c.Close()

		log.Printf("🧹 Connection %s cleaned up (%d topics released)", c.ID, len(removals))
	})
}

// DisconnectByID force-closes a connection, e.g. after a delivery failure.
// Safe to call for connections that are already gone.
func (g *Gateway) DisconnectByID(connID string) {
	c, exists := g.registry.Get(connID)
	if !exists {
		return
	}
	g.cleanup(c)
}

// StartJanitor sweeps for stale connections (no heartbeat within twice the
// heartbeat interval) until ctx is cancelled
func (g *Gateway) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(g.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				g.sweepStale(now)
			}
		}
	}()
}

func (g *Gateway) sweepStale(now time.Time) {
	timeout := 2 * g.config.HeartbeatInterval
	for _, c := range g.registry.All() {
		if g.registry.IsStale(c.ID, now, timeout) {
			log.Printf("🧹 Connection %s timed out (no heartbeat in %v)", c.ID, timeout)
			g.cleanup(c)
		}
	}
}

func (g *Gateway) send(c *registry.Connection, message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("❌ Failed to marshal reply for connection %s: %v", c.ID, err)
		return
	}

	if err := c.Enqueue(data); err != nil {
		log.Printf("⚠️ Failed to queue reply for connection %s: %v", c.ID, err)
	}
}

func (g *Gateway) sendError(c *registry.Connection, message string) {
	g.send(c, map[string]interface{}{
		"type":    "error",
		"message": message,
	})
}

// GetStats returns gateway-level statistics
func (g *Gateway) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"heartbeat_interval": g.config.HeartbeatInterval.String(),
		"auth_timeout":       g.config.AuthTimeout.String(),
	}
}
