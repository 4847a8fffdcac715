package fanout

import (
	"encoding/json"
	"log"
	"time"

	"crypto-market-streamer/internal/registry"
	"crypto-market-streamer/internal/subindex"
	"crypto-market-streamer/internal/topic"
)

// DeliveryFailure records one connection that failed a send
type DeliveryFailure struct {
	ConnID string
	Err    error
}

// DeliveryReport summarizes one fan-out. Dead connections are skipped (never
// queued); failed sends are isolated and scheduled for cleanup without
// affecting delivery to the remaining connections.
type DeliveryReport struct {
	Delivered []string
	Skipped   []string
	Failures  []DeliveryFailure
}

// TopicUpdate is the wire envelope for poll-tick pushes
type TopicUpdate struct {
	Type      string      `json:"type"`
	Topic     string      `json:"topic"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// UserNotification is the wire envelope for user-directed pushes
type UserNotification struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Alerts    interface{} `json:"alerts,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Dispatcher is the single choke point that turns "publish to topic" or
// "notify user" into per-socket sends.
type Dispatcher struct {
	registry  *registry.Registry
	index     *subindex.Index
	onFailure func(connID string)
}

// NewDispatcher creates a fan-out dispatcher. onFailure is invoked (once per
// failed connection per fan-out) so the gateway can schedule disconnect
// cleanup; it may be nil.
func NewDispatcher(reg *registry.Registry, idx *subindex.Index, onFailure func(connID string)) *Dispatcher {
	return &Dispatcher{
		registry:  reg,
		index:     idx,
		onFailure: onFailure,
	}
}

// Publish sends a topic update to every live subscriber of the topic
func (d *Dispatcher) Publish(t topic.Topic, payload interface{}) DeliveryReport {
	message := TopicUpdate{
		Type:      t.UpdateType(),
		Topic:     t.String(),
		Data:      payload,
		Timestamp: time.Now().UnixMilli(),
	}

	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("❌ Failed to marshal update for %s: %v", t, err)
		return DeliveryReport{}
	}

	return d.deliver(d.index.SubscribersOf(t), data)
}

// NotifyUser sends a pre-built message to every live session of a user
func (d *Dispatcher) NotifyUser(userID string, message interface{}) DeliveryReport {
	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("❌ Failed to marshal notification for user %s: %v", userID, err)
		return DeliveryReport{}
	}

	conns := d.registry.ConnectionsForUser(userID)
	connIDs := make([]string, 0, len(conns))
	for _, c := range conns {
		connIDs = append(connIDs, c.ID)
	}

	return d.deliver(connIDs, data)
}

// deliver fans one marshaled payload out to a set of connections. A failure
// on one connection never stops delivery to the others.
func (d *Dispatcher) deliver(connIDs []string, data []byte) DeliveryReport {
	var report DeliveryReport

	for _, connID := range connIDs {
		c, exists := d.registry.Get(connID)
		if !exists || !c.IsAlive() {
			report.Skipped = append(report.Skipped, connID)
			continue
		}

		if err := c.Enqueue(data); err != nil {
			log.Printf("⚠️ Delivery to connection %s failed: %v", connID, err)
			report.Failures = append(report.Failures, DeliveryFailure{ConnID: connID, Err: err})
			if d.onFailure != nil {
				d.onFailure(connID)
			}
			continue
		}

		report.Delivered = append(report.Delivered, connID)
	}

	return report
}
