package subindex

import (
	"log"
	"sync"
	"time"

	"crypto-market-streamer/internal/registry"
	"crypto-market-streamer/internal/topic"
)

// Subscription is the edge between a connection and a topic
type Subscription struct {
	Topic     topic.Topic
	ConnID    string
	Options   topic.SubOptions
	CreatedAt time.Time
}

// SubscribeResult reports whether a subscribe created the topic
type SubscribeResult struct {
	IsNewTopic bool
}

// UnsubscribeResult reports whether an unsubscribe emptied the topic
type UnsubscribeResult struct {
	IsNowEmpty bool
}

// TopicRemoval is one entry of an UnsubscribeAll result
type TopicRemoval struct {
	Topic      topic.Topic
	IsNowEmpty bool
}

// Index maps topics to subscriber connections and back. Both directions
// live behind one mutex and every mutation updates them together, so the
// two views can never disagree.
type Index struct {
	mutex    sync.Mutex
	registry *registry.Registry
	byTopic  map[string]map[string]*Subscription // topic key -> connID -> sub
	byConn   map[string]map[string]*Subscription // connID -> topic key -> sub

	// tombstones marks connections swept by UnsubscribeAll whose registry
	// entry may still be mid-removal. A tombstoned id cannot subscribe.
	tombstones map[string]struct{}
}

// NewIndex creates an empty topic index backed by the given registry for
// identity validation
func NewIndex(reg *registry.Registry) *Index {
	return &Index{
		registry:   reg,
		byTopic:    make(map[string]map[string]*Subscription),
		byConn:     make(map[string]map[string]*Subscription),
		tombstones: make(map[string]struct{}),
	}
}

// Subscribe adds a connection to a topic's subscriber set. The owning
// connection must exist in the registry and must not be mid-cleanup;
// orphaned subscriptions are a bug, not a valid state. Both checks happen
// inside the critical section, so a disconnect cleanup cannot slip between
// the check and the insert.
func (idx *Index) Subscribe(t topic.Topic, connID string, opts topic.SubOptions) (SubscribeResult, error) {
	idx.mutex.Lock()
	defer idx.mutex.Unlock()

	if _, dead := idx.tombstones[connID]; dead {
		return SubscribeResult{}, registry.ErrNotFound
	}
	if _, exists := idx.registry.Get(connID); !exists {
		return SubscribeResult{}, registry.ErrNotFound
	}

	key := t.String()

	subs, exists := idx.byTopic[key]
	if !exists {
		subs = make(map[string]*Subscription)
		idx.byTopic[key] = subs
	}
	isNew := len(subs) == 0

	if _, already := subs[connID]; already {
		// Re-subscribe refreshes options only
		subs[connID].Options = opts
		idx.byConn[connID][key].Options = opts
		return SubscribeResult{IsNewTopic: false}, nil
	}

	sub := &Subscription{
		Topic:     t,
		ConnID:    connID,
		Options:   opts,
		CreatedAt: time.Now(),
	}
	subs[connID] = sub

	if idx.byConn[connID] == nil {
		idx.byConn[connID] = make(map[string]*Subscription)
	}
	idx.byConn[connID][key] = sub

	log.Printf("📊 Connection %s subscribed to %s (%d subscribers)", connID, key, len(subs))
	return SubscribeResult{IsNewTopic: isNew}, nil
}

// Unsubscribe removes a connection from a topic. Idempotent: a second call
// for the same pair is a no-op.
func (idx *Index) Unsubscribe(t topic.Topic, connID string) UnsubscribeResult {
	idx.mutex.Lock()
	defer idx.mutex.Unlock()

	return idx.unsubscribeLocked(t.String(), connID)
}

func (idx *Index) unsubscribeLocked(key, connID string) UnsubscribeResult {
	subs, exists := idx.byTopic[key]
	if !exists {
		return UnsubscribeResult{}
	}
	if _, subscribed := subs[connID]; !subscribed {
		return UnsubscribeResult{}
	}

	delete(subs, connID)
	isEmpty := len(subs) == 0
	if isEmpty {
		delete(idx.byTopic, key)
	}

	if conns := idx.byConn[connID]; conns != nil {
		delete(conns, key)
		if len(conns) == 0 {
			delete(idx.byConn, connID)
		}
	}

	return UnsubscribeResult{IsNowEmpty: isEmpty}
}

// UnsubscribeAll removes every subscription of a connection in one critical
// section and tombstones the id, so a concurrent subscribe on the same
// connection can neither interleave with the sweep nor land after it while
// the registry entry is still being torn down. Used on disconnect; Forget
// releases the tombstone once the registry entry is gone.
func (idx *Index) UnsubscribeAll(connID string) []TopicRemoval {
	idx.mutex.Lock()
	defer idx.mutex.Unlock()

	idx.tombstones[connID] = struct{}{}

	conns := idx.byConn[connID]
	removals := make([]TopicRemoval, 0, len(conns))

	for key, sub := range conns {
		result := idx.unsubscribeLocked(key, connID)
		removals = append(removals, TopicRemoval{Topic: sub.Topic, IsNowEmpty: result.IsNowEmpty})
	}

	if len(removals) > 0 {
		log.Printf("🧹 Removed %d subscriptions for connection %s", len(removals), connID)
	}
	return removals
}

// Forget drops the cleanup tombstone for a connection id. Called after the
// registry entry is removed (the registry check alone rejects further
// subscribes from then on) or when a fresh connection reuses the id.
func (idx *Index) Forget(connID string) {
	idx.mutex.Lock()
	defer idx.mutex.Unlock()

	delete(idx.tombstones, connID)
}

// SubscribersOf returns the connection ids subscribed to a topic
func (idx *Index) SubscribersOf(t topic.Topic) []string {
	idx.mutex.Lock()
	defer idx.mutex.Unlock()

	subs := idx.byTopic[t.String()]
	out := make([]string, 0, len(subs))
	for connID := range subs {
		out = append(out, connID)
	}
	return out
}

// TopicsOf returns the topics a connection is subscribed to
func (idx *Index) TopicsOf(connID string) []topic.Topic {
	idx.mutex.Lock()
	defer idx.mutex.Unlock()

	conns := idx.byConn[connID]
	out := make([]topic.Topic, 0, len(conns))
	for _, sub := range conns {
		out = append(out, sub.Topic)
	}
	return out
}

// ActiveTopics returns every topic with at least one subscriber
func (idx *Index) ActiveTopics() []topic.Topic {
	idx.mutex.Lock()
	defer idx.mutex.Unlock()

	out := make([]topic.Topic, 0, len(idx.byTopic))
	for _, subs := range idx.byTopic {
		for _, sub := range subs {
			out = append(out, sub.Topic)
			break
		}
	}
	return out
}

// GetStats returns index statistics
func (idx *Index) GetStats() map[string]interface{} {
	idx.mutex.Lock()
	defer idx.mutex.Unlock()

	totalSubscriptions := 0
	for _, subs := range idx.byTopic {
		totalSubscriptions += len(subs)
	}

	return map[string]interface{}{
		"active_topics":          len(idx.byTopic),
		"subscribed_connections": len(idx.byConn),
		"total_subscriptions":    totalSubscriptions,
		"tombstoned_connections": len(idx.tombstones),
	}
}
