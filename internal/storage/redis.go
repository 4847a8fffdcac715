package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"crypto-market-streamer/internal/marketdata"
	"crypto-market-streamer/internal/topic"
)

// CachedSnapshot is the stored form of the latest poll result for a topic
type CachedSnapshot struct {
	Topic    string          `json:"topic"`
	Data     json.RawMessage `json:"data"`
	StoredAt time.Time       `json:"stored_at"`
}

// SnapshotCache keeps the latest poll result per topic in Redis so a new
// subscriber gets data immediately instead of waiting out a poll interval.
// Price snapshots double as the last-price lookup used for portfolio pricing.
type SnapshotCache struct {
	client *redis.Client
	ctx    context.Context
}

// NewSnapshotCache creates a Redis-backed snapshot cache
func NewSnapshotCache(redisURL string) (*SnapshotCache, error) {
	var rdb *redis.Client

	if redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		rdb = redis.NewClient(opt)
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
		})
	}

	cache := &SnapshotCache{
		client: rdb,
		ctx:    context.Background(),
	}

	if err := cache.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("✅ Snapshot cache initialized")
	return cache, nil
}

// Ping tests the Redis connection
func (sc *SnapshotCache) Ping() error {
	_, err := sc.client.Ping(sc.ctx).Result()
	return err
}

func snapshotKey(t topic.Topic) string {
	return fmt.Sprintf("snapshot:%s", t.String())
}

func lastPriceKey(symbol string) string {
	return fmt.Sprintf("lastprice:%s", symbol)
}

// snapshotTTL keeps a snapshot alive long enough to bridge a few missed
// polls, then lets stale data expire rather than serving it forever.
func snapshotTTL(t topic.Topic) time.Duration {
	ttl := 6 * t.Cadence()
	if ttl < 30*time.Second {
		ttl = 30 * time.Second
	}
	return ttl
}

// StoreSnapshot caches the latest poll result for a topic. For price topics
// the numeric price is additionally stored under its own key for portfolio
// valuation.
func (sc *SnapshotCache) StoreSnapshot(t topic.Topic, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot for %s: %w", t, err)
	}

	snapshot := CachedSnapshot{
		Topic:    t.String(),
		Data:     data,
		StoredAt: time.Now(),
	}

	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot envelope: %w", err)
	}

	if err := sc.client.Set(sc.ctx, snapshotKey(t), encoded, snapshotTTL(t)).Err(); err != nil {
		return fmt.Errorf("failed to store snapshot for %s: %w", t, err)
	}

	if quote, ok := payload.(marketdata.PriceQuote); ok && t.Kind == topic.KindPrice {
		price := strconv.FormatFloat(quote.Price, 'f', -1, 64)
		if err := sc.client.Set(sc.ctx, lastPriceKey(quote.Symbol), price, snapshotTTL(t)).Err(); err != nil {
			return fmt.Errorf("failed to store last price for %s: %w", quote.Symbol, err)
		}
	}

	return nil
}

// Snapshot returns the cached snapshot for a topic, or false on a miss
func (sc *SnapshotCache) Snapshot(t topic.Topic) (CachedSnapshot, bool, error) {
	data, err := sc.client.Get(sc.ctx, snapshotKey(t)).Result()
	if err != nil {
		if err == redis.Nil {
			return CachedSnapshot{}, false, nil
		}
		return CachedSnapshot{}, false, fmt.Errorf("failed to get snapshot for %s: %w", t, err)
	}

	var snapshot CachedSnapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return CachedSnapshot{}, false, fmt.Errorf("failed to unmarshal snapshot for %s: %w", t, err)
	}

	return snapshot, true, nil
}

// LastPrice implements marketdata.PriceLookup from cached price snapshots.
// A miss (no fresh quote) reports false; the caller decides the fallback.
func (sc *SnapshotCache) LastPrice(symbol string) (float64, bool) {
	data, err := sc.client.Get(sc.ctx, lastPriceKey(symbol)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Printf("⚠️ Last price lookup failed for %s: %v", symbol, err)
		}
		return 0, false
	}

	price, err := strconv.ParseFloat(data, 64)
	if err != nil {
		log.Printf("⚠️ Corrupt last price for %s: %q", symbol, data)
		return 0, false
	}

	return price, true
}

// Close closes the Redis client
func (sc *SnapshotCache) Close() error {
	return sc.client.Close()
}

// GetStats returns cache statistics
func (sc *SnapshotCache) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"connected": sc.Ping() == nil,
	}

	if keys, err := sc.client.Keys(sc.ctx, "snapshot:*").Result(); err == nil {
		stats["cached_snapshots"] = len(keys)
	}

	return stats
}
