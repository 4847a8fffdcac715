package topic

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the category of data a topic streams
type Kind string

const (
	KindPrice     Kind = "price"
	KindOrderbook Kind = "orderbook"
	KindTrades    Kind = "trades"
	KindMarket    Kind = "market"
	KindPortfolio Kind = "portfolio"
	KindAlerts    Kind = "alerts"
)

// Nominal polling cadence per topic kind. Each kind's cadence is a fixed
// contract; subscription options may only slow a topic down, never speed
// it up past these values.
var cadences = map[Kind]time.Duration{
	KindPrice:     5 * time.Second,
	KindOrderbook: 1 * time.Second,
	KindTrades:    2 * time.Second,
	KindMarket:    15 * time.Second,
	KindPortfolio: 10 * time.Second,
	KindAlerts:    30 * time.Second,
}

// Topic identifies a named stream clients can subscribe to, e.g. "price:BTC",
// "orderbook:ETH" or "portfolio:user-42"
type Topic struct {
	Kind  Kind   `json:"kind"`
	Scope string `json:"scope"`
}

// SubOptions holds kind-specific subscription options
type SubOptions struct {
	Depth    int           `json:"depth,omitempty"`    // orderbook levels (default 20)
	Interval time.Duration `json:"interval,omitempty"` // cadence override, floored at nominal
}

// IsValid reports whether k is a known topic kind
func (k Kind) IsValid() bool {
	_, ok := cadences[k]
	return ok
}

// Parse parses a topic key of the form "<kind>:<scope>"
func Parse(key string) (Topic, error) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return Topic{}, fmt.Errorf("invalid topic key %q: expected <kind>:<scope>", key)
	}

	kind := Kind(strings.ToLower(strings.TrimSpace(parts[0])))
	if !kind.IsValid() {
		return Topic{}, fmt.Errorf("invalid topic key %q: unknown kind %q", key, parts[0])
	}

	scope := strings.TrimSpace(parts[1])
	if scope == "" {
		return Topic{}, fmt.Errorf("invalid topic key %q: empty scope", key)
	}

	// Symbol scopes are case-insensitive; user-id scopes are not
	if kind == KindPrice || kind == KindOrderbook || kind == KindTrades || kind == KindMarket {
		scope = strings.ToUpper(scope)
	}

	return Topic{Kind: kind, Scope: scope}, nil
}

// String returns the canonical topic key
func (t Topic) String() string {
	return fmt.Sprintf("%s:%s", t.Kind, t.Scope)
}

// Cadence returns the nominal polling interval for the topic's kind
func (t Topic) Cadence() time.Duration {
	if d, ok := cadences[t.Kind]; ok {
		return d
	}
	return 5 * time.Second
}

// EffectiveCadence applies a subscription interval override, floored at the
// kind's nominal cadence so a client cannot increase upstream load
func (t Topic) EffectiveCadence(opts SubOptions) time.Duration {
	nominal := t.Cadence()
	if opts.Interval > nominal {
		return opts.Interval
	}
	return nominal
}

// IsUserScoped reports whether the topic's scope is a user id that must match
// the authenticated user of the subscribing connection
func (t Topic) IsUserScoped() bool {
	return t.Kind == KindPortfolio || t.Kind == KindAlerts
}

// UpdateType returns the outbound message type for poll updates on this topic,
// e.g. "price_update" for price topics
func (t Topic) UpdateType() string {
	return string(t.Kind) + "_update"
}
