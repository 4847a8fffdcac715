package alert

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"crypto-market-streamer/internal/marketdata"
	"crypto-market-streamer/internal/topic"
)

// Store is the external persistence collaborator for alerts
type Store interface {
	LoadAll(ctx context.Context) ([]Alert, error)
	Create(ctx context.Context, a Alert) (Alert, error)
	Disable(ctx context.Context, id string) error
	Rearm(ctx context.Context, id string) error
}

// Engine evaluates armed alerts against freshly polled data.
//
// Trigger policy: disable-on-trigger. A triggered alert fires exactly once,
// is removed from the armed set in the same evaluation cycle and disabled in
// the store; Rearm re-enables it explicitly. The alternative (stay armed,
// re-fire every qualifying tick) spams a notification per poll interval for
// as long as the condition holds.
type Engine struct {
	store Store

	mutex sync.Mutex
	armed map[string]map[string]*Alert // scope -> alertID -> alert
	byID  map[string]*Alert            // every known alert, armed or not

	totalTriggered int64
}

// NewEngine creates an alert engine backed by the given store
func NewEngine(store Store) *Engine {
	return &Engine{
		store: store,
		armed: make(map[string]map[string]*Alert),
		byID:  make(map[string]*Alert),
	}
}

// Load pulls all persisted alerts into the in-memory index. Called once at
// startup; alerts created afterward are added incrementally via Add.
func (e *Engine) Load(ctx context.Context) error {
	alerts, err := e.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load alerts: %w", err)
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	for i := range alerts {
		a := alerts[i]
		e.byID[a.ID] = &a
		if a.Enabled {
			e.armLocked(&a)
		}
	}

	log.Printf("✅ Alert engine loaded %d alerts (%d armed)", len(alerts), e.armedCountLocked())
	return nil
}

// Add validates, persists and arms a new alert. The in-memory index is
// updated immediately; no reload is ever required to pick up a new alert.
func (e *Engine) Add(ctx context.Context, a Alert) (Alert, error) {
	if err := a.Validate(); err != nil {
		return Alert{}, err
	}

	a.Enabled = true
	a.CreatedAt = time.Now()

	created, err := e.store.Create(ctx, a)
	if err != nil {
		return Alert{}, fmt.Errorf("failed to persist alert: %w", err)
	}

	e.mutex.Lock()
	e.byID[created.ID] = &created
	e.armLocked(&created)
	e.mutex.Unlock()

	log.Printf("🔔 Alert %s armed for user %s: %s %s %s %.4f",
		created.ID, created.UserID, created.Kind, created.Scope, created.Condition, created.Threshold)
	return created, nil
}

// Rearm re-enables a previously triggered alert. The store write comes
// first; memory only arms once persistence succeeded, so a failed write
// cannot leave an alert armed in memory but disabled on disk.
func (e *Engine) Rearm(ctx context.Context, id string) error {
	e.mutex.Lock()
	a, known := e.byID[id]
	e.mutex.Unlock()

	if !known {
		return fmt.Errorf("unknown alert %s", id)
	}

	if err := e.store.Rearm(ctx, id); err != nil {
		return fmt.Errorf("failed to rearm alert %s: %w", id, err)
	}

	e.mutex.Lock()
	if !a.Enabled {
		a.Enabled = true
		e.armLocked(a)
	}
	e.mutex.Unlock()

	log.Printf("🔔 Alert %s rearmed", id)
	return nil
}

// Evaluate scans armed alerts scoped to the topic against a fresh poll
// value and returns the alerts that fired. Fired alerts leave the armed set
// before this returns; the store disable happens after the index lock is
// released, never across it.
func (e *Engine) Evaluate(t topic.Topic, value interface{}, ts time.Time) []TriggeredAlert {
	observations := observe(t, value)
	if len(observations) == 0 {
		return nil
	}

	var triggered []TriggeredAlert

	e.mutex.Lock()
	for _, obs := range observations {
		for _, a := range e.armed[t.Scope] {
			if a.Kind != obs.kind || !a.matches(obs.value) {
				continue
			}

			a.Enabled = false
			delete(e.armed[t.Scope], a.ID)
			triggered = append(triggered, TriggeredAlert{
				Alert:       *a,
				Value:       obs.value,
				TriggeredAt: ts,
			})
		}
		if len(e.armed[t.Scope]) == 0 {
			delete(e.armed, t.Scope)
		}
	}
	e.totalTriggered += int64(len(triggered))
	e.mutex.Unlock()

	for _, tr := range triggered {
		log.Printf("🚨 Alert %s triggered for user %s (%s %s at %.4f)",
			tr.Alert.ID, tr.Alert.UserID, tr.Alert.Condition, tr.Alert.Scope, tr.Value)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.store.Disable(ctx, tr.Alert.ID); err != nil {
			log.Printf("⚠️ Failed to disable triggered alert %s: %v", tr.Alert.ID, err)
		}
		cancel()
	}

	return triggered
}

// observation is one comparable number extracted from a poll value
type observation struct {
	kind  Kind
	value float64
}

// observe maps a topic's poll value onto the alert kinds it can trigger
func observe(t topic.Topic, value interface{}) []observation {
	switch t.Kind {
	case topic.KindPrice:
		quote, ok := value.(marketdata.PriceQuote)
		if !ok {
			return nil
		}
		return []observation{
			{kind: KindPrice, value: quote.Price},
			{kind: KindVolume, value: quote.Volume24h},
		}

	case topic.KindPortfolio:
		summary, ok := value.(marketdata.PortfolioSummary)
		if !ok {
			return nil
		}
		return []observation{{kind: KindRisk, value: summary.RiskScore}}

	default:
		return nil
	}
}

// ArmedForUser returns copies of a user's armed alerts. Implements the
// alerts-topic source so clients see alert state on the alerts cadence.
func (e *Engine) ArmedForUser(userID string) interface{} {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	out := make([]Alert, 0)
	for _, a := range e.byID {
		if a.UserID == userID && a.Enabled {
			out = append(out, *a)
		}
	}
	return out
}

// Owner returns the user id that owns an alert
func (e *Engine) Owner(id string) (string, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	a, known := e.byID[id]
	if !known {
		return "", false
	}
	return a.UserID, true
}

func (e *Engine) armLocked(a *Alert) {
	if e.armed[a.Scope] == nil {
		e.armed[a.Scope] = make(map[string]*Alert)
	}
	e.armed[a.Scope][a.ID] = a
}

func (e *Engine) armedCountLocked() int {
	n := 0
	for _, alerts := range e.armed {
		n += len(alerts)
	}
	return n
}

// GetStats returns engine statistics
func (e *Engine) GetStats() map[string]interface{} {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return map[string]interface{}{
		"known_alerts":    len(e.byID),
		"armed_alerts":    e.armedCountLocked(),
		"armed_scopes":    len(e.armed),
		"total_triggered": e.totalTriggered,
	}
}
