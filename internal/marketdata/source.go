package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crypto-market-streamer/internal/topic"
)

// ErrFetch wraps any upstream market-data failure. Poll ticks that fail are
// logged and skipped; the error never reaches clients directly.
var ErrFetch = errors.New("market data fetch failed")

// ErrUnknownScope means the requested symbol or user has no data upstream
var ErrUnknownScope = errors.New("unknown scope")

// FetchError describes one failed upstream fetch
type FetchError struct {
	Kind  topic.Kind
	Scope string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s:%s: %v", e.Kind, e.Scope, e.Err)
}

func (e *FetchError) Unwrap() error { return ErrFetch }

// PriceQuote is the current market price of one symbol
type PriceQuote struct {
	Symbol           string  `json:"symbol"`
	Price            float64 `json:"price"`
	PercentChange24h float64 `json:"percent_change_24h"`
	Volume24h        float64 `json:"volume_24h"`
	MarketCap        float64 `json:"market_cap"`
	Timestamp        int64   `json:"timestamp"`
}

// OrderBookLevel is one price level of an order book side
type OrderBookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook is a depth-limited order book snapshot
type OrderBook struct {
	Symbol    string           `json:"symbol"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Depth     int              `json:"depth"`
	Timestamp int64            `json:"timestamp"`
}

// Trade is one executed trade
type Trade struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	Side      string  `json:"side"` // "buy" or "sell"
	Timestamp int64   `json:"timestamp"`
}

// TradeList is a batch of recent trades for a symbol
type TradeList struct {
	Symbol string  `json:"symbol"`
	Trades []Trade `json:"trades"`
}

// MarketOverview is an aggregate snapshot of the whole market
type MarketOverview struct {
	TotalMarketCap   float64 `json:"total_market_cap"`
	TotalVolume24h   float64 `json:"total_volume_24h"`
	BTCDominance     float64 `json:"btc_dominance"`
	ActiveCurrencies int     `json:"active_currencies"`
	Timestamp        int64   `json:"timestamp"`
}

// Holding is one position in a user's portfolio
type Holding struct {
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	AvgBuyPrice  float64 `json:"avg_buy_price"`
	CurrentPrice float64 `json:"current_price"`
	Value        float64 `json:"value"`
	ProfitLoss   float64 `json:"profit_loss"`
}

// PortfolioSummary is a computed snapshot of one user's portfolio
type PortfolioSummary struct {
	UserID      string    `json:"user_id"`
	Holdings    []Holding `json:"holdings"`
	TotalValue  float64   `json:"total_value"`
	TotalCost   float64   `json:"total_cost"`
	TotalPnL    float64   `json:"total_pnl"`
	TotalPnLPct float64   `json:"total_pnl_pct"`
	RiskScore   float64   `json:"risk_score"`
	ComputedAt  time.Time `json:"computed_at"`
}

// Source fetches the current value for a topic kind and scope. Implementations
// wrap the upstream provider plumbing; the polling layer only sees this.
type Source interface {
	Fetch(ctx context.Context, kind topic.Kind, scope string) (interface{}, error)
}

// PortfolioSource computes a user's portfolio snapshot
type PortfolioSource interface {
	Snapshot(ctx context.Context, userID string) (PortfolioSummary, error)
}

// ArmedAlertsSource lists a user's currently armed alerts, pushed on the
// alerts topic cadence so clients can render alert state without a REST call
type ArmedAlertsSource interface {
	ArmedForUser(userID string) interface{}
}

// Mux routes fetches to the collaborator that owns each topic kind: market
// topics to the aggregator, portfolio topics to the portfolio source, alerts
// topics to the alert engine.
type Mux struct {
	Market    Source
	Portfolio PortfolioSource
	Alerts    ArmedAlertsSource
}

// Fetch implements Source
func (m *Mux) Fetch(ctx context.Context, kind topic.Kind, scope string) (interface{}, error) {
	switch kind {
	case topic.KindPortfolio:
		if m.Portfolio == nil {
			return nil, &FetchError{Kind: kind, Scope: scope, Err: errors.New("no portfolio source configured")}
		}
		summary, err := m.Portfolio.Snapshot(ctx, scope)
		if err != nil {
			return nil, &FetchError{Kind: kind, Scope: scope, Err: err}
		}
		return summary, nil

	case topic.KindAlerts:
		if m.Alerts == nil {
			return nil, &FetchError{Kind: kind, Scope: scope, Err: errors.New("no alerts source configured")}
		}
		return m.Alerts.ArmedForUser(scope), nil

	default:
		if m.Market == nil {
			return nil, &FetchError{Kind: kind, Scope: scope, Err: errors.New("no market source configured")}
		}
		return m.Market.Fetch(ctx, kind, scope)
	}
}
