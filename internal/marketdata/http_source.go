package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"crypto-market-streamer/internal/topic"
)

// HTTPSource fetches market data from the aggregator API that fronts the
// upstream providers (CoinGecko, CoinCap, ...). The per-provider clients,
// retries and response reshaping live behind that API, not here.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates an HTTP market data source
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	log.Printf("✅ Market data source initialized: %s", baseURL)
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Fetch implements Source
func (hs *HTTPSource) Fetch(ctx context.Context, kind topic.Kind, scope string) (interface{}, error) {
	switch kind {
	case topic.KindPrice:
		var quote PriceQuote
		if err := hs.getJSON(ctx, fmt.Sprintf("/api/v1/price/%s", url.PathEscape(scope)), &quote); err != nil {
			return nil, &FetchError{Kind: kind, Scope: scope, Err: err}
		}
		return quote, nil

	case topic.KindOrderbook:
		var book OrderBook
		if err := hs.getJSON(ctx, fmt.Sprintf("/api/v1/orderbook/%s", url.PathEscape(scope)), &book); err != nil {
			return nil, &FetchError{Kind: kind, Scope: scope, Err: err}
		}
		return book, nil

	case topic.KindTrades:
		var trades TradeList
		if err := hs.getJSON(ctx, fmt.Sprintf("/api/v1/trades/%s", url.PathEscape(scope)), &trades); err != nil {
			return nil, &FetchError{Kind: kind, Scope: scope, Err: err}
		}
		return trades, nil

	case topic.KindMarket:
		var overview MarketOverview
		if err := hs.getJSON(ctx, "/api/v1/market/overview", &overview); err != nil {
			return nil, &FetchError{Kind: kind, Scope: scope, Err: err}
		}
		return overview, nil

	default:
		return nil, &FetchError{Kind: kind, Scope: scope, Err: fmt.Errorf("unsupported topic kind %q", kind)}
	}
}

// getJSON performs a GET against the aggregator and decodes the response
func (hs *HTTPSource) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hs.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := hs.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrUnknownScope
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
