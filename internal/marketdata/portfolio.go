package marketdata

import (
	"context"
	"fmt"
	"time"
)

// Position is a raw holding row from the portfolio store, before pricing
type Position struct {
	Symbol      string  `json:"symbol"`
	Quantity    float64 `json:"quantity"`
	AvgBuyPrice float64 `json:"avg_buy_price"`
}

// HoldingsSource loads a user's raw positions from the external datastore
type HoldingsSource interface {
	Holdings(ctx context.Context, userID string) ([]Position, error)
}

// PriceLookup resolves the latest known price for a symbol. Backed by the
// topic snapshot cache, so portfolio pricing rides on the same poll data
// clients see.
type PriceLookup interface {
	LastPrice(symbol string) (float64, bool)
}

// PortfolioBuilder assembles priced portfolio snapshots from raw holdings
// and the latest cached prices. Implements PortfolioSource.
type PortfolioBuilder struct {
	holdings HoldingsSource
	prices   PriceLookup
}

// NewPortfolioBuilder creates a portfolio source
func NewPortfolioBuilder(holdings HoldingsSource, prices PriceLookup) *PortfolioBuilder {
	return &PortfolioBuilder{holdings: holdings, prices: prices}
}

// Snapshot implements PortfolioSource
func (pb *PortfolioBuilder) Snapshot(ctx context.Context, userID string) (PortfolioSummary, error) {
	positions, err := pb.holdings.Holdings(ctx, userID)
	if err != nil {
		return PortfolioSummary{}, fmt.Errorf("failed to load holdings for %s: %w", userID, err)
	}

	summary := PortfolioSummary{
		UserID:     userID,
		Holdings:   make([]Holding, 0, len(positions)),
		ComputedAt: time.Now(),
	}

	for _, pos := range positions {
		price, known := pb.prices.LastPrice(pos.Symbol)
		if !known {
			// No fresh quote yet; value at cost so totals stay meaningful
			price = pos.AvgBuyPrice
		}

		cost := pos.Quantity * pos.AvgBuyPrice
		value := pos.Quantity * price

		summary.Holdings = append(summary.Holdings, Holding{
			Symbol:       pos.Symbol,
			Quantity:     pos.Quantity,
			AvgBuyPrice:  pos.AvgBuyPrice,
			CurrentPrice: price,
			Value:        value,
			ProfitLoss:   value - cost,
		})

		summary.TotalValue += value
		summary.TotalCost += cost
	}

	summary.TotalPnL = summary.TotalValue - summary.TotalCost
	if summary.TotalCost > 0 {
		summary.TotalPnLPct = summary.TotalPnL / summary.TotalCost * 100
	}
	summary.RiskScore = concentrationRisk(summary)

	return summary, nil
}

// concentrationRisk scores 0-100 from the Herfindahl index of position
// weights: a single-asset portfolio scores 100, an evenly spread one
// approaches 100/n.
func concentrationRisk(s PortfolioSummary) float64 {
	if s.TotalValue <= 0 || len(s.Holdings) == 0 {
		return 0
	}

	hhi := 0.0
	for _, h := range s.Holdings {
		weight := h.Value / s.TotalValue
		hhi += weight * weight
	}
	return hhi * 100
}
