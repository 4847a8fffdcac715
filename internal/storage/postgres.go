package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"crypto-market-streamer/internal/alert"
	"crypto-market-streamer/internal/marketdata"
)

// PostgresStore persists alert rules and portfolio holdings. It implements
// alert.Store and marketdata.HoldingsSource.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to PostgreSQL and runs startup migrations
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Printf("✅ PostgreSQL store initialized")
	return store, nil
}

func (ps *PostgresStore) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			scope TEXT NOT NULL,
			condition TEXT NOT NULL,
			threshold DOUBLE PRECISION NOT NULL,
			base_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_scope ON alerts(scope) WHERE enabled`,
		`CREATE TABLE IF NOT EXISTS portfolio_holdings (
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			avg_buy_price DOUBLE PRECISION NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, symbol)
		)`,
	}

	for _, query := range queries {
		if _, err := ps.db.Exec(query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// LoadAll implements alert.Store
func (ps *PostgresStore) LoadAll(ctx context.Context) ([]alert.Alert, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT id, user_id, kind, scope, condition, threshold, base_price, enabled, created_at
		FROM alerts
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []alert.Alert
	for rows.Next() {
		var a alert.Alert
		if err := rows.Scan(&a.ID, &a.UserID, &a.Kind, &a.Scope, &a.Condition,
			&a.Threshold, &a.BasePrice, &a.Enabled, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read alert rows: %w", err)
	}

	return alerts, nil
}

// Create implements alert.Store. The id is assigned here.
func (ps *PostgresStore) Create(ctx context.Context, a alert.Alert) (alert.Alert, error) {
	a.ID = uuid.New().String()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	_, err := ps.db.ExecContext(ctx, `
		INSERT INTO alerts (id, user_id, kind, scope, condition, threshold, base_price, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.UserID, a.Kind, a.Scope, a.Condition, a.Threshold, a.BasePrice, a.Enabled, a.CreatedAt)
	if err != nil {
		return alert.Alert{}, fmt.Errorf("failed to insert alert: %w", err)
	}

	return a, nil
}

// Disable implements alert.Store
func (ps *PostgresStore) Disable(ctx context.Context, id string) error {
	return ps.setEnabled(ctx, id, false)
}

// Rearm implements alert.Store
func (ps *PostgresStore) Rearm(ctx context.Context, id string) error {
	return ps.setEnabled(ctx, id, true)
}

func (ps *PostgresStore) setEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := ps.db.ExecContext(ctx, `UPDATE alerts SET enabled = $1 WHERE id = $2`, enabled, id)
	if err != nil {
		return fmt.Errorf("failed to update alert %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("alert %s not found", id)
	}
	return nil
}

// Holdings implements marketdata.HoldingsSource
func (ps *PostgresStore) Holdings(ctx context.Context, userID string) ([]marketdata.Position, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT symbol, quantity, avg_buy_price
		FROM portfolio_holdings
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings for %s: %w", userID, err)
	}
	defer rows.Close()

	var positions []marketdata.Position
	for rows.Next() {
		var p marketdata.Position
		if err := rows.Scan(&p.Symbol, &p.Quantity, &p.AvgBuyPrice); err != nil {
			return nil, fmt.Errorf("failed to scan holding row: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read holding rows: %w", err)
	}

	return positions, nil
}

// UpsertHolding writes one position for a user
func (ps *PostgresStore) UpsertHolding(ctx context.Context, userID string, p marketdata.Position) error {
	_, err := ps.db.ExecContext(ctx, `
		INSERT INTO portfolio_holdings (user_id, symbol, quantity, avg_buy_price, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, symbol) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			avg_buy_price = EXCLUDED.avg_buy_price,
			updated_at = NOW()
	`, userID, p.Symbol, p.Quantity, p.AvgBuyPrice)
	if err != nil {
		return fmt.Errorf("failed to upsert holding %s/%s: %w", userID, p.Symbol, err)
	}
	return nil
}

// Close closes the database connection
func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}

// GetStats returns store statistics
func (ps *PostgresStore) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"connected": ps.db.Ping() == nil,
	}

	var alertCount int
	if err := ps.db.QueryRow(`SELECT COUNT(*) FROM alerts WHERE enabled`).Scan(&alertCount); err == nil {
		stats["enabled_alerts"] = alertCount
	}

	return stats
}
