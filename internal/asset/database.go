package asset

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Asset is one tradeable instrument in the catalog
type Asset struct {
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Catalog handles SQLite-based asset management. Symbol lookups are served
// from an in-memory set so subscribe-time validation never touches disk.
type Catalog struct {
	db *sql.DB

	mutex       sync.RWMutex
	activeNames map[string]string // symbol -> display name
	lastUpdated time.Time
}

// seedAssets bootstraps an empty catalog so a fresh deployment can serve
// subscriptions before the first refresh lands.
var seedAssets = []Asset{
	{Symbol: "BTC", Name: "Bitcoin", Status: "ACTIVE"},
	{Symbol: "ETH", Name: "Ethereum", Status: "ACTIVE"},
	{Symbol: "SOL", Name: "Solana", Status: "ACTIVE"},
	{Symbol: "XRP", Name: "XRP", Status: "ACTIVE"},
	{Symbol: "DOGE", Name: "Dogecoin", Status: "ACTIVE"},
	{Symbol: "ADA", Name: "Cardano", Status: "ACTIVE"},
}

// NewCatalog opens (creating if needed) the asset catalog at dbPath
func NewCatalog(dbPath string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	c := &Catalog{
		db:          db,
		activeNames: make(map[string]string),
	}

	if err := c.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := c.loadIntoMemory(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load assets: %w", err)
	}

	if c.Count() == 0 {
		if err := c.Upsert(seedAssets); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to seed assets: %w", err)
		}
		log.Printf("📊 Asset catalog seeded with %d default assets", len(seedAssets))
	}

	log.Printf("✅ Asset catalog initialized: %s (%d active)", dbPath, c.Count())
	return c, nil
}

func (c *Catalog) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS assets (
		symbol TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT DEFAULT 'ACTIVE',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_assets_status ON assets(status);
	`

	_, err := c.db.Exec(query)
	return err
}

// loadIntoMemory rebuilds the in-memory symbol set from the database
func (c *Catalog) loadIntoMemory() error {
	rows, err := c.db.Query(`SELECT symbol, name FROM assets WHERE status = 'ACTIVE'`)
	if err != nil {
		return err
	}
	defer rows.Close()

	names := make(map[string]string)
	for rows.Next() {
		var symbol, name string
		if err := rows.Scan(&symbol, &name); err != nil {
			return err
		}
		names[symbol] = name
	}
	if err := rows.Err(); err != nil {
		return err
	}

	c.mutex.Lock()
	c.activeNames = names
	c.lastUpdated = time.Now()
	c.mutex.Unlock()
	return nil
}

// Upsert writes assets to the database and refreshes the in-memory set.
// Symbols are stored uppercased.
func (c *Catalog) Upsert(assets []Asset) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO assets (symbol, name, status, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, a := range assets {
		status := a.Status
		if status == "" {
			status = "ACTIVE"
		}
		if _, err := stmt.Exec(strings.ToUpper(a.Symbol), a.Name, status); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to upsert asset %s: %w", a.Symbol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit assets: %w", err)
	}

	return c.loadIntoMemory()
}

// RefreshFromAggregator replaces the catalog with the asset list served by
// the market data aggregator. Best-effort at startup; the seed and any
// previously persisted assets keep serving if the fetch fails.
func (c *Catalog) RefreshFromAggregator(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/assets", nil)
	if err != nil {
		return fmt.Errorf("failed to build asset refresh request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("asset refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("asset refresh returned status %d", resp.StatusCode)
	}

	var assets []Asset
	if err := json.NewDecoder(resp.Body).Decode(&assets); err != nil {
		return fmt.Errorf("failed to decode asset list: %w", err)
	}
	if len(assets) == 0 {
		return fmt.Errorf("asset refresh returned an empty list")
	}

	if err := c.Upsert(assets); err != nil {
		return err
	}

	log.Printf("📊 Asset catalog refreshed: %d assets", len(assets))
	return nil
}

// IsKnownSymbol reports whether symbol refers to an active asset. The check
// is case-insensitive and served from memory.
func (c *Catalog) IsKnownSymbol(symbol string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	_, exists := c.activeNames[strings.ToUpper(symbol)]
	return exists
}

// NameFor returns the display name of an active asset
func (c *Catalog) NameFor(symbol string) (string, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	name, exists := c.activeNames[strings.ToUpper(symbol)]
	return name, exists
}

// ActiveSymbols returns all active symbols
func (c *Catalog) ActiveSymbols() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	out := make([]string, 0, len(c.activeNames))
	for symbol := range c.activeNames {
		out = append(out, symbol)
	}
	return out
}

// Count returns the number of active assets
func (c *Catalog) Count() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.activeNames)
}

// Close closes the underlying database
func (c *Catalog) Close() error {
	return c.db.Close()
}

// GetStats returns catalog statistics
func (c *Catalog) GetStats() map[string]interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return map[string]interface{}{
		"active_assets": len(c.activeNames),
		"last_updated":  c.lastUpdated,
	}
}
