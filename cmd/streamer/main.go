package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crypto-market-streamer/internal/alert"
	"crypto-market-streamer/internal/asset"
	"crypto-market-streamer/internal/auth"
	"crypto-market-streamer/internal/config"
	"crypto-market-streamer/internal/fanout"
	"crypto-market-streamer/internal/gateway"
	"crypto-market-streamer/internal/marketdata"
	"crypto-market-streamer/internal/poller"
	"crypto-market-streamer/internal/registry"
	"crypto-market-streamer/internal/storage"
	"crypto-market-streamer/internal/subindex"
	"crypto-market-streamer/internal/topic"
)

func main() {
	log.Printf("🚀 Starting crypto market streamer...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}

	// Datastores
	catalog, err := asset.NewCatalog(cfg.Database.SQLite.Path)
	if err != nil {
		log.Fatalf("❌ Failed to open asset catalog: %v", err)
	}
	defer catalog.Close()

	// Best-effort: pick up the aggregator's asset list; the seed and any
	// persisted assets keep serving if this fails
	refreshCtx, cancelRefresh := context.WithTimeout(context.Background(), 10*time.Second)
	if err := catalog.RefreshFromAggregator(refreshCtx, cfg.Market.BaseURL); err != nil {
		log.Printf("⚠️ Asset catalog refresh skipped: %v", err)
	}
	cancelRefresh()

	snapshots, err := storage.NewSnapshotCache(cfg.RedisConnectionString())
	if err != nil {
		log.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	defer snapshots.Close()

	store, err := storage.NewPostgresStore(cfg.PostgresConnectionString())
	if err != nil {
		log.Fatalf("❌ Failed to connect to PostgreSQL: %v", err)
	}
	defer store.Close()

	// Alert engine, armed from persisted rules
	engine := alert.NewEngine(store)
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 10*time.Second)
	if err := engine.Load(loadCtx); err != nil {
		cancelLoad()
		log.Fatalf("❌ Failed to load alerts: %v", err)
	}
	cancelLoad()

	// Market data: upstream HTTP aggregator for symbol topics, portfolio
	// builder and alert engine for user topics
	source := &marketdata.Mux{
		Market:    marketdata.NewHTTPSource(cfg.Market.BaseURL, cfg.Market.FetchTimeout),
		Portfolio: marketdata.NewPortfolioBuilder(store, snapshots),
		Alerts:    engine,
	}

	// Connection and subscription state
	reg := registry.NewRegistry()
	idx := subindex.NewIndex(reg)

	// The dispatcher's failure callback and the tick pipeline both need the
	// gateway, which itself needs the scheduler; declared here, wired below.
	var gw *gateway.Gateway

	dispatcher := fanout.NewDispatcher(reg, idx, func(connID string) {
		if gw != nil {
			gw.DisconnectByID(connID)
		}
	})

	// Tick pipeline: cache the snapshot, evaluate alerts (stateful), then
	// fan the value out to subscribers (stateless)
	tickHandler := func(t topic.Topic, value interface{}, ts time.Time) {
		if err := snapshots.StoreSnapshot(t, value); err != nil {
			log.Printf("⚠️ Failed to cache snapshot for %s: %v", t, err)
		}

		triggered := engine.Evaluate(t, value, ts)
		for userID, alerts := range groupByUser(triggered) {
			dispatcher.NotifyUser(userID, fanout.UserNotification{
				Type:      "price_alerts_triggered",
				Alerts:    alerts,
				Timestamp: ts.UnixMilli(),
			})
		}

		dispatcher.Publish(t, value)
	}

	scheduler := poller.NewScheduler(source, tickHandler, cfg.Market.FetchTimeout)

	validator, err := auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		log.Fatalf("❌ Failed to create token validator: %v", err)
	}

	gw, err = gateway.NewGateway(reg, idx, scheduler, engine, validator, catalog, snapshots, gateway.Config{
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		AuthTimeout:       cfg.Stream.AuthTimeout,
		SendBuffer:        cfg.Stream.SendBuffer,
	})
	if err != nil {
		log.Fatalf("❌ Failed to create gateway: %v", err)
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	gw.StartJanitor(janitorCtx)

	// HTTP surface
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", gw.HandleStream)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"connections":   reg.GetStats(),
			"subscriptions": idx.GetStats(),
			"poller":        scheduler.GetStats(),
			"alerts":        engine.GetStats(),
			"snapshots":     snapshots.GetStats(),
			"store":         store.GetStats(),
			"assets":        catalog.GetStats(),
			"gateway":       gw.GetStats(),
		})
	})

	server := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.Port,
		Handler: mux,
		// No Read/WriteTimeout: they would kill long-lived stream connections
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	go func() {
		log.Printf("✅ Listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ HTTP server failed: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("🛑 Shutting down...")

	stopJanitor()
	scheduler.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ HTTP shutdown error: %v", err)
	}

	log.Printf("✅ Shutdown complete")
}

// groupByUser buckets triggered alerts by their owning user for per-user
// notification fan-out
func groupByUser(triggered []alert.TriggeredAlert) map[string][]alert.TriggeredAlert {
	if len(triggered) == 0 {
		return nil
	}

	byUser := make(map[string][]alert.TriggeredAlert)
	for _, tr := range triggered {
		byUser[tr.Alert.UserID] = append(byUser[tr.Alert.UserID], tr)
	}
	return byUser
}
