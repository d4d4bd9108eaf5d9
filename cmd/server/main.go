/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the report engine server: configuration,
  dependency wiring, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Start the notification dispatcher
  4. Wire the state machine, ledger and aggregator into the API
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port              HTTP server port (default: 8080)
  -db                SQLite database path (default: reports.db, ":memory:" supported)
  -cache-ttl         KPI cache TTL (default: 5m)
  -cache-size        KPI cache capacity (default: 32)
  -top-zones         Risk zones per snapshot (default: 5)
  -bucket-precision  Geo bucket decimal places (default: 2)
  -ai-timeout        Narrative call timeout (default: 10s)

ENVIRONMENT:
  OPENAI_API_KEY  Enables the AI narrative stage when set
  OPENAI_MODEL    Overrides the completion model

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections (30s drain)
  2. Stop the dispatcher, flushing queued deliveries
  3. Close the database

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/civiclens/report-engine/api"
	"github.com/civiclens/report-engine/engine"
	"github.com/civiclens/report-engine/metrics"
	"github.com/civiclens/report-engine/narrative"
	"github.com/civiclens/report-engine/notify"
	"github.com/civiclens/report-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "reports.db", "SQLite database path")
	cacheTTL := flag.Duration("cache-ttl", 5*time.Minute, "KPI cache TTL")
	cacheSize := flag.Int("cache-size", 32, "KPI cache capacity")
	topZones := flag.Int("top-zones", 5, "risk zones per snapshot")
	bucketPrecision := flag.Int("bucket-precision", 2, "geo bucket decimal places")
	aiTimeout := flag.Duration("ai-timeout", 10*time.Second, "narrative call timeout")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Notification fan-out: in-app ledger plus vendor stand-ins
	dispatcher := notify.New(store, notify.Config{},
		notify.NewInApp(store),
		&notify.LogChannel{Label: "email"},
		&notify.LogChannel{Label: "push"},
	)
	dispatcher.Start()
	defer dispatcher.Stop()

	// Optional AI narrative stage
	var narrator metrics.Narrator
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		narrator = narrative.New(key, narrative.Config{
			Model:   os.Getenv("OPENAI_MODEL"),
			Timeout: *aiTimeout,
		})
		log.Println("[Main] AI narrative stage enabled")
	} else {
		log.Println("[Main] OPENAI_API_KEY not set, narrative stage disabled")
	}

	// Domain wiring
	machine := engine.NewReportMachine(store, store, dispatcher)
	ledger := engine.NewCaseLedger(store)
	aggregator := metrics.NewAggregator(store, narrator, metrics.Config{
		TopZones:        *topZones,
		BucketPrecision: int32(*bucketPrecision),
		CacheTTL:        *cacheTTL,
		CacheSize:       *cacheSize,
	})

	handler := api.NewHandler(machine, ledger, store, aggregator, store)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("[Main] Server starting on http://localhost:%d", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
