package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/segment-engine/internal/api"
	"github.com/ignite/segment-engine/internal/app"
	"github.com/ignite/segment-engine/internal/config"
	"github.com/ignite/segment-engine/internal/notify"
)

func main() {
	log.Println("Starting segment engine API server...")

	// Load configuration
	cfg, err := config.LoadFromEnv(os.Getenv("SEGMENTS_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if logFile := app.SetupLogging(cfg.Logging); logFile != nil {
		defer logFile.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()
	log.Println("Connected to database")

	hub := notify.NewHub(a.HubSource())
	hub.Start(ctx)
	log.Printf("Live event hub listening on %s channel %q", cfg.Notify.Backend, cfg.Notify.Channel)

	var archive api.RunArchive
	if a.Archive != nil {
		archive = a.Archive
	}

	server := api.NewServer(cfg.Server, api.Routes{
		Segments: api.NewSegmentHandlers(a.Engine, a.Snapshots, archive),
		Health:   api.NewHealthChecker(a.DB, a.Redis),
		Hub:      hub,
	})
	if cfg.Server.APIKey == "" {
		log.Println("Warning: SEGMENTS_API_KEY not set, /api routes are unauthenticated")
	}

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on %s", cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	// Cancel background tasks
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
