package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignite/segment-engine/internal/app"
	"github.com/ignite/segment-engine/internal/config"
	"github.com/ignite/segment-engine/internal/scheduler"
)

func main() {
	log.Println("Starting segment recalculation worker...")

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

	if !cfg.Scheduler.Enabled {
		log.Println("Scheduler disabled (scheduler.enabled=false), nothing to do")
		return
	}

	sched := scheduler.New(a.Segments, a.Engine, cfg.Scheduler.Tick())
	if err := sched.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	log.Printf("Segment scheduler started (tick %s, lease %s)", cfg.Scheduler.Tick(), cfg.Scheduler.Lease())

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()

	// Stop waits for the in-flight recalculation to finish or abort
	sched.Stop()

	log.Println("Worker stopped")
}
