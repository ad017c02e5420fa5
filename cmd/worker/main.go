// Package main is the entry point for the buildplane worker.
// The worker claims pending builds and runs their pipelines: checkout, steps, result.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"buildplane/internal/config"
	"buildplane/internal/history"
	"buildplane/internal/logger"
	"buildplane/internal/observability"
	"buildplane/internal/store/postgres"
	"buildplane/internal/vcs"
	"buildplane/internal/worker"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file (default: buildplane.yaml in current directory)")
	metricsAddr := flag.String("metrics-addr", ":6162", "Address of the worker metrics endpoint")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	slog.SetDefault(logger.NewWithLevel(os.Stdout, cfg.LogLevel))
	if cfg.Store != "postgres" {
		log.Fatalf("The worker needs store: postgres; use controller --embedded-worker with store: %s", cfg.Store)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer s.Close()

	svc := observability.Service{Name: "buildplane-worker", Version: version, Instance: cfg.InstanceName}

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, svc, cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	// Metrics
	metrics, err := observability.InitMetrics(ctx, svc, nil)
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := metrics.Shutdown(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()
	buildMetrics := metrics.Builds

	p, err := worker.NewPipeline(s, vcs.DefaultRegistry(), history.NewManager(s, buildMetrics), buildMetrics, cfg)
	if err != nil {
		log.Fatalf("Failed to set up pipeline: %v", err)
	}

	done, err := worker.Start(ctx, cfg, s, p)
	if err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}

	// Start a dedicated metrics server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler)
		log.Printf("Worker metrics listening on %s", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()

	<-done
}
