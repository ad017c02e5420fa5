// Package main is the entry point for the buildplane controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"buildplane/internal/config"
	"buildplane/internal/controller"
	"buildplane/internal/controller/handlers"
	"buildplane/internal/dispatch"
	"buildplane/internal/history"
	"buildplane/internal/logger"
	"buildplane/internal/observability"
	"buildplane/internal/ordering"
	"buildplane/internal/store"
	"buildplane/internal/store/memory"
	"buildplane/internal/store/postgres"
	"buildplane/internal/vcs"
	"buildplane/internal/worker"

	"github.com/ThreeDotsLabs/watermill"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	embeddedWorker := flag.Bool("embedded-worker", false, "Run builds in this process (required with store: memory)")
	configPath := flag.String("config", "", "Path to config file (default: buildplane.yaml in current directory)")
	flag.Parse()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	slog.SetDefault(logger.NewWithLevel(os.Stdout, cfg.LogLevel))

	if cfg.Store == "memory" && !*embeddedWorker {
		log.Fatalf("store: memory is only visible to this process; start with --embedded-worker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup the store
	var s store.Store
	switch cfg.Store {
	case "memory":
		log.Println("Using in-memory store; nothing survives a restart")
		s = memory.New()
	default:
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to DB: %v", err)
		}
		if *migrateFlag {
			log.Println("Running database migrations...")
			schemaVersion, err := postgres.Migrate(pg.DB())
			if err != nil {
				log.Fatalf("Migration failed: %v", err)
			}
			log.Printf("Migrations completed successfully (version %d)", schemaVersion)
		}
		s = pg
	}
	defer s.Close()

	svc := observability.Service{Name: "buildplane-controller", Version: version, Instance: cfg.InstanceName}

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

	// Metrics; the controller owns the backlog gauges
	metrics, err := observability.InitMetrics(ctx, svc, s)
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := metrics.Shutdown(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()
	buildMetrics := metrics.Builds

	// Dispatch
	registry := vcs.DefaultRegistry()
	var transport dispatch.Transport
	switch cfg.Dispatch {
	case "kafka":
		publisher, err := dispatch.NewKafkaPublisher(kafkaConfig(cfg), watermill.NewStdLogger(false, false))
		if err != nil {
			log.Fatalf("Failed to create Kafka publisher: %v", err)
		}
		defer publisher.Close()
		transport = dispatch.NewMessageTransport(publisher, cfg.KafkaTopic)
		log.Printf("Dispatching builds to Kafka topic %s", cfg.KafkaTopic)
	default:
		transport = dispatch.NewQueueTransport(s)
	}
	dispatcher := dispatch.New(s, registry, transport)
	historyManager := history.NewManager(s, buildMetrics)

	// Embedded worker
	var workerDone <-chan struct{}
	if *embeddedWorker {
		p, err := worker.NewPipeline(s, registry, historyManager, buildMetrics, cfg)
		if err != nil {
			log.Fatalf("Failed to set up pipeline: %v", err)
		}
		workerDone, err = worker.Start(ctx, cfg, s, p)
		if err != nil {
			log.Fatalf("Failed to start embedded worker: %v", err)
		}
	}

	// Start Server
	h := handlers.New(s, dispatcher, ordering.NewManager(s), historyManager, handlers.Config{
		BaseURL:      cfg.BaseURL,
		GitHubSecret: cfg.GitHubWebhookSecret,
		Version:      version,
	})
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, h, controller.Options{
		APIToken:      cfg.APIToken,
		HookRateLimit: cfg.HookRateLimit,
		HookRateBurst: cfg.HookRateBurst,
		Metrics:       metrics.Handler,
	})

	go func() {
		log.Printf("BuildPlane Controller starting on %s", addr)
		if err := srv.Run(ctx); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down controller...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	cancel()
	if workerDone != nil {
		log.Println("Waiting for running builds to finish...")
		<-workerDone
	}
	log.Println("Server exited properly")
}

func kafkaConfig(cfg *config.Config) dispatch.KafkaConfig {
	return dispatch.KafkaConfig{Brokers: cfg.KafkaBrokers, ConsumerGroup: cfg.KafkaConsumerGroup}
}
