package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/flexrp/service/config"
	"github.com/brojonat/flexrp/service/db"
	"github.com/brojonat/flexrp/service/db/sqlite"
	"github.com/brojonat/flexrp/service/metrics"
	"github.com/brojonat/flexrp/service/server"
	"github.com/brojonat/flexrp/service/telemetry"
	"github.com/brojonat/flexrp/service/temporal"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.ServiceName+"-server", cfg.OTLPEndpoint)
	if err != nil {
		// InitTracer falls back to a noop provider.
		logger.Warn("tracing disabled", "endpoint", cfg.OTLPEndpoint, "error", err)
	}
	defer shutdownTracer(context.Background())

	metricsCollector := metrics.NewMetrics(nil)

	store, closeStore, err := openStore(ctx, cfg, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// The replay endpoint answers 503 when Temporal is unreachable; reads keep
	// working.
	var scheduler temporal.ReplayScheduler
	temporalClient, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
	if err != nil {
		logger.Warn("temporal unavailable, replay endpoint disabled", "error", err)
	} else {
		defer temporalClient.Close()
		scheduler = temporalClient
	}

	var ssePublisher *server.SSEPublisher
	if cfg.NotifySink == "nats" {
		ssePublisher, err = server.NewSSEPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Warn("NATS unavailable, streaming endpoints disabled", "error", err)
			ssePublisher = nil
		} else {
			defer ssePublisher.Close()
		}
	}

	httpServer := server.New(cfg.ServerAddr, store, scheduler, cfg.ReplayBatchSize, ssePublisher, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"replay_enabled", scheduler != nil,
		"streaming_enabled", ssePublisher != nil,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// openStore picks Postgres when DATABASE_URL is set and SQLite otherwise.
func openStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (server.StoreInterface, func(), error) {
	if cfg.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		logger.Info("connected to postgres")
		return db.NewStore(pool, m), pool.Close, nil
	}

	store, err := sqlite.Open(cfg.SQLitePath, m)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	logger.Info("opened sqlite store", "path", cfg.SQLitePath)
	return store, func() { _ = store.Close() }, nil
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
