package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/flexrp/service/config"
	"github.com/brojonat/flexrp/service/db"
	"github.com/brojonat/flexrp/service/db/sqlite"
	"github.com/brojonat/flexrp/service/ingest"
	"github.com/brojonat/flexrp/service/kafka"
	"github.com/brojonat/flexrp/service/ledger"
	"github.com/brojonat/flexrp/service/metrics"
	natspkg "github.com/brojonat/flexrp/service/nats"
	"github.com/brojonat/flexrp/service/payment"
	"github.com/brojonat/flexrp/service/rates"
	"github.com/brojonat/flexrp/service/telemetry"
	"github.com/brojonat/flexrp/service/temporal"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// settlementStore is everything the worker binary needs from storage. Both the
// Postgres and the SQLite store satisfy it.
type settlementStore interface {
	ingest.StoreInterface
	temporal.StoreInterface
}

// sink is a notification publisher that owns a connection.
type sink interface {
	ingest.Publisher
	Close() error
}

func main() {
	// A missing .env file is fine; the environment may already be populated.
	_ = godotenv.Load()

	// Load and validate configuration from environment
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting ingestion worker",
		"merchants", len(cfg.MerchantAddresses),
		"rpc_url", cfg.XRPLRPCURL,
		"rate_providers", cfg.RateProviders,
		"notify_sink", cfg.NotifySink,
		"log_level", cfg.LogLevel,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.ServiceName+"-worker", cfg.OTLPEndpoint)
	if err != nil {
		// InitTracer falls back to a noop provider.
		logger.Warn("tracing disabled", "endpoint", cfg.OTLPEndpoint, "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("failed to flush traces", "error", err)
		}
	}()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	store, closeStore, err := openStore(ctx, cfg, metricsCollector, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Ledger access
	rpc := ledger.NewHTTPRPC(cfg.XRPLRPCURL, nil, cfg.LedgerTimeout)
	ledgerClient := ledger.NewClient(rpc, ledger.Options{
		PageLimit: cfg.LedgerPageLimit,
		MaxPages:  cfg.LedgerMaxPages,
	}, metricsCollector, logger)

	// Exchange rates
	resolver, closeCache, err := buildResolver(cfg, metricsCollector, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	// Notifications
	publisher := openSink(cfg, metricsCollector, logger)
	var notifier *ingest.AsyncNotifier
	if publisher != nil {
		defer publisher.Close()
		notifier = ingest.NewAsyncNotifier(publisher, cfg.NotifyBuffer, metricsCollector, logger)
	}

	validator := ingest.NewValidator(cfg.MinPayment(), cfg.DestinationTag())
	retry := ingest.RetryPolicy{
		Attempts:   cfg.RetryAttempts,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		Multiplier: 2,
		Jitter:     0.2,
	}

	var workers []*ingest.Worker
	for _, address := range cfg.MerchantAddresses {
		var n ingest.Notifier
		if notifier != nil {
			n = notifier
		}
		// Each worker owns its dedup cache; the store's unique key covers races between them.
		dedup, err := ingest.NewTransactionCache(cfg.DedupCapacity)
		if err != nil {
			return fmt.Errorf("failed to create dedup cache for %s: %w", address, err)
		}
		w, err := ingest.NewWorker(ingest.WorkerConfig{
			MerchantAddress: address,
			FiatCurrency:    cfg.FiatCurrency,
			PollInterval:    cfg.PollInterval,
			Retry:           retry,
		}, ledgerClient, resolver, store, dedup, validator, n, metricsCollector, logger)
		if err != nil {
			return fmt.Errorf("failed to create worker for %s: %w", address, err)
		}
		workers = append(workers, w)
	}
	supervisor := ingest.NewSupervisor(workers, notifier, logger)

	replayWorker := startReplayWorker(cfg, store, resolver, publisher, metricsCollector, logger)
	if replayWorker != nil {
		defer replayWorker.Close()
	}

	if replayWorker != nil && cfg.ReplayInterval > 0 {
		if err := ensureReplaySchedule(ctx, cfg, logger); err != nil {
			// Replay can still be triggered by hand; keep ingesting.
			logger.Error("failed to upsert replay schedule", "error", err)
		}
	}

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervisor.Run(gctx)
	})
	if replayWorker != nil {
		g.Go(func() error {
			if err := replayWorker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("replay worker stopped, ingestion continues", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("starting metrics HTTP server", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	logger.Info("ingestion worker initialized",
		"workers", len(workers),
		"notifications", publisher != nil,
		"replay", replayWorker != nil,
		"temporal_host", cfg.TemporalHost,
		"task_queue", cfg.TemporalTaskQueue,
	)

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// openStore picks Postgres when DATABASE_URL is set and SQLite otherwise.
func openStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (settlementStore, func(), error) {
	if cfg.DatabaseURL != "" {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
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

// buildResolver wires the configured rate providers behind an in-process
// cache, optionally backed by Redis so several workers share quotes.
func buildResolver(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*rates.Resolver, func(), error) {
	httpClient := &http.Client{Timeout: cfg.RateTimeout}

	var providers []rates.Provider
	for _, name := range cfg.RateProviders {
		var (
			p   *rates.HTTPProvider
			err error
		)
		switch name {
		case "coinmarketcap":
			p, err = rates.NewCoinMarketCapProvider(cfg.CoinMarketCapAPIKey, httpClient)
		case "coingecko":
			p, err = rates.NewCoinGeckoProvider(cfg.CoinGeckoAPIKey, httpClient)
		default:
			err = fmt.Errorf("unknown rate provider %q", name)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create rate provider: %w", err)
		}
		providers = append(providers, p)
	}

	var cache rates.Cache = rates.NewMemoryCache()
	closeCache := func() {}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ttl := cfg.RateMaxAge * time.Duration(cfg.RateGraceFactor)
		cache = rates.NewTieredCache(cache, rates.NewRedisCache(rdb, ttl))
		closeCache = func() { _ = rdb.Close() }
		logger.Info("sharing rate quotes through redis", "addr", cfg.RedisAddr)
	}

	resolver := rates.NewResolver(providers, cache, rates.Options{
		MaxAge:          cfg.RateMaxAge,
		GraceFactor:     cfg.RateGraceFactor,
		Timeout:         cfg.RateTimeout,
		BreakerFailures: uint32(cfg.BreakerFailures),
		BreakerCooldown: cfg.BreakerCooldown,
	}, m, logger)

	logger.Info("rate resolver ready",
		"pair", payment.NewPair("XRP", cfg.FiatCurrency).String(),
		"providers", len(providers),
	)
	return resolver, closeCache, nil
}

// openSink returns nil when notifications are disabled or the sink cannot be
// reached. Ingestion never waits on notifications, so it runs without them.
func openSink(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) sink {
	switch cfg.NotifySink {
	case "nats":
		p, err := natspkg.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			logger.Error("NATS unavailable, settlement notifications disabled", "url", cfg.NATSURL, "error", err)
			return nil
		}
		logger.Info("connected to NATS", "url", cfg.NATSURL)
		return p
	case "kafka":
		p, err := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, m, logger)
		if err != nil {
			logger.Error("kafka unavailable, settlement notifications disabled", "brokers", cfg.KafkaBrokers, "error", err)
			return nil
		}
		logger.Info("publishing to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
		return p
	default:
		logger.Info("settlement notifications disabled")
		return nil
	}
}

// startReplayWorker returns nil when Temporal cannot be reached. Failed
// settlements stay in the store and can be replayed after a restart.
func startReplayWorker(cfg *config.Config, store temporal.StoreInterface, resolver temporal.RateResolverInterface, publisher sink, m *metrics.Metrics, logger *slog.Logger) *temporal.Worker {
	// Same sink as ingestion, so a recovered settlement is announced exactly
	// like a fresh one.
	var replayPublisher temporal.PublisherInterface
	if publisher != nil {
		replayPublisher = publisher
	}
	w, err := temporal.NewWorker(temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		Store:             store,
		Resolver:          resolver,
		Publisher:         replayPublisher,
		Metrics:           m,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("temporal unavailable, replay worker disabled", "host", cfg.TemporalHost, "error", err)
		return nil
	}
	return w
}

func ensureReplaySchedule(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tc, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
	if err != nil {
		return err
	}
	defer tc.Close()

	if err := tc.UpsertReplaySchedule(ctx, cfg.ReplayInterval, cfg.ReplayBatchSize); err != nil {
		return err
	}
	logger.Info("replay schedule ready",
		"schedule_id", temporal.ReplayScheduleID,
		"interval", cfg.ReplayInterval,
		"batch_size", cfg.ReplayBatchSize,
	)
	return nil
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
