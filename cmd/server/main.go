package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/brojonat/bankroll/client"
	"github.com/brojonat/bankroll/service/bankconn"
	"github.com/brojonat/bankroll/service/config"
	"github.com/brojonat/bankroll/service/db"
	"github.com/brojonat/bankroll/service/directory"
	"github.com/brojonat/bankroll/service/funding"
	"github.com/brojonat/bankroll/service/metrics"
	natspkg "github.com/brojonat/bankroll/service/nats"
	"github.com/brojonat/bankroll/service/server"
	"github.com/brojonat/bankroll/service/temporal"
	"github.com/brojonat/bankroll/service/transfer"
	"github.com/brojonat/bankroll/service/uistate"
)

// pingFunc adapts a function to server.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func main() {
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

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry
	checks := make(map[string]server.Pinger)

	// Payment processor client. Unconfigured means unavailable, not fatal.
	processor := client.NewProcessorClient(client.ProcessorOptions{
		BaseURL:         cfg.Processor.BaseURL,
		APIKey:          cfg.Processor.APIKey,
		Disabled:        !cfg.Processor.Enabled,
		HTTPClient:      &http.Client{Timeout: cfg.Processor.Timeout},
		Logger:          logger,
		BreakerFailures: cfg.Processor.BreakerFailures,
		BreakerCooldown: cfg.Processor.BreakerCooldown,
	})
	if !cfg.Processor.Configured() {
		logger.Warn("payment processor not configured, deposits and bank connections are unavailable")
	}

	pollConfig := transfer.Config{
		MaxAttempts: cfg.Funding.PollMaxAttempts,
		Delay:       cfg.Funding.PollDelay,
	}

	// Transfer status polling: in-process by default, durable with Temporal
	var poller funding.StatusPoller = transfer.NewPoller(processor, pollConfig, metricsCollector, logger)
	if cfg.TemporalEnabled {
		temporalClient, err := temporal.NewClient(
			cfg.TemporalHost,
			cfg.TemporalNamespace,
			cfg.TemporalTaskQueue,
			logger,
		)
		if err != nil {
			logger.Error("failed to create temporal client", "error", err)
			os.Exit(1)
		}
		defer temporalClient.Close()
		poller = temporal.NewWorkflowPoller(temporalClient, pollConfig, false, logger)
		logger.Info("transfer confirmation runs on temporal",
			"host", cfg.TemporalHost,
			"namespace", cfg.TemporalNamespace,
			"task_queue", cfg.TemporalTaskQueue,
		)
	}

	// NATS publisher and transfer stream (optional)
	var publisher natspkg.Publisher
	var transferStream *server.TransferStream
	if cfg.NATSURL != "" {
		natsPublisher, err := natspkg.NewPublisher(ctx, natspkg.PublisherConfig{
			URL:       cfg.NATSURL,
			Retention: cfg.NATSRetention,
			Metrics:   metricsCollector,
			Logger:    logger,
		})
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer natsPublisher.Close()
		publisher = natsPublisher

		transferStream, err = server.NewTransferStream(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to create transfer stream", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	}

	// Key/value store for persisted UI state: postgres when configured
	var kv db.KV = db.NewMemoryKV()
	if cfg.DatabaseURL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		store := db.NewStore(dbPool, metricsCollector)
		if err := store.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		if err := store.Migrate(ctx); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		kv = store
		checks["postgres"] = store
		logger.Info("connected to database")
	} else {
		logger.Warn("DATABASE_URL not set, UI state is kept in memory")
	}

	// Redis (optional, directory storage)
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		checks["redis"] = pingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
		logger.Info("connected to redis", "addr", opts.Addr)
	}

	// Player directory cache
	var storage directory.Storage
	switch cfg.Directory.Storage {
	case "redis":
		storage = directory.NewRedisStorage(redisClient, cfg.Directory.RedisKey, cfg.Directory.TTL, cfg.Directory.MaxBytes)
	case "postgres":
		storage = directory.NewKVStorage(kv, "directory:"+cfg.FantasySport, cfg.Directory.MaxBytes)
	default:
		storage = directory.NewFileStorage(cfg.Directory.Path, cfg.Directory.MaxBytes)
	}
	fantasy := client.NewFantasyClient(cfg.FantasyBaseURL, nil, logger)
	players := directory.NewCache(directory.Options{
		Sport:   cfg.FantasySport,
		TTL:     cfg.Directory.TTL,
		Fetcher: fantasy,
		Storage: storage,
		Metrics: metricsCollector,
		Logger:  logger,
	})
	logger.Info("player directory configured",
		"sport", cfg.FantasySport,
		"storage", cfg.Directory.Storage,
		"ttl", cfg.Directory.TTL,
	)

	sessions := server.NewSessions(server.SessionOptions{
		Processor: processor,
		Poller:    poller,
		Publisher: publisher,
		Hub:       bankconn.NewHub(),
		Badges:    uistate.NewBadges(),
		Limits: funding.Limits{
			Min:      cfg.Funding.MinAmount,
			Max:      cfg.Funding.MaxAmount,
			Currency: cfg.Funding.Currency,
		},
		DestinationAccountID: cfg.Funding.DestinationAccountID,
		WidgetOrigin:         cfg.Link.WidgetOrigin,
		SearchDebounce:       cfg.Link.SearchDebounce,
		SearchLimit:          cfg.Link.SearchLimit,
		LinkTimeout:          cfg.Link.Timeout,
		Metrics:              metricsCollector,
		Logger:               logger,
	})

	// Initialize HTTP server
	httpServer := server.New(cfg.ServerAddr, server.Dependencies{
		Sessions:  sessions,
		Directory: players,
		Nudges:    uistate.NewNudges(kv, logger),
		Transfers: transferStream,
		Checks:    checks,
	}, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"processor_configured", cfg.Processor.Configured(),
		"temporal_enabled", cfg.TemporalEnabled,
		"nats_enabled", publisher != nil,
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
