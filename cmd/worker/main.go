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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/brojonat/bankroll/client"
	"github.com/brojonat/bankroll/service/config"
	"github.com/brojonat/bankroll/service/metrics"
	natspkg "github.com/brojonat/bankroll/service/nats"
	"github.com/brojonat/bankroll/service/temporal"
)

func main() {
	cfg := config.MustLoad()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// run serves metrics and the confirmation worker until ctx ends or either of
// them fails.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m := metrics.NewMetrics(nil)

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
		logger.Warn("payment processor not configured, confirmations will end status_unavailable")
	}

	var publisher natspkg.Publisher
	if cfg.NATSURL != "" {
		p, err := natspkg.NewPublisher(ctx, natspkg.PublisherConfig{
			URL:       cfg.NATSURL,
			Retention: cfg.NATSRetention,
			Metrics:   m,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("nats publisher: %w", err)
		}
		defer p.Close()
		publisher = p
	}

	w, err := temporal.NewWorker(temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		Fetcher:           processor,
		Publisher:         publisher,
		Metrics:           m,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              envOr("METRICS_ADDR", ":9091"),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("worker ready",
		"temporal_host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
		"metrics_addr", metricsServer.Addr,
		"nats_enabled", publisher != nil,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(ctx)
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
