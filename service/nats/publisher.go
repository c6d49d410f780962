package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/brojonat/bankroll/service/metrics"
)

// Publisher delivers transfer outcomes to subscribers.
type Publisher interface {
	PublishTransferEvent(ctx context.Context, event *TransferEvent) error
	Close() error
}

const (
	StreamName       = "TRANSFERS"
	StreamSubjects   = "transfers.*"
	DefaultRetention = 30 * 24 * time.Hour
)

// Subject is where one transfer's outcome lands.
func Subject(transferID string) string {
	return "transfers." + transferID
}

// StreamConfig describes the TRANSFERS stream. Outcomes are idempotent per
// transfer, so a short duplicate window is enough to absorb workflow retries.
func StreamConfig(retention time.Duration) jetstream.StreamConfig {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Deposit transfer outcomes",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      retention,
		Storage:     jetstream.FileStorage,
		Duplicates:  10 * time.Minute,
	}
}

type PublisherConfig struct {
	URL       string
	Retention time.Duration
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// JetStreamPublisher writes outcomes to the TRANSFERS stream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPublisher connects and makes sure the stream matches StreamConfig.
func NewPublisher(ctx context.Context, cfg PublisherConfig) (*JetStreamPublisher, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	logger = logger.With("component", "nats_publisher")

	nc, err := nats.Connect(cfg.URL,
		nats.Name("bankroll-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open JetStream: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	stream, err := js.CreateOrUpdateStream(ctx, StreamConfig(cfg.Retention))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}

	logger.Info("NATS publisher ready",
		"url", cfg.URL,
		"stream", StreamName,
		"messages", stream.CachedInfo().State.Msgs,
	)
	return &JetStreamPublisher{nc: nc, js: js, metrics: cfg.Metrics, logger: logger}, nil
}

// PublishTransferEvent sends event with a message ID of transfer and outcome,
// so a retried activity publishes at most once.
func (p *JetStreamPublisher) PublishTransferEvent(ctx context.Context, event *TransferEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal transfer event: %w", err)
	}

	start := time.Now()
	ack, err := p.js.Publish(ctx, Subject(event.TransferID), data,
		jetstream.WithMsgID(event.TransferID+":"+event.Outcome))
	if err != nil {
		p.metrics.RecordNATSPublish(StreamSubjects, "error", time.Since(start).Seconds())
		return fmt.Errorf("publish transfer %s: %w", event.TransferID, err)
	}
	p.metrics.RecordNATSPublish(StreamSubjects, "success", time.Since(start).Seconds())

	p.logger.Debug("published transfer event",
		"transfer_id", event.TransferID,
		"outcome", event.Outcome,
		"seq", ack.Sequence,
		"duplicate", ack.Duplicate,
	)
	return nil
}

func (p *JetStreamPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
