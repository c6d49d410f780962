package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/bankroll/client"
	"github.com/brojonat/bankroll/service/metrics"
)

const (
	DefaultMaxAttempts = 30
	DefaultDelay       = 3 * time.Second
)

// User-facing outcome messages. Processor detail stays in the logs.
const (
	MessageFailed            = "Your transfer could not be completed. No funds were moved."
	MessageTimedOut          = "This transfer is taking longer than expected. Check your transaction history for the final status."
	MessageStatusUnavailable = "Unable to check transfer status. Check your transaction history before trying again."
)

// OutcomeKind is how a poll ended.
type OutcomeKind string

const (
	OutcomeCompleted         OutcomeKind = "completed"
	OutcomeFailed            OutcomeKind = "failed"
	OutcomeTimedOut          OutcomeKind = "timed_out"
	OutcomeStatusUnavailable OutcomeKind = "status_unavailable"
	OutcomeCanceled          OutcomeKind = "canceled"
)

// Outcome is the terminal result of polling one transfer.
type Outcome struct {
	Kind       OutcomeKind
	TransferID string
	// Transfer is the last status response, nil if none was received.
	Transfer *client.Transfer
	Attempts int
	Message  string
	Err      error
}

// StatusFetcher reads a transfer's current state. *client.ProcessorClient satisfies it.
type StatusFetcher interface {
	GetTransfer(ctx context.Context, id string) (*client.Transfer, error)
}

// Config bounds the polling schedule.
type Config struct {
	MaxAttempts int
	Delay       time.Duration
}

// Evaluate classifies the response to attempt number attempts (1-based).
// It reports false when another attempt should be scheduled.
func Evaluate(transferID string, t *client.Transfer, attempts, maxAttempts int) (Outcome, bool) {
	outcome := Outcome{TransferID: transferID, Transfer: t, Attempts: attempts}
	switch t.Status {
	case client.TransferStatusCompleted:
		outcome.Kind = OutcomeCompleted
		return outcome, true
	case client.TransferStatusFailed:
		outcome.Kind = OutcomeFailed
		outcome.Message = MessageFailed
		return outcome, true
	}
	if attempts >= maxAttempts {
		outcome.Kind = OutcomeTimedOut
		outcome.Message = MessageTimedOut
		return outcome, true
	}
	return outcome, false
}

// Poller queries a transfer's status until it settles or the attempt budget
// runs out. Each attempt is exactly one GetTransfer call.
type Poller struct {
	fetcher     StatusFetcher
	maxAttempts int
	delay       time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewPoller creates a Poller. Zero config values fall back to 30 attempts every 3s.
func NewPoller(fetcher StatusFetcher, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Poller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Poller{
		fetcher:     fetcher,
		maxAttempts: cfg.MaxAttempts,
		delay:       cfg.Delay,
		metrics:     m,
		logger:      logger.With("component", "transfer_poller"),
	}
}

// Poll blocks until the transfer reaches a terminal outcome.
func (p *Poller) Poll(ctx context.Context, transferID string) Outcome {
	return p.PollFrom(ctx, transferID, 0)
}

// PollFrom resumes polling when attempt requests have already been made.
func (p *Poller) PollFrom(ctx context.Context, transferID string, attempt int) Outcome {
	start := time.Now()
	outcome := p.poll(ctx, transferID, attempt)
	p.metrics.RecordPollOutcome(string(outcome.Kind), time.Since(start).Seconds())

	logger := p.logger.With(
		"transfer_id", transferID,
		"outcome", outcome.Kind,
		"attempts", outcome.Attempts,
	)
	switch outcome.Kind {
	case OutcomeCompleted:
		logger.Info("transfer completed")
	case OutcomeFailed:
		reason := ""
		if outcome.Transfer != nil {
			reason = outcome.Transfer.FailureReason
		}
		logger.Warn("transfer failed", "failure_reason", reason)
	case OutcomeStatusUnavailable:
		logger.Error("unable to check transfer status", "error", outcome.Err)
	default:
		logger.Info("transfer poll ended")
	}
	return outcome
}

func (p *Poller) poll(ctx context.Context, transferID string, attempt int) Outcome {
	var last *client.Transfer
	for {
		if ctx.Err() != nil {
			return canceled(transferID, last, attempt, ctx.Err())
		}

		t, err := p.fetcher.GetTransfer(ctx, transferID)
		attempt++
		if err == nil && t == nil {
			err = errors.New("empty transfer status response")
		}
		if err != nil {
			if ctx.Err() != nil {
				return canceled(transferID, last, attempt, ctx.Err())
			}
			p.metrics.RecordPollAttempt("error")
			return Outcome{
				Kind:       OutcomeStatusUnavailable,
				TransferID: transferID,
				Transfer:   last,
				Attempts:   attempt,
				Message:    MessageStatusUnavailable,
				Err:        err,
			}
		}
		last = t
		p.metrics.RecordPollAttempt(string(t.Status))

		outcome, done := Evaluate(transferID, t, attempt, p.maxAttempts)
		if done {
			return outcome
		}

		p.logger.Debug("transfer not settled, scheduling next attempt",
			"transfer_id", transferID,
			"status", t.Status,
			"attempt", attempt,
			"delay", p.delay,
		)

		timer := time.NewTimer(p.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return canceled(transferID, last, attempt, ctx.Err())
		case <-timer.C:
		}
	}
}

// Start polls in a new goroutine and hands the outcome to fn.
// The returned cancel func stops scheduled attempts; fn then receives OutcomeCanceled.
func (p *Poller) Start(ctx context.Context, transferID string, fn func(Outcome)) (cancel func()) {
	ctx, cancel = context.WithCancel(ctx)
	go func() {
		fn(p.Poll(ctx, transferID))
	}()
	return cancel
}

func canceled(transferID string, last *client.Transfer, attempts int, err error) Outcome {
	return Outcome{
		Kind:       OutcomeCanceled,
		TransferID: transferID,
		Transfer:   last,
		Attempts:   attempts,
		Err:        err,
	}
}
