package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brojonat/bankroll/client"
	"github.com/brojonat/bankroll/service/metrics"
	natspkg "github.com/brojonat/bankroll/service/nats"
	"github.com/brojonat/bankroll/service/transfer"
)

// GetTransferStatusInput contains parameters for the GetTransferStatus activity.
type GetTransferStatusInput struct {
	TransferID string `json:"transfer_id"`
	Attempt    int    `json:"attempt"`
}

// PublishTransferOutcomeInput contains parameters for the PublishTransferOutcome activity.
type PublishTransferOutcomeInput struct {
	Result    TransferConfirmationResult `json:"result"`
	UserID    string                     `json:"user_id,omitempty"`
	SessionID string                     `json:"session_id,omitempty"`
	Amount    decimal.Decimal            `json:"amount"`
	Currency  string                     `json:"currency"`
	Publish   bool                       `json:"publish"`
	StartedAt time.Time                  `json:"started_at"`
	EndedAt   time.Time                  `json:"ended_at"`
}

// Activities holds the dependencies needed by Temporal activities.
// Following go-kit pattern, all dependencies are explicit.
type Activities struct {
	fetcher   transfer.StatusFetcher
	publisher natspkg.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// publisher and metrics may be nil.
func NewActivities(
	fetcher transfer.StatusFetcher,
	publisher natspkg.Publisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		fetcher:   fetcher,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// GetTransferStatus reads the transfer's current status from the processor.
func (a *Activities) GetTransferStatus(ctx context.Context, input GetTransferStatusInput) (t *client.Transfer, err error) {
	start := time.Now()
	defer func() {
		a.metrics.RecordActivityDuration("GetTransferStatus", err, time.Since(start).Seconds())
	}()

	t, err = a.fetcher.GetTransfer(ctx, input.TransferID)
	if err == nil && t == nil {
		err = errors.New("empty transfer status response")
	}
	if err != nil {
		a.metrics.RecordPollAttempt("error")
		a.logger.ErrorContext(ctx, "failed to get transfer status",
			"transfer_id", input.TransferID,
			"attempt", input.Attempt,
			"error", err,
		)
		return nil, fmt.Errorf("failed to get transfer status: %w", err)
	}

	a.metrics.RecordPollAttempt(string(t.Status))
	a.logger.DebugContext(ctx, "got transfer status",
		"transfer_id", input.TransferID,
		"attempt", input.Attempt,
		"status", t.Status,
	)
	return t, nil
}

// PublishTransferOutcome records the workflow's outcome and, when requested,
// publishes it to NATS.
func (a *Activities) PublishTransferOutcome(ctx context.Context, input PublishTransferOutcomeInput) (err error) {
	start := time.Now()
	defer func() {
		a.metrics.RecordActivityDuration("PublishTransferOutcome", err, time.Since(start).Seconds())
	}()

	if !input.StartedAt.IsZero() && !input.EndedAt.IsZero() {
		a.metrics.RecordWorkflowDuration(input.Result.Outcome, input.EndedAt.Sub(input.StartedAt).Seconds())
	}

	if !input.Publish || a.publisher == nil {
		return nil
	}

	event := natspkg.FromOutcome(input.Result.ToOutcome(), input.Amount, input.Currency)
	event.UserID = input.UserID
	event.SessionID = input.SessionID
	event.OccurredAt = input.EndedAt.UTC()

	if err := a.publisher.PublishTransferEvent(ctx, event); err != nil {
		a.logger.ErrorContext(ctx, "failed to publish transfer outcome",
			"transfer_id", input.Result.TransferID,
			"outcome", input.Result.Outcome,
			"error", err,
		)
		return fmt.Errorf("failed to publish transfer outcome: %w", err)
	}

	a.logger.InfoContext(ctx, "published transfer outcome",
		"transfer_id", input.Result.TransferID,
		"outcome", input.Result.Outcome,
	)
	return nil
}
