package temporal

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/bankroll/service/transfer"
)

// WorkflowPoller runs transfer polling as a Temporal workflow so it survives
// process restarts. It has the same Start contract as *transfer.Poller.
type WorkflowPoller struct {
	confirmer Confirmer
	cfg       transfer.Config
	publish   bool
	logger    *slog.Logger
}

// NewWorkflowPoller creates a WorkflowPoller. When publish is set the
// workflow itself publishes the outcome to NATS.
func NewWorkflowPoller(confirmer Confirmer, cfg transfer.Config, publish bool, logger *slog.Logger) *WorkflowPoller {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &WorkflowPoller{
		confirmer: confirmer,
		cfg:       cfg,
		publish:   publish,
		logger:    logger.With("component", "workflow_poller"),
	}
}

// Start launches the confirmation workflow and hands its outcome to fn from a
// new goroutine. cancel stops waiting and cancels the workflow; fn then
// receives OutcomeCanceled.
func (p *WorkflowPoller) Start(ctx context.Context, transferID string, fn func(transfer.Outcome)) (cancel func()) {
	return p.StartWith(ctx, TransferConfirmationInput{TransferID: transferID}, fn)
}

// StartWith is Start with the event details the workflow publishes.
func (p *WorkflowPoller) StartWith(ctx context.Context, input TransferConfirmationInput, fn func(transfer.Outcome)) (cancel func()) {
	if input.MaxAttempts == 0 {
		input.MaxAttempts = p.cfg.MaxAttempts
	}
	if input.Delay == 0 {
		input.Delay = p.cfg.Delay
	}
	if input.Currency == "" {
		input.Currency = "USD"
	}
	input.Publish = p.publish

	ctx, stop := context.WithCancel(ctx)
	finished := make(chan struct{})
	go func() {
		outcome := p.run(ctx, input)
		close(finished)
		fn(outcome)
	}()

	return func() {
		select {
		case <-finished:
			stop()
			return
		default:
		}
		if ctx.Err() != nil {
			return
		}
		stop()
		cancelCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := p.confirmer.CancelTransferConfirmation(cancelCtx, input.TransferID); err != nil {
			p.logger.Warn("failed to cancel transfer confirmation",
				"transfer_id", input.TransferID,
				"error", err,
			)
		}
	}
}

func (p *WorkflowPoller) run(ctx context.Context, input TransferConfirmationInput) transfer.Outcome {
	if err := p.confirmer.StartTransferConfirmation(ctx, input); err != nil {
		if ctx.Err() != nil {
			return transfer.Outcome{Kind: transfer.OutcomeCanceled, TransferID: input.TransferID, Err: ctx.Err()}
		}
		p.logger.Error("unable to start transfer confirmation", "transfer_id", input.TransferID, "error", err)
		return transfer.Outcome{
			Kind:       transfer.OutcomeStatusUnavailable,
			TransferID: input.TransferID,
			Message:    transfer.MessageStatusUnavailable,
			Err:        err,
		}
	}

	result, err := p.confirmer.AwaitTransferConfirmation(ctx, input.TransferID)
	if err != nil {
		if ctx.Err() != nil {
			return transfer.Outcome{Kind: transfer.OutcomeCanceled, TransferID: input.TransferID, Err: ctx.Err()}
		}
		p.logger.Error("unable to await transfer confirmation", "transfer_id", input.TransferID, "error", err)
		return transfer.Outcome{
			Kind:       transfer.OutcomeStatusUnavailable,
			TransferID: input.TransferID,
			Message:    transfer.MessageStatusUnavailable,
			Err:        err,
		}
	}

	p.logger.Info("transfer confirmation finished",
		"transfer_id", input.TransferID,
		"outcome", result.Outcome,
		"attempts", result.Attempts,
	)
	return result.ToOutcome()
}
