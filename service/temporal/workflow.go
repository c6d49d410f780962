package temporal

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/brojonat/bankroll/client"
	"github.com/brojonat/bankroll/service/transfer"
)

var a *Activities // for type-safe activity invocation

// TransferConfirmationInput describes one transfer to watch until it settles.
type TransferConfirmationInput struct {
	TransferID string          `json:"transfer_id"`
	UserID     string          `json:"user_id,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`

	MaxAttempts int           `json:"max_attempts"`
	Delay       time.Duration `json:"delay"`

	// Publish sends the outcome to NATS when the workflow ends.
	Publish bool `json:"publish"`
}

// TransferConfirmationResult is the terminal outcome of the workflow.
type TransferConfirmationResult struct {
	TransferID string           `json:"transfer_id"`
	Outcome    string           `json:"outcome"`
	Transfer   *client.Transfer `json:"transfer,omitempty"`
	Attempts   int              `json:"attempts"`
	Message    string           `json:"message,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// ToOutcome converts the result back to a poll outcome.
func (r *TransferConfirmationResult) ToOutcome() transfer.Outcome {
	o := transfer.Outcome{
		Kind:       transfer.OutcomeKind(r.Outcome),
		TransferID: r.TransferID,
		Transfer:   r.Transfer,
		Attempts:   r.Attempts,
		Message:    r.Message,
	}
	if r.Error != "" {
		o.Err = errors.New(r.Error)
	}
	return o
}

func resultFromOutcome(o transfer.Outcome) *TransferConfirmationResult {
	r := &TransferConfirmationResult{
		TransferID: o.TransferID,
		Outcome:    string(o.Kind),
		Transfer:   o.Transfer,
		Attempts:   o.Attempts,
		Message:    o.Message,
	}
	if o.Err != nil {
		r.Error = o.Err.Error()
	}
	return r
}

// TransferConfirmationWorkflow polls a transfer's status until it completes,
// fails, or the attempt budget runs out, sleeping between attempts.
//
// Each status read is a single activity attempt. A failed read ends the
// workflow with a status_unavailable outcome instead of retrying, matching
// the in-process poller.
func TransferConfirmationWorkflow(ctx workflow.Context, input TransferConfirmationInput) (*TransferConfirmationResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("TransferConfirmationWorkflow started", "transfer_id", input.TransferID)

	maxAttempts := input.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = transfer.DefaultMaxAttempts
	}
	delay := input.Delay
	if delay <= 0 {
		delay = transfer.DefaultDelay
	}

	statusCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	var (
		last    *client.Transfer
		outcome transfer.Outcome
	)
	for attempt := 1; ; attempt++ {
		var t *client.Transfer
		err := workflow.ExecuteActivity(statusCtx, a.GetTransferStatus, GetTransferStatusInput{
			TransferID: input.TransferID,
			Attempt:    attempt,
		}).Get(ctx, &t)
		if err != nil {
			if temporalsdk.IsCanceledError(err) {
				return resultFromOutcome(canceledOutcome(input.TransferID, last, attempt-1)), err
			}
			logger.Error("unable to check transfer status",
				"transfer_id", input.TransferID,
				"attempt", attempt,
				"error", err,
			)
			outcome = transfer.Outcome{
				Kind:       transfer.OutcomeStatusUnavailable,
				TransferID: input.TransferID,
				Transfer:   last,
				Attempts:   attempt,
				Message:    transfer.MessageStatusUnavailable,
				Err:        err,
			}
			break
		}
		last = t

		var done bool
		if outcome, done = transfer.Evaluate(input.TransferID, t, attempt, maxAttempts); done {
			break
		}

		if err := workflow.Sleep(ctx, delay); err != nil {
			logger.Info("transfer confirmation canceled", "transfer_id", input.TransferID)
			return resultFromOutcome(canceledOutcome(input.TransferID, last, attempt)), err
		}
	}

	result := resultFromOutcome(outcome)
	logger.Info("transfer confirmation finished",
		"transfer_id", input.TransferID,
		"outcome", result.Outcome,
		"attempts", result.Attempts,
	)

	publishCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})
	err := workflow.ExecuteActivity(publishCtx, a.PublishTransferOutcome, PublishTransferOutcomeInput{
		Result:    *result,
		UserID:    input.UserID,
		SessionID: input.SessionID,
		Amount:    input.Amount,
		Currency:  input.Currency,
		Publish:   input.Publish,
		StartedAt: workflow.GetInfo(ctx).WorkflowStartTime,
		EndedAt:   workflow.Now(ctx),
	}).Get(ctx, nil)
	if err != nil {
		// The outcome stands even if nobody hears about it.
		logger.Warn("failed to publish transfer outcome", "transfer_id", input.TransferID, "error", err)
	}

	return result, nil
}

func canceledOutcome(transferID string, last *client.Transfer, attempts int) transfer.Outcome {
	return transfer.Outcome{
		Kind:       transfer.OutcomeCanceled,
		TransferID: transferID,
		Transfer:   last,
		Attempts:   attempts,
	}
}
