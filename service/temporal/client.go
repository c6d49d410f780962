package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Confirmer that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

var _ Confirmer = (*Client)(nil)

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// StartTransferConfirmation starts TransferConfirmationWorkflow for the
// transfer. A workflow that is already running for it is reused.
func (c *Client) StartTransferConfirmation(ctx context.Context, input TransferConfirmationInput) error {
	id := WorkflowID(input.TransferID)

	c.logger.Debug("starting transfer confirmation workflow",
		"transfer_id", input.TransferID,
		"workflow_id", id,
		"max_attempts", input.MaxAttempts,
		"delay", input.Delay,
	)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       id,
		TaskQueue:                c.taskQueue,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
		Memo: map[string]interface{}{
			"transfer_id": input.TransferID,
			"user_id":     input.UserID,
			"created_by":  "bankroll",
		},
	}, TransferConfirmationWorkflow, input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			c.logger.Info("transfer confirmation already finished or running",
				"transfer_id", input.TransferID,
				"workflow_id", id,
			)
			return nil
		}
		c.logger.Error("failed to start transfer confirmation",
			"transfer_id", input.TransferID,
			"workflow_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	c.logger.Info("transfer confirmation workflow started",
		"transfer_id", input.TransferID,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)
	return nil
}

// AwaitTransferConfirmation blocks until the transfer's latest workflow run
// ends and returns its result.
func (c *Client) AwaitTransferConfirmation(ctx context.Context, transferID string) (*TransferConfirmationResult, error) {
	id := WorkflowID(transferID)

	var result TransferConfirmationResult
	if err := c.client.GetWorkflow(ctx, id, "").Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("failed to await workflow %q: %w", id, err)
	}
	return &result, nil
}

// CancelTransferConfirmation requests cancellation of the transfer's workflow.
func (c *Client) CancelTransferConfirmation(ctx context.Context, transferID string) error {
	id := WorkflowID(transferID)
	if err := c.client.CancelWorkflow(ctx, id, ""); err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to cancel workflow %q: %w", id, err)
	}
	c.logger.Info("transfer confirmation canceled", "transfer_id", transferID, "workflow_id", id)
	return nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
