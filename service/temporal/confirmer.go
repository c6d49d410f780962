package temporal

import "context"

// Confirmer starts and observes transfer confirmation workflows.
// *Client is the production implementation.
type Confirmer interface {
	// StartTransferConfirmation starts the workflow for a transfer. Starting a
	// transfer that is already being watched attaches to the running workflow.
	StartTransferConfirmation(ctx context.Context, input TransferConfirmationInput) error

	// AwaitTransferConfirmation blocks until the workflow for the transfer ends.
	AwaitTransferConfirmation(ctx context.Context, transferID string) (*TransferConfirmationResult, error)

	// CancelTransferConfirmation asks the workflow to stop polling.
	CancelTransferConfirmation(ctx context.Context, transferID string) error
}

// WorkflowID returns the Temporal workflow ID for a transfer.
func WorkflowID(transferID string) string {
	return "transfer-confirmation-" + transferID
}
