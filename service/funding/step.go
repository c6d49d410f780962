package funding

import "github.com/shopspring/decimal"

// Step is one state of the funding wizard. The set of steps is closed:
// AmountEntryStep, ConfirmStep, ProcessingStep, SuccessStep, ErrorStep
// and TimedOutStep.
type Step interface {
	// Name is the wire name of the step.
	Name() string
	// Terminal reports whether the flow waits for user action only.
	Terminal() bool
	isStep()
}

// AmountEntryStep collects the deposit amount.
type AmountEntryStep struct {
	// Input is the raw text last submitted, preserved across Back and Retry.
	Input string
	// Balance is the available balance of the source account, nil when unknown.
	Balance *decimal.Decimal
	// Message is the validation message for the last submission.
	Message string
}

// ConfirmStep shows the transfer details before money moves.
type ConfirmStep struct {
	Amount        decimal.Decimal
	DisplayAmount string
	Account       Account
	Balance       *decimal.Decimal
}

// ProcessingStep is active from confirmation until the poller settles.
// TransferID is empty while the transfer is being created.
type ProcessingStep struct {
	Amount     decimal.Decimal
	TransferID string
}

// SuccessStep means the processor completed the transfer.
type SuccessStep struct {
	TransferID    string
	Amount        decimal.Decimal
	DisplayAmount string
}

// ErrorKind distinguishes why a funding attempt ended in ErrorStep.
type ErrorKind string

const (
	// ErrorRequest means the transfer could not be created.
	ErrorRequest ErrorKind = "request"
	// ErrorProcessorFailed means the processor reported the transfer failed.
	ErrorProcessorFailed ErrorKind = "processor_failed"
	// ErrorStatusUnavailable means the transfer's status could not be read.
	ErrorStatusUnavailable ErrorKind = "status_unavailable"
	// ErrorUnavailable means the payment integration is off or short-circuited.
	ErrorUnavailable ErrorKind = "unavailable"
)

// ErrorStep is a hard error. All kinds except ErrorUnavailable can be retried.
type ErrorStep struct {
	Kind       ErrorKind
	Message    string
	Amount     decimal.Decimal
	TransferID string
}

// TimedOutStep is a soft error: the transfer may still settle.
type TimedOutStep struct {
	TransferID string
	Amount     decimal.Decimal
	Message    string
}

func (AmountEntryStep) Name() string { return "amount_entry" }
func (ConfirmStep) Name() string     { return "confirm" }
func (ProcessingStep) Name() string  { return "processing" }
func (SuccessStep) Name() string     { return "success" }
func (ErrorStep) Name() string       { return "error" }
func (TimedOutStep) Name() string    { return "timed_out" }

func (AmountEntryStep) Terminal() bool { return false }
func (ConfirmStep) Terminal() bool     { return false }
func (ProcessingStep) Terminal() bool  { return false }
func (SuccessStep) Terminal() bool     { return true }
func (ErrorStep) Terminal() bool       { return true }
func (TimedOutStep) Terminal() bool    { return true }

func (AmountEntryStep) isStep() {}
func (ConfirmStep) isStep()     {}
func (ProcessingStep) isStep()  {}
func (SuccessStep) isStep()     {}
func (ErrorStep) isStep()       {}
func (TimedOutStep) isStep()    {}
