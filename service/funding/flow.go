package funding

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brojonat/bankroll/client"
	"github.com/brojonat/bankroll/service/metrics"
	"github.com/brojonat/bankroll/service/nats"
	"github.com/brojonat/bankroll/service/transfer"
)

const (
	MessageRequestFailed = "We couldn't start your deposit. Please try again."
	MessageUnavailable   = "Deposits are temporarily unavailable. Please try again later."
)

var (
	// ErrAlreadyProcessing is returned by Confirm while a transfer is in flight.
	ErrAlreadyProcessing = errors.New("deposit already processing")
	// ErrInvalidTransition is returned when an action is not valid for the current step.
	ErrInvalidTransition = errors.New("action not valid for current step")
	// ErrClosed is returned by every action after Close.
	ErrClosed = errors.New("funding flow closed")
	// ErrUnavailable is returned by Retry when the payment integration is unavailable.
	ErrUnavailable = client.ErrUnavailable
)

// Processor is the subset of the payment processor the flow needs.
type Processor interface {
	GetBalance(ctx context.Context, accountID string) (*client.Balance, error)
	CreateTransfer(ctx context.Context, req client.CreateTransferRequest) (*client.Transfer, error)
}

// StatusPoller reports a transfer's terminal outcome asynchronously.
// *transfer.Poller and the Temporal-backed poller both satisfy it.
type StatusPoller interface {
	Start(ctx context.Context, transferID string, fn func(transfer.Outcome)) (cancel func())
}

// Account is the linked source account the deposit is pulled from.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Mask string `json:"mask"`
}

// Options configures a Flow.
type Options struct {
	UserID               string
	Account              Account
	DestinationAccountID string
	Limits               Limits

	Processor Processor
	Poller    StatusPoller
	// Publisher receives terminal outcomes. Optional.
	Publisher nats.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// NewIdempotencyKey defaults to uuid.NewString.
	NewIdempotencyKey func() string
}

// Flow is one run of the deposit wizard for a single linked account.
// All methods are safe for concurrent use.
type Flow struct {
	id          string
	userID      string
	account     Account
	destination string
	limits      Limits
	processor   Processor
	poller      StatusPoller
	publisher   nats.Publisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	newKey      func() string

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	step       Step
	balance    *decimal.Decimal
	input      string
	amount     decimal.Decimal
	attempt    int
	cancelPoll func()
	closed     bool
	changed    chan struct{}
	subs       map[int]func(Step)
	nextSub    int
}

// New creates a flow in AmountEntry with an unknown balance. Call Begin to
// read the balance.
func New(opts Options) *Flow {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if opts.NewIdempotencyKey == nil {
		opts.NewIdempotencyKey = uuid.NewString
	}
	if opts.Limits.Min.IsZero() && opts.Limits.Max.IsZero() {
		opts.Limits = DefaultLimits()
	}
	if opts.Limits.Currency == "" {
		opts.Limits.Currency = "USD"
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	f := &Flow{
		id:          id,
		userID:      opts.UserID,
		account:     opts.Account,
		destination: opts.DestinationAccountID,
		limits:      opts.Limits,
		processor:   opts.Processor,
		poller:      opts.Poller,
		publisher:   opts.Publisher,
		metrics:     opts.Metrics,
		logger: opts.Logger.With(
			"component", "funding_flow",
			"flow_id", id,
			"account_id", opts.Account.ID,
		),
		newKey:  opts.NewIdempotencyKey,
		ctx:     ctx,
		cancel:  cancel,
		step:    AmountEntryStep{},
		changed: make(chan struct{}),
		subs:    make(map[int]func(Step)),
	}
	f.metrics.RecordFlowChange("funding", 1)
	f.metrics.RecordFundingStep(f.step.Name())
	return f
}

// ID returns the flow's identifier.
func (f *Flow) ID() string { return f.id }

// UserID returns the owner of the flow.
func (f *Flow) UserID() string { return f.userID }

// Account returns the source account.
func (f *Flow) Account() Account { return f.account }

// Step returns the current step.
func (f *Flow) Step() Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step
}

// Begin reads the source account's available balance. A failed read leaves
// the balance unknown; an unavailable processor moves the flow to ErrorStep.
func (f *Flow) Begin(ctx context.Context) (Step, error) {
	f.mu.Lock()
	if f.closed {
		defer f.mu.Unlock()
		return f.step, ErrClosed
	}
	if _, ok := f.step.(AmountEntryStep); !ok {
		defer f.mu.Unlock()
		return f.step, ErrInvalidTransition
	}
	f.mu.Unlock()

	return f.refreshBalance(ctx)
}

// SubmitAmount validates the raw amount input. No network call is made.
func (f *Flow) SubmitAmount(input string) (Step, error) {
	f.mu.Lock()
	if f.closed {
		defer f.mu.Unlock()
		return f.step, ErrClosed
	}
	if _, ok := f.step.(AmountEntryStep); !ok {
		defer f.mu.Unlock()
		return f.step, ErrInvalidTransition
	}

	f.input = input
	amount, msg := ValidateAmount(input, f.limits, f.balance)
	var next Step
	if msg != "" {
		next = AmountEntryStep{Input: input, Balance: f.balance, Message: msg}
	} else {
		f.amount = amount
		next = ConfirmStep{
			Amount:        amount,
			DisplayAmount: FormatUSD(amount),
			Account:       f.account,
			Balance:       f.balance,
		}
	}
	subs := f.setLocked(next)
	f.mu.Unlock()

	f.notify(subs, next)
	return next, nil
}

// Back returns from Confirm to AmountEntry with the amount preserved.
func (f *Flow) Back() (Step, error) {
	f.mu.Lock()
	if f.closed {
		defer f.mu.Unlock()
		return f.step, ErrClosed
	}
	if _, ok := f.step.(ConfirmStep); !ok {
		defer f.mu.Unlock()
		return f.step, ErrInvalidTransition
	}
	next := AmountEntryStep{Input: f.input, Balance: f.balance}
	subs := f.setLocked(next)
	f.mu.Unlock()

	f.notify(subs, next)
	return next, nil
}

// Confirm creates the transfer and starts polling its status. The flow moves
// to Processing before any network call, so a concurrent second Confirm
// returns ErrAlreadyProcessing and never creates a second transfer.
func (f *Flow) Confirm(ctx context.Context) (Step, error) {
	f.mu.Lock()
	if f.closed {
		defer f.mu.Unlock()
		return f.step, ErrClosed
	}
	switch f.step.(type) {
	case ProcessingStep:
		defer f.mu.Unlock()
		return f.step, ErrAlreadyProcessing
	case ConfirmStep:
	default:
		defer f.mu.Unlock()
		return f.step, ErrInvalidTransition
	}
	f.attempt++
	attempt := f.attempt
	amount := f.amount
	processing := ProcessingStep{Amount: amount}
	subs := f.setLocked(processing)
	f.mu.Unlock()
	f.notify(subs, processing)

	logger := f.logger.With("attempt", attempt, "amount", amount.String())

	// The balance may have moved since AmountEntry.
	balance, err := f.processor.GetBalance(ctx, f.account.ID)
	switch {
	case errors.Is(err, client.ErrUnavailable):
		logger.Error("processor unavailable while confirming deposit", "error", err)
		return f.fail(attempt, ErrorStep{Kind: ErrorUnavailable, Message: MessageUnavailable, Amount: amount})
	case err != nil:
		logger.Warn("failed to re-read balance before transfer, continuing", "error", err)
	case amount.GreaterThan(balance.Available):
		logger.Info("balance dropped below deposit amount", "available", balance.Available.String())
		return f.backToAmountEntry(attempt, balance.Available)
	default:
		f.mu.Lock()
		available := balance.Available
		f.balance = &available
		f.mu.Unlock()
	}

	key := f.newKey()
	t, err := f.processor.CreateTransfer(ctx, client.CreateTransferRequest{
		SourceAccountID:      f.account.ID,
		DestinationAccountID: f.destination,
		Amount:               amount,
		Currency:             f.limits.Currency,
		IdempotencyKey:       key,
	})
	if err != nil {
		kind, msg := ErrorRequest, MessageRequestFailed
		if errors.Is(err, client.ErrUnavailable) {
			kind, msg = ErrorUnavailable, MessageUnavailable
		}
		logger.Error("failed to create transfer", "error", err, "idempotency_key", key)
		return f.fail(attempt, ErrorStep{Kind: kind, Message: msg, Amount: amount})
	}
	if t.ID == "" {
		logger.Error("processor returned transfer without id", "idempotency_key", key)
		return f.fail(attempt, ErrorStep{Kind: ErrorRequest, Message: MessageRequestFailed, Amount: amount})
	}

	f.mu.Lock()
	if f.closed || f.attempt != attempt {
		defer f.mu.Unlock()
		logger.Info("discarding transfer result for closed flow", "transfer_id", t.ID)
		return f.step, ErrClosed
	}
	processing = ProcessingStep{Amount: amount, TransferID: t.ID}
	subs = f.setLocked(processing)
	f.mu.Unlock()
	f.notify(subs, processing)

	f.metrics.RecordFundingAmount(amount.InexactFloat64())
	logger.Info("transfer created, polling status", "transfer_id", t.ID, "idempotency_key", key)

	cancelPoll := f.poller.Start(f.ctx, t.ID, func(o transfer.Outcome) {
		f.onOutcome(attempt, amount, o)
	})

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		cancelPoll()
		return processing, ErrClosed
	}
	f.cancelPoll = cancelPoll
	f.mu.Unlock()

	return processing, nil
}

// Retry returns from ErrorStep to AmountEntry, keeping the amount and
// re-reading the balance. It is refused while the processor is unavailable.
func (f *Flow) Retry(ctx context.Context) (Step, error) {
	f.mu.Lock()
	if f.closed {
		defer f.mu.Unlock()
		return f.step, ErrClosed
	}
	errStep, ok := f.step.(ErrorStep)
	if !ok {
		defer f.mu.Unlock()
		return f.step, ErrInvalidTransition
	}
	if errStep.Kind == ErrorUnavailable {
		defer f.mu.Unlock()
		return f.step, ErrUnavailable
	}
	next := AmountEntryStep{Input: f.input, Balance: f.balance}
	subs := f.setLocked(next)
	f.mu.Unlock()
	f.notify(subs, next)

	return f.refreshBalance(ctx)
}

// Close tears the flow down: scheduled polls stop, subscribers are dropped
// and results that arrive later are discarded. Close is idempotent.
func (f *Flow) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	cancelPoll := f.cancelPoll
	f.cancelPoll = nil
	f.subs = make(map[int]func(Step))
	close(f.changed)
	f.mu.Unlock()

	f.cancel()
	if cancelPoll != nil {
		cancelPoll()
	}
	f.metrics.RecordFlowChange("funding", -1)
	f.logger.Debug("funding flow closed")
}

// Wait blocks until the flow reaches a terminal step, the flow is closed or
// ctx is done.
func (f *Flow) Wait(ctx context.Context) (Step, error) {
	for {
		f.mu.Lock()
		step, closed, changed := f.step, f.closed, f.changed
		f.mu.Unlock()

		if step.Terminal() {
			return step, nil
		}
		if closed {
			return step, ErrClosed
		}

		select {
		case <-ctx.Done():
			return step, ctx.Err()
		case <-changed:
		}
	}
}

// Subscribe registers fn to be called with every new step. fn runs on the
// goroutine that caused the transition and must not block.
func (f *Flow) Subscribe(fn func(Step)) (unsubscribe func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return func() {}
	}
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *Flow) refreshBalance(ctx context.Context) (Step, error) {
	balance, err := f.processor.GetBalance(ctx, f.account.ID)

	f.mu.Lock()
	if f.closed {
		defer f.mu.Unlock()
		return f.step, ErrClosed
	}
	entry, ok := f.step.(AmountEntryStep)
	if !ok {
		// The user moved on before the balance arrived.
		defer f.mu.Unlock()
		return f.step, nil
	}

	var next Step
	switch {
	case errors.Is(err, client.ErrUnavailable):
		f.logger.Error("processor unavailable while reading balance", "error", err)
		next = ErrorStep{Kind: ErrorUnavailable, Message: MessageUnavailable, Amount: f.amount}
	case err != nil:
		f.logger.Warn("failed to read balance, continuing without it", "error", err)
		f.mu.Unlock()
		return entry, nil
	default:
		available := balance.Available
		f.balance = &available
		entry.Balance = f.balance
		next = entry
	}
	subs := f.setLocked(next)
	f.mu.Unlock()

	f.notify(subs, next)
	return next, nil
}

func (f *Flow) backToAmountEntry(attempt int, available decimal.Decimal) (Step, error) {
	f.mu.Lock()
	if f.closed || f.attempt != attempt {
		defer f.mu.Unlock()
		return f.step, ErrClosed
	}
	f.balance = &available
	next := AmountEntryStep{Input: f.input, Balance: f.balance, Message: insufficientMessage(available)}
	subs := f.setLocked(next)
	f.mu.Unlock()

	f.notify(subs, next)
	return next, nil
}

func (f *Flow) fail(attempt int, step ErrorStep) (Step, error) {
	f.mu.Lock()
	if f.closed || f.attempt != attempt {
		defer f.mu.Unlock()
		return f.step, ErrClosed
	}
	subs := f.setLocked(step)
	f.mu.Unlock()

	f.notify(subs, step)
	return step, nil
}

func (f *Flow) onOutcome(attempt int, amount decimal.Decimal, o transfer.Outcome) {
	f.mu.Lock()
	current, ok := f.step.(ProcessingStep)
	if f.closed || f.attempt != attempt || !ok || current.TransferID != o.TransferID {
		f.mu.Unlock()
		f.logger.Debug("discarding late transfer outcome",
			"transfer_id", o.TransferID,
			"outcome", o.Kind,
		)
		return
	}

	var next Step
	switch o.Kind {
	case transfer.OutcomeCompleted:
		settled := amount
		if o.Transfer != nil && !o.Transfer.Amount.IsZero() {
			settled = o.Transfer.Amount
		}
		next = SuccessStep{TransferID: o.TransferID, Amount: settled, DisplayAmount: FormatUSD(settled)}
	case transfer.OutcomeFailed:
		next = ErrorStep{Kind: ErrorProcessorFailed, Message: o.Message, Amount: amount, TransferID: o.TransferID}
	case transfer.OutcomeTimedOut:
		next = TimedOutStep{TransferID: o.TransferID, Amount: amount, Message: o.Message}
	case transfer.OutcomeStatusUnavailable:
		next = ErrorStep{Kind: ErrorStatusUnavailable, Message: o.Message, Amount: amount, TransferID: o.TransferID}
	default:
		f.mu.Unlock()
		return
	}
	f.cancelPoll = nil
	subs := f.setLocked(next)
	f.mu.Unlock()

	f.notify(subs, next)
	f.publish(o, amount)
}

func (f *Flow) publish(o transfer.Outcome, amount decimal.Decimal) {
	if f.publisher == nil {
		return
	}
	event := nats.FromOutcome(o, amount, f.limits.Currency)
	event.UserID = f.userID
	event.SessionID = f.id

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.publisher.PublishTransferEvent(ctx, event); err != nil {
		f.logger.Error("failed to publish transfer event",
			"transfer_id", o.TransferID,
			"error", err,
		)
	}
}

// setLocked moves to step and returns the subscribers to notify.
// f.mu must be held.
func (f *Flow) setLocked(step Step) []func(Step) {
	f.step = step
	close(f.changed)
	f.changed = make(chan struct{})
	f.metrics.RecordFundingStep(step.Name())

	subs := make([]func(Step), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	return subs
}

func (f *Flow) notify(subs []func(Step), step Step) {
	for _, fn := range subs {
		fn(step)
	}
}
