package funding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/bankroll/client"
	"github.com/brojonat/bankroll/service/nats"
	"github.com/brojonat/bankroll/service/transfer"
)

type mockProcessor struct {
	mock.Mock
}

func (m *mockProcessor) GetBalance(ctx context.Context, accountID string) (*client.Balance, error) {
	args := m.Called(ctx, accountID)
	b, _ := args.Get(0).(*client.Balance)
	return b, args.Error(1)
}

func (m *mockProcessor) CreateTransfer(ctx context.Context, req client.CreateTransferRequest) (*client.Transfer, error) {
	args := m.Called(ctx, req)
	t, _ := args.Get(0).(*client.Transfer)
	return t, args.Error(1)
}

func (m *mockProcessor) GetTransfer(ctx context.Context, id string) (*client.Transfer, error) {
	args := m.Called(ctx, id)
	t, _ := args.Get(0).(*client.Transfer)
	return t, args.Error(1)
}

// capturePoller hands the outcome callback to the test instead of polling.
type capturePoller struct {
	mu         sync.Mutex
	transferID string
	fn         func(transfer.Outcome)
	canceled   bool
}

func (p *capturePoller) Start(ctx context.Context, transferID string, fn func(transfer.Outcome)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transferID = transferID
	p.fn = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.canceled = true
	}
}

func (p *capturePoller) deliver(o transfer.Outcome) {
	p.mu.Lock()
	fn := p.fn
	p.mu.Unlock()
	fn(o)
}

func (p *capturePoller) wasCanceled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canceled
}

func balance(available string) *client.Balance {
	d := decimal.RequireFromString(available)
	return &client.Balance{AccountID: "acct_1", Available: d, Current: d, Currency: "USD"}
}

func newTestFlow(proc Processor, poller StatusPoller, pub nats.Publisher) *Flow {
	return New(Options{
		UserID:               "user-1",
		Account:              Account{ID: "acct_1", Name: "Checking", Mask: "0000"},
		DestinationAccountID: "wallet-1",
		Limits:               DefaultLimits(),
		Processor:            proc,
		Poller:               poller,
		Publisher:            pub,
		NewIdempotencyKey:    func() string { return "idem-1" },
	})
}

func fastPoller(f transfer.StatusFetcher) *transfer.Poller {
	return transfer.NewPoller(f, transfer.Config{MaxAttempts: 30, Delay: time.Millisecond}, nil, nil)
}

func waitTerminal(t *testing.T, f *Flow) Step {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	step, err := f.Wait(ctx)
	require.NoError(t, err)
	return step
}

func TestScenario_CompletedOnFirstPoll(t *testing.T) {
	proc := new(mockProcessor)
	proc.On("GetBalance", mock.Anything, "acct_1").Return(balance("1000"), nil)
	proc.On("CreateTransfer", mock.Anything, mock.MatchedBy(func(req client.CreateTransferRequest) bool {
		return req.SourceAccountID == "acct_1" &&
			req.DestinationAccountID == "wallet-1" &&
			req.Amount.Equal(decimal.NewFromInt(50)) &&
			req.Currency == "USD" &&
			req.IdempotencyKey == "idem-1"
	})).Return(&client.Transfer{ID: "T1", Status: client.TransferStatusPending}, nil).Once()
	proc.On("GetTransfer", mock.Anything, "T1").Return(&client.Transfer{
		ID:     "T1",
		Status: client.TransferStatusCompleted,
		Amount: decimal.RequireFromString("50.00"),
	}, nil).Once()

	pub := nats.NewRecorder()
	f := newTestFlow(proc, fastPoller(proc), pub)
	defer f.Close()

	step, err := f.Begin(context.Background())
	require.NoError(t, err)
	entry := step.(AmountEntryStep)
	require.NotNil(t, entry.Balance)
	assert.True(t, entry.Balance.Equal(decimal.NewFromInt(1000)))

	step, err = f.SubmitAmount("50")
	require.NoError(t, err)
	require.IsType(t, ConfirmStep{}, step)
	assert.Equal(t, "$50.00", step.(ConfirmStep).DisplayAmount)

	step, err = f.Confirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "T1", step.(ProcessingStep).TransferID)

	final := waitTerminal(t, f)
	success, ok := final.(SuccessStep)
	require.True(t, ok, "expected SuccessStep, got %T", final)
	assert.Equal(t, "$50.00", success.DisplayAmount)
	assert.Equal(t, "T1", success.TransferID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	events, err := pub.Await(ctx, 1)
	require.NoError(t, err)
	event := events[0]
	assert.Equal(t, "T1", event.TransferID)
	assert.Equal(t, string(transfer.OutcomeCompleted), event.Outcome)
	assert.Equal(t, "user-1", event.UserID)
	assert.Equal(t, f.ID(), event.SessionID)

	proc.AssertExpectations(t)
}

func TestScenario_ProcessingForWholeBudgetTimesOut(t *testing.T) {
	proc := new(mockProcessor)
	proc.On("GetBalance", mock.Anything, "acct_1").Return(balance("1000"), nil)
	proc.On("CreateTransfer", mock.Anything, mock.Anything).
		Return(&client.Transfer{ID: "T2", Status: client.TransferStatusPending}, nil).Once()
	proc.On("GetTransfer", mock.Anything, "T2").
		Return(&client.Transfer{ID: "T2", Status: client.TransferStatusProcessing}, nil)

	f := newTestFlow(proc, fastPoller(proc), nil)
	defer f.Close()

	_, err := f.SubmitAmount("50")
	require.NoError(t, err)
	_, err = f.Confirm(context.Background())
	require.NoError(t, err)

	final := waitTerminal(t, f)
	timedOut, ok := final.(TimedOutStep)
	require.True(t, ok, "expected TimedOutStep, got %T", final)
	assert.Contains(t, timedOut.Message, "check your transaction history")
	assert.Equal(t, "T2", timedOut.TransferID)
	proc.AssertNumberOfCalls(t, "GetTransfer", 30)
}

func TestScenario_AboveMaximumNeverReachesConfirm(t *testing.T) {
	proc := new(mockProcessor)
	f := newTestFlow(proc, &capturePoller{}, nil)
	defer f.Close()

	step, err := f.SubmitAmount("20000")
	require.NoError(t, err)

	entry, ok := step.(AmountEntryStep)
	require.True(t, ok)
	assert.Equal(t, "The maximum deposit is $10,000.00.", entry.Message)
	assert.Equal(t, "20000", entry.Input)

	_, err = f.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	proc.AssertNotCalled(t, "GetBalance", mock.Anything, mock.Anything)
	proc.AssertNotCalled(t, "CreateTransfer", mock.Anything, mock.Anything)
}

func TestSubmitAmount_Validation(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		balance     string
		wantConfirm bool
		wantMessage string
	}{
		{name: "below minimum", input: "0.99", wantMessage: "The minimum deposit is $1.00."},
		{name: "minimum", input: "1.00", wantConfirm: true},
		{name: "maximum", input: "10000.00", wantConfirm: true},
		{name: "above maximum", input: "10000.01", wantMessage: "The maximum deposit is $10,000.00."},
		{name: "formatted input", input: "$1,250.50", wantConfirm: true},
		{name: "not a number", input: "fifty", wantMessage: MessageInvalidAmount},
		{name: "empty", input: "  ", wantMessage: MessageInvalidAmount},
		{name: "fractional cents", input: "5.001", wantMessage: MessageTooPrecise},
		{name: "negative", input: "-5", wantMessage: "The minimum deposit is $1.00."},
		{name: "within balance", input: "100", balance: "100", wantConfirm: true},
		{name: "over balance", input: "100.01", balance: "100", wantMessage: "This amount is more than your available balance of $100.00."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := new(mockProcessor)
			f := newTestFlow(proc, &capturePoller{}, nil)
			defer f.Close()

			if tt.balance != "" {
				proc.On("GetBalance", mock.Anything, "acct_1").Return(balance(tt.balance), nil).Once()
				_, err := f.Begin(context.Background())
				require.NoError(t, err)
			}

			step, err := f.SubmitAmount(tt.input)
			require.NoError(t, err)

			if tt.wantConfirm {
				assert.IsType(t, ConfirmStep{}, step)
				return
			}
			entry, ok := step.(AmountEntryStep)
			require.True(t, ok, "expected AmountEntryStep, got %T", step)
			assert.Equal(t, tt.wantMessage, entry.Message)
			proc.AssertNotCalled(t, "CreateTransfer", mock.Anything, mock.Anything)
		})
	}
}

func TestConfirm_DoubleSubmitCreatesOneTransfer(t *testing.T) {
	release := make(chan struct{})
	proc := new(mockProcessor)
	proc.On("GetBalance", mock.Anything, "acct_1").Return(balance("1000"), nil)
	proc.On("CreateTransfer", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(&client.Transfer{ID: "T1", Status: client.TransferStatusPending}, nil).Once()

	poller := &capturePoller{}
	f := newTestFlow(proc, poller, nil)
	defer f.Close()

	_, err := f.SubmitAmount("50")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.Confirm(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool {
		_, ok := f.Step().(ProcessingStep)
		return ok
	}, time.Second, time.Millisecond)

	_, err = f.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyProcessing)

	close(release)
	require.NoError(t, <-done)

	_, err = f.Confirm(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyProcessing)

	proc.AssertNumberOfCalls(t, "CreateTransfer", 1)
}

func TestConfirm_RequestFailureThenRetry(t *testing.T) {
	proc := new(mockProcessor)
	proc.On("GetBalance", mock.Anything, "acct_1").Return(balance("1000"), nil)
	proc.On("CreateTransfer", mock.Anything, mock.Anything).
		Return(nil, &client.APIError{StatusCode: 500, Message: "internal"}).Once()

	f := newTestFlow(proc, &capturePoller{}, nil)
	defer f.Close()

	_, err := f.SubmitAmount("50")
	require.NoError(t, err)

	step, err := f.Confirm(context.Background())
	require.NoError(t, err)
	errStep, ok := step.(ErrorStep)
	require.True(t, ok)
	assert.Equal(t, ErrorRequest, errStep.Kind)
	assert.Equal(t, MessageRequestFailed, errStep.Message)
	assert.NotContains(t, errStep.Message, "internal")

	step, err = f.Retry(context.Background())
	require.NoError(t, err)
	entry, ok := step.(AmountEntryStep)
	require.True(t, ok)
	assert.Equal(t, "50", entry.Input)
	assert.Empty(t, entry.Message)
	require.NotNil(t, entry.Balance)

	// Confirm, Retry each read the balance.
	proc.AssertNumberOfCalls(t, "GetBalance", 2)
}

func TestConfirm_UnavailableRefusesRetry(t *testing.T) {
	proc := new(mockProcessor)
	proc.On("GetBalance", mock.Anything, "acct_1").Return(nil, client.ErrUnavailable)

	f := newTestFlow(proc, &capturePoller{}, nil)
	defer f.Close()

	_, err := f.SubmitAmount("50")
	require.NoError(t, err)

	step, err := f.Confirm(context.Background())
	require.NoError(t, err)
	errStep, ok := step.(ErrorStep)
	require.True(t, ok)
	assert.Equal(t, ErrorUnavailable, errStep.Kind)
	assert.Equal(t, MessageUnavailable, errStep.Message)

	_, err = f.Retry(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	proc.AssertNotCalled(t, "CreateTransfer", mock.Anything, mock.Anything)
}

func TestConfirm_BalanceDroppedReturnsToAmountEntry(t *testing.T) {
	proc := new(mockProcessor)
	proc.On("GetBalance", mock.Anything, "acct_1").Return(balance("1000"), nil).Once()
	proc.On("GetBalance", mock.Anything, "acct_1").Return(balance("20"), nil).Once()

	f := newTestFlow(proc, &capturePoller{}, nil)
	defer f.Close()

	_, err := f.Begin(context.Background())
	require.NoError(t, err)
	_, err = f.SubmitAmount("50")
	require.NoError(t, err)

	step, err := f.Confirm(context.Background())
	require.NoError(t, err)
	entry, ok := step.(AmountEntryStep)
	require.True(t, ok)
	assert.Equal(t, "This amount is more than your available balance of $20.00.", entry.Message)
	assert.Equal(t, "50", entry.Input)
	proc.AssertNotCalled(t, "CreateTransfer", mock.Anything, mock.Anything)
}

func TestConfirm_BalanceReadFailureStillCreatesTransfer(t *testing.T) {
	proc := new(mockProcessor)
	proc.On("GetBalance", mock.Anything, "acct_1").Return(nil, errors.New("timeout"))
	proc.On("CreateTransfer", mock.Anything, mock.Anything).
		Return(&client.Transfer{ID: "T1", Status: client.TransferStatusPending}, nil).Once()

	f := newTestFlow(proc, &capturePoller{}, nil)
	defer f.Close()

	step, err := f.Begin(context.Background())
	require.NoError(t, err)
	assert.Nil(t, step.(AmountEntryStep).Balance)

	_, err = f.SubmitAmount("50")
	require.NoError(t, err)
	step, err = f.Confirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "T1", step.(ProcessingStep).TransferID)
}

func TestOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		outcome  transfer.Outcome
		wantStep Step
	}{
		{
			name:     "processor failure",
			outcome:  transfer.Outcome{Kind: transfer.OutcomeFailed, TransferID: "T1", Message: transfer.MessageFailed},
			wantStep: ErrorStep{Kind: ErrorProcessorFailed, Message: transfer.MessageFailed, Amount: decimal.NewFromInt(50), TransferID: "T1"},
		},
		{
			name:     "status unavailable",
			outcome:  transfer.Outcome{Kind: transfer.OutcomeStatusUnavailable, TransferID: "T1", Message: transfer.MessageStatusUnavailable},
			wantStep: ErrorStep{Kind: ErrorStatusUnavailable, Message: transfer.MessageStatusUnavailable, Amount: decimal.NewFromInt(50), TransferID: "T1"},
		},
		{
			name:     "timed out",
			outcome:  transfer.Outcome{Kind: transfer.OutcomeTimedOut, TransferID: "T1", Message: transfer.MessageTimedOut},
			wantStep: TimedOutStep{TransferID: "T1", Amount: decimal.NewFromInt(50), Message: transfer.MessageTimedOut},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := new(mockProcessor)
			proc.On("GetBalance", mock.Anything, "acct_1").Return(balance("1000"), nil)
			proc.On("CreateTransfer", mock.Anything, mock.Anything).
				Return(&client.Transfer{ID: "T1", Status: client.TransferStatusPending}, nil)

			poller := &capturePoller{}
			f := newTestFlow(proc, poller, nil)
			defer f.Close()

			_, err := f.SubmitAmount("50")
			require.NoError(t, err)
			_, err = f.Confirm(context.Background())
			require.NoError(t, err)

			poller.deliver(tt.outcome)
			got := waitTerminal(t, f)
			assert.Equal(t, tt.wantStep.Name(), got.Name())

			switch want := tt.wantStep.(type) {
			case ErrorStep:
				gotErr := got.(ErrorStep)
				assert.Equal(t, want.Kind, gotErr.Kind)
				assert.Equal(t, want.Message, gotErr.Message)
				assert.Equal(t, want.TransferID, gotErr.TransferID)
				assert.True(t, want.Amount.Equal(gotErr.Amount))
			case TimedOutStep:
				gotTimedOut := got.(TimedOutStep)
				assert.Equal(t, want.Message, gotTimedOut.Message)
				assert.Equal(t, want.TransferID, gotTimedOut.TransferID)
			}
		})
	}
}

func TestClose_DiscardsLateOutcome(t *testing.T) {
	proc := new(mockProcessor)
	proc.On("GetBalance", mock.Anything, "acct_1").Return(balance("1000"), nil)
	proc.On("CreateTransfer", mock.Anything, mock.Anything).
		Return(&client.Transfer{ID: "T1", Status: client.TransferStatusPending}, nil)

	poller := &capturePoller{}
	pub := nats.NewRecorder()
	f := newTestFlow(proc, poller, pub)

	_, err := f.SubmitAmount("50")
	require.NoError(t, err)
	_, err = f.Confirm(context.Background())
	require.NoError(t, err)

	f.Close()
	assert.True(t, poller.wasCanceled())

	poller.deliver(transfer.Outcome{Kind: transfer.OutcomeCompleted, TransferID: "T1"})

	assert.IsType(t, ProcessingStep{}, f.Step())
	assert.Empty(t, pub.Events())

	_, err = f.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	_, err = f.SubmitAmount("10")
	assert.ErrorIs(t, err, ErrClosed)

	// Idempotent.
	f.Close()
}

func TestBack_PreservesAmount(t *testing.T) {
	f := newTestFlow(new(mockProcessor), &capturePoller{}, nil)
	defer f.Close()

	_, err := f.Back()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.SubmitAmount("75.25")
	require.NoError(t, err)

	step, err := f.Back()
	require.NoError(t, err)
	assert.Equal(t, "75.25", step.(AmountEntryStep).Input)
}

func TestSubscribe(t *testing.T) {
	f := newTestFlow(new(mockProcessor), &capturePoller{}, nil)
	defer f.Close()

	var mu sync.Mutex
	var names []string
	unsubscribe := f.Subscribe(func(s Step) {
		mu.Lock()
		defer mu.Unlock()
		names = append(names, s.Name())
	})

	_, err := f.SubmitAmount("50")
	require.NoError(t, err)
	_, err = f.Back()
	require.NoError(t, err)

	unsubscribe()
	_, err = f.SubmitAmount("60")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"confirm", "amount_entry"}, names)
}

func TestRetry_OnlyFromError(t *testing.T) {
	f := newTestFlow(new(mockProcessor), &capturePoller{}, nil)
	defer f.Close()

	_, err := f.Retry(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFormatUSD(t *testing.T) {
	tests := map[string]string{
		"50":        "$50.00",
		"1":         "$1.00",
		"0.5":       "$0.50",
		"999.99":    "$999.99",
		"1000":      "$1,000.00",
		"10000":     "$10,000.00",
		"1234567.8": "$1,234,567.80",
		"-20":       "-$20.00",
	}
	for in, want := range tests {
		assert.Equal(t, want, FormatUSD(decimal.RequireFromString(in)), in)
	}
}
