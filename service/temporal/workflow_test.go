package temporal

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/brojonat/bankroll/client"
	"github.com/brojonat/bankroll/service/transfer"
)

func newWorkflowEnv(t *testing.T) (*testsuite.TestWorkflowEnvironment, *Activities) {
	t.Helper()
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := NewActivities(nil, nil, nil, nil)
	env.RegisterWorkflow(TransferConfirmationWorkflow)
	env.RegisterActivity(activities.GetTransferStatus)
	env.RegisterActivity(activities.PublishTransferOutcome)
	return env, activities
}

func testTransfer(status client.TransferStatus) *client.Transfer {
	return &client.Transfer{
		ID:       "tr_123",
		Amount:   decimal.RequireFromString("50.00"),
		Currency: "USD",
		Status:   status,
	}
}

func TestTransferConfirmationWorkflow(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []client.TransferStatus
		statusErr    error
		maxAttempts  int
		wantOutcome  transfer.OutcomeKind
		wantAttempts int
		wantMessage  string
	}{
		{
			name:         "completes on first attempt",
			statuses:     []client.TransferStatus{client.TransferStatusCompleted},
			wantOutcome:  transfer.OutcomeCompleted,
			wantAttempts: 1,
		},
		{
			name: "settles after processing",
			statuses: []client.TransferStatus{
				client.TransferStatusPending,
				client.TransferStatusProcessing,
				client.TransferStatusCompleted,
			},
			wantOutcome:  transfer.OutcomeCompleted,
			wantAttempts: 3,
		},
		{
			name:         "processor failure",
			statuses:     []client.TransferStatus{client.TransferStatusProcessing, client.TransferStatusFailed},
			wantOutcome:  transfer.OutcomeFailed,
			wantAttempts: 2,
			wantMessage:  transfer.MessageFailed,
		},
		{
			name:         "status read error",
			statusErr:    errors.New("connection reset"),
			wantOutcome:  transfer.OutcomeStatusUnavailable,
			wantAttempts: 1,
			wantMessage:  transfer.MessageStatusUnavailable,
		},
		{
			name:         "budget exhausted",
			statuses:     []client.TransferStatus{client.TransferStatusProcessing},
			maxAttempts:  5,
			wantOutcome:  transfer.OutcomeTimedOut,
			wantAttempts: 5,
			wantMessage:  transfer.MessageTimedOut,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, activities := newWorkflowEnv(t)

			var calls int32
			env.OnActivity(activities.GetTransferStatus, mock.Anything, mock.Anything).Return(
				func(_ context.Context, input GetTransferStatusInput) (*client.Transfer, error) {
					n := atomic.AddInt32(&calls, 1)
					assert.Equal(t, int(n), input.Attempt)
					if tt.statusErr != nil {
						return nil, tt.statusErr
					}
					i := int(n) - 1
					if i >= len(tt.statuses) {
						i = len(tt.statuses) - 1
					}
					return testTransfer(tt.statuses[i]), nil
				})
			env.OnActivity(activities.PublishTransferOutcome, mock.Anything, mock.Anything).Return(nil)

			env.ExecuteWorkflow(TransferConfirmationWorkflow, TransferConfirmationInput{
				TransferID:  "tr_123",
				MaxAttempts: tt.maxAttempts,
				Delay:       3 * time.Second,
			})

			require.True(t, env.IsWorkflowCompleted())
			require.NoError(t, env.GetWorkflowError())

			var result TransferConfirmationResult
			require.NoError(t, env.GetWorkflowResult(&result))
			assert.Equal(t, string(tt.wantOutcome), result.Outcome)
			assert.Equal(t, tt.wantAttempts, result.Attempts)
			assert.Equal(t, tt.wantMessage, result.Message)
			assert.Equal(t, int32(tt.wantAttempts), atomic.LoadInt32(&calls))

			if tt.statusErr != nil {
				assert.NotEmpty(t, result.Error)
				assert.Nil(t, result.Transfer)
			} else {
				require.NotNil(t, result.Transfer)
				assert.Equal(t, "tr_123", result.Transfer.ID)
			}
		})
	}
}

func TestTransferConfirmationWorkflow_DefaultBudget(t *testing.T) {
	env, activities := newWorkflowEnv(t)

	var calls int32
	env.OnActivity(activities.GetTransferStatus, mock.Anything, mock.Anything).Return(
		func(_ context.Context, input GetTransferStatusInput) (*client.Transfer, error) {
			atomic.AddInt32(&calls, 1)
			return testTransfer(client.TransferStatusProcessing), nil
		})
	env.OnActivity(activities.PublishTransferOutcome, mock.Anything, mock.Anything).Return(nil)

	start := env.Now()
	env.ExecuteWorkflow(TransferConfirmationWorkflow, TransferConfirmationInput{TransferID: "tr_123"})

	require.NoError(t, env.GetWorkflowError())
	var result TransferConfirmationResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, string(transfer.OutcomeTimedOut), result.Outcome)
	assert.Equal(t, int32(transfer.DefaultMaxAttempts), atomic.LoadInt32(&calls), "no 31st call")

	// 29 sleeps of 3s between 30 attempts.
	assert.GreaterOrEqual(t, env.Now().Sub(start), 29*transfer.DefaultDelay)
}

func TestTransferConfirmationWorkflow_PublishesOutcome(t *testing.T) {
	env, activities := newWorkflowEnv(t)

	env.OnActivity(activities.GetTransferStatus, mock.Anything, mock.Anything).
		Return(testTransfer(client.TransferStatusCompleted), nil)

	var published PublishTransferOutcomeInput
	env.OnActivity(activities.PublishTransferOutcome, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			published = args.Get(1).(PublishTransferOutcomeInput)
		}).
		Return(nil)

	env.ExecuteWorkflow(TransferConfirmationWorkflow, TransferConfirmationInput{
		TransferID: "tr_123",
		UserID:     "user-1",
		SessionID:  "sess-1",
		Amount:     decimal.RequireFromString("50.00"),
		Currency:   "USD",
		Publish:    true,
	})

	require.NoError(t, env.GetWorkflowError())
	assert.True(t, published.Publish)
	assert.Equal(t, "user-1", published.UserID)
	assert.Equal(t, "sess-1", published.SessionID)
	assert.Equal(t, string(transfer.OutcomeCompleted), published.Result.Outcome)
	assert.True(t, published.Amount.Equal(decimal.RequireFromString("50.00")))
}

func TestTransferConfirmationWorkflow_PublishFailureKeepsOutcome(t *testing.T) {
	env, activities := newWorkflowEnv(t)

	env.OnActivity(activities.GetTransferStatus, mock.Anything, mock.Anything).
		Return(testTransfer(client.TransferStatusCompleted), nil)
	env.OnActivity(activities.PublishTransferOutcome, mock.Anything, mock.Anything).
		Return(errors.New("nats unavailable"))

	env.ExecuteWorkflow(TransferConfirmationWorkflow, TransferConfirmationInput{TransferID: "tr_123", Publish: true})

	require.NoError(t, env.GetWorkflowError())
	var result TransferConfirmationResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, string(transfer.OutcomeCompleted), result.Outcome)
}

func TestTransferConfirmationWorkflow_Canceled(t *testing.T) {
	env, activities := newWorkflowEnv(t)

	env.OnActivity(activities.GetTransferStatus, mock.Anything, mock.Anything).
		Return(testTransfer(client.TransferStatusProcessing), nil)

	env.RegisterDelayedCallback(func() {
		env.CancelWorkflow()
	}, 10*time.Second)

	env.ExecuteWorkflow(TransferConfirmationWorkflow, TransferConfirmationInput{
		TransferID: "tr_123",
		Delay:      3 * time.Second,
	})

	require.True(t, env.IsWorkflowCompleted())
	assert.Error(t, env.GetWorkflowError())
}

func TestTransferConfirmationResult_ToOutcome(t *testing.T) {
	r := &TransferConfirmationResult{
		TransferID: "tr_123",
		Outcome:    string(transfer.OutcomeStatusUnavailable),
		Attempts:   4,
		Message:    transfer.MessageStatusUnavailable,
		Error:      "connection reset",
	}

	o := r.ToOutcome()
	assert.Equal(t, transfer.OutcomeStatusUnavailable, o.Kind)
	assert.Equal(t, "tr_123", o.TransferID)
	assert.Equal(t, 4, o.Attempts)
	assert.EqualError(t, o.Err, "connection reset")

	back := resultFromOutcome(o)
	assert.Equal(t, r, back)
}
