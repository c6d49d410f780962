package temporal

import (
	"context"
	"fmt"
	"sync"
)

// MockConfirmer is a mock implementation of Confirmer for testing.
// Results are delivered with Complete; AwaitTransferConfirmation blocks until
// then or until its context ends.
type MockConfirmer struct {
	mu        sync.Mutex
	started   map[string]TransferConfirmationInput
	results   map[string]chan *TransferConfirmationResult
	canceled  map[string]bool
	startErr  error
	cancelErr error
}

// NewMockConfirmer creates a new MockConfirmer.
func NewMockConfirmer() *MockConfirmer {
	return &MockConfirmer{
		started:  make(map[string]TransferConfirmationInput),
		results:  make(map[string]chan *TransferConfirmationResult),
		canceled: make(map[string]bool),
	}
}

func (m *MockConfirmer) resultChan(transferID string) chan *TransferConfirmationResult {
	ch, ok := m.results[transferID]
	if !ok {
		ch = make(chan *TransferConfirmationResult, 1)
		m.results[transferID] = ch
	}
	return ch
}

// StartTransferConfirmation records that a workflow was started.
func (m *MockConfirmer) StartTransferConfirmation(ctx context.Context, input TransferConfirmationInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startErr != nil {
		return m.startErr
	}
	m.started[input.TransferID] = input
	m.resultChan(input.TransferID)
	return nil
}

// AwaitTransferConfirmation waits for Complete to be called for the transfer.
func (m *MockConfirmer) AwaitTransferConfirmation(ctx context.Context, transferID string) (*TransferConfirmationResult, error) {
	m.mu.Lock()
	if _, ok := m.started[transferID]; !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("workflow %q not found", WorkflowID(transferID))
	}
	ch := m.resultChan(transferID)
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res, nil
	}
}

// CancelTransferConfirmation records that the workflow was canceled.
func (m *MockConfirmer) CancelTransferConfirmation(ctx context.Context, transferID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.canceled[transferID] = true
	return nil
}

// Complete delivers a result to the transfer's waiter.
func (m *MockConfirmer) Complete(result *TransferConfirmationResult) {
	m.mu.Lock()
	ch := m.resultChan(result.TransferID)
	m.mu.Unlock()
	ch <- result
}

// SetStartError makes StartTransferConfirmation return an error.
func (m *MockConfirmer) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// Started returns the input a transfer's workflow was started with.
func (m *MockConfirmer) Started(transferID string) (TransferConfirmationInput, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	input, ok := m.started[transferID]
	return input, ok
}

// Canceled reports whether the transfer's workflow was canceled.
func (m *MockConfirmer) Canceled(transferID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canceled[transferID]
}
