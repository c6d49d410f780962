package nats

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/brojonat/bankroll/service/transfer"
)

// TransferEvent is the terminal outcome of a deposit, published to the
// subject "transfers.{transfer_id}" in JetStream.
type TransferEvent struct {
	TransferID string `json:"transfer_id"`
	UserID     string `json:"user_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`

	// Outcome is one of the transfer.OutcomeKind values.
	Outcome  string          `json:"outcome"`
	Status   string          `json:"status,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Attempts int             `json:"attempts"`
	Message  string          `json:"message,omitempty"`

	OccurredAt  time.Time `json:"occurred_at"`
	PublishedAt time.Time `json:"published_at"`
}

// FromOutcome converts a poll outcome to a TransferEvent for publishing.
// amount and currency are the requested values; the processor's values win
// when the outcome carries a transfer.
func FromOutcome(o transfer.Outcome, amount decimal.Decimal, currency string) *TransferEvent {
	now := time.Now().UTC()
	event := &TransferEvent{
		TransferID:  o.TransferID,
		Outcome:     string(o.Kind),
		Amount:      amount,
		Currency:    currency,
		Attempts:    o.Attempts,
		Message:     o.Message,
		OccurredAt:  now,
		PublishedAt: now,
	}

	if o.Transfer != nil {
		event.Status = string(o.Transfer.Status)
		if !o.Transfer.Amount.IsZero() {
			event.Amount = o.Transfer.Amount
		}
		if o.Transfer.Currency != "" {
			event.Currency = o.Transfer.Currency
		}
	}

	return event
}
