package client

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferStatus is the processor-reported state of a transfer.
type TransferStatus string

const (
	TransferStatusPending    TransferStatus = "pending"
	TransferStatusProcessing TransferStatus = "processing"
	TransferStatusCompleted  TransferStatus = "completed"
	TransferStatusFailed     TransferStatus = "failed"
)

// Terminal reports whether no further status change can happen.
func (s TransferStatus) Terminal() bool {
	return s == TransferStatusCompleted || s == TransferStatusFailed
}

// Transfer is a requested movement of funds from a linked external account
// into the product wallet. Only the processor mutates its status.
type Transfer struct {
	ID                   string          `json:"id"`
	SourceAccountID      string          `json:"source_account_id"`
	DestinationAccountID string          `json:"destination_account_id"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Status               TransferStatus  `json:"status"`
	FailureReason        string          `json:"failure_reason,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// CreateTransferRequest asks the processor to pull funds from a linked account.
type CreateTransferRequest struct {
	SourceAccountID      string          `json:"source_account_id"`
	DestinationAccountID string          `json:"destination_account_id"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	// IdempotencyKey is sent as a header, not in the body.
	IdempotencyKey string `json:"-"`
}

// Balance is the balance of a linked account as reported by the processor.
type Balance struct {
	AccountID string          `json:"account_id"`
	Available decimal.Decimal `json:"available"`
	Current   decimal.Decimal `json:"current"`
	Currency  string          `json:"currency"`
}

// Institution is a bank or financial service offering linkable accounts.
type Institution struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	LogoURL string `json:"logo_url,omitempty"`
}

// LinkSession is an in-progress linking handshake with the bank widget.
type LinkSession struct {
	ID        string    `json:"id"`
	LinkURL   string    `json:"link_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LinkedAccount summarizes one account reachable through a bank connection.
type LinkedAccount struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Mask            string `json:"mask"`
	InstitutionName string `json:"institution_name,omitempty"`
}

// BankConnection is an established link to an external institution.
// It is read-only once created; re-linking creates a new connection.
type BankConnection struct {
	ID              string          `json:"id"`
	InstitutionID   string          `json:"institution_id"`
	InstitutionName string          `json:"institution_name"`
	Accounts        []LinkedAccount `json:"accounts"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Player is one record of the fantasy player directory.
type Player struct {
	PlayerID  string `json:"player_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	FullName  string `json:"full_name,omitempty"`
	Position  string `json:"position,omitempty"`
	Team      string `json:"team,omitempty"`
	Status    string `json:"status,omitempty"`
	Sport     string `json:"sport,omitempty"`
}

// DisplayName returns the full name, falling back to first and last name.
func (p Player) DisplayName() string {
	if p.FullName != "" {
		return p.FullName
	}
	if p.FirstName == "" {
		return p.LastName
	}
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// League is a fantasy league as returned by the read API.
type League struct {
	LeagueID     string `json:"league_id"`
	Name         string `json:"name"`
	Season       string `json:"season"`
	Sport        string `json:"sport"`
	Status       string `json:"status"`
	TotalRosters int    `json:"total_rosters"`
}

// Roster is one team in a fantasy league.
type Roster struct {
	RosterID int      `json:"roster_id"`
	OwnerID  string   `json:"owner_id"`
	LeagueID string   `json:"league_id"`
	Players  []string `json:"players"`
	Starters []string `json:"starters"`
}
