package server

import (
	"github.com/shopspring/decimal"

	"github.com/brojonat/bankroll/client"
	"github.com/brojonat/bankroll/service/bankconn"
	"github.com/brojonat/bankroll/service/funding"
)

func fundingView(id string, step funding.Step) client.FundingSession {
	view := client.FundingSession{
		ID:       id,
		Step:     step.Name(),
		Terminal: step.Terminal(),
	}

	switch s := step.(type) {
	case funding.AmountEntryStep:
		view.Amount = s.Input
		view.Balance = formatBalance(s.Balance)
		view.Message = s.Message
	case funding.ConfirmStep:
		view.Amount = s.Amount.StringFixed(2)
		view.DisplayAmount = s.DisplayAmount
		view.Balance = formatBalance(s.Balance)
	case funding.ProcessingStep:
		view.Amount = s.Amount.StringFixed(2)
		view.TransferID = s.TransferID
	case funding.SuccessStep:
		view.Amount = s.Amount.StringFixed(2)
		view.DisplayAmount = s.DisplayAmount
		view.TransferID = s.TransferID
	case funding.ErrorStep:
		view.Amount = s.Amount.StringFixed(2)
		view.ErrorKind = string(s.Kind)
		view.Message = s.Message
		view.TransferID = s.TransferID
	case funding.TimedOutStep:
		view.Amount = s.Amount.StringFixed(2)
		view.Message = s.Message
		view.TransferID = s.TransferID
	}
	return view
}

func formatBalance(balance *decimal.Decimal) string {
	if balance == nil {
		return ""
	}
	return balance.StringFixed(2)
}

// connectionSession is the wire view of a bank connection flow.
type connectionSession struct {
	ID       string `json:"id"`
	Step     string `json:"step"`
	Terminal bool   `json:"terminal"`

	Query     string               `json:"query,omitempty"`
	Results   []client.Institution `json:"results,omitempty"`
	Searching bool                 `json:"searching,omitempty"`
	Message   string               `json:"message,omitempty"`

	Institution *client.Institution    `json:"institution,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	LinkURL     string                 `json:"link_url,omitempty"`
	Connection  *client.BankConnection `json:"connection,omitempty"`

	// FundingID is the funding flow started after a successful connection.
	FundingID string `json:"funding_id,omitempty"`
}

func connectionView(f *bankconn.Flow, step bankconn.Step) connectionSession {
	view := connectionSession{
		ID:       f.ID(),
		Step:     step.Name(),
		Terminal: step.Terminal(),
	}

	switch s := step.(type) {
	case bankconn.SearchStep:
		view.Query = s.Query
		view.Results = s.Results
		view.Searching = s.Searching
		view.Message = s.Message
	case bankconn.ConnectingStep:
		institution := s.Institution
		view.Institution = &institution
		view.SessionID = s.SessionID
		view.LinkURL = s.LinkURL
	case bankconn.ConnectedStep:
		conn := s.Connection
		view.Connection = &conn
	case bankconn.ErrorStep:
		institution := s.Institution
		view.Institution = &institution
		view.Message = s.Message
	}

	if handed := f.Funding(); handed != nil {
		view.FundingID = handed.ID()
	}
	return view
}
