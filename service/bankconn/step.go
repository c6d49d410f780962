package bankconn

import "github.com/brojonat/bankroll/client"

// Step is one state of the bank connection wizard: SearchStep,
// ConnectingStep, ConnectedStep or ErrorStep.
type Step interface {
	Name() string
	Terminal() bool
	isStep()
}

// SearchStep lets the user find their institution.
type SearchStep struct {
	Query   string
	Results []client.Institution
	// Searching is true while a debounced or in-flight search is pending.
	Searching bool
	Message   string
}

// ConnectingStep waits for the linking widget to report back.
// SessionID is empty while the link session is being created.
type ConnectingStep struct {
	Institution client.Institution
	SessionID   string
	LinkURL     string
}

// ConnectedStep holds the established connection.
type ConnectedStep struct {
	Connection client.BankConnection
}

// ErrorStep is a failed or abandoned connection attempt.
type ErrorStep struct {
	Institution client.Institution
	Message     string
}

func (SearchStep) Name() string     { return "search" }
func (ConnectingStep) Name() string { return "connecting" }
func (ConnectedStep) Name() string  { return "connected" }
func (ErrorStep) Name() string      { return "error" }

func (SearchStep) Terminal() bool     { return false }
func (ConnectingStep) Terminal() bool { return false }
func (ConnectedStep) Terminal() bool  { return true }
func (ErrorStep) Terminal() bool      { return true }

func (SearchStep) isStep()     {}
func (ConnectingStep) isStep() {}
func (ConnectedStep) isStep()  {}
func (ErrorStep) isStep()      {}
