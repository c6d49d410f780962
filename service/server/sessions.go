package server

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/bankroll/service/bankconn"
	"github.com/brojonat/bankroll/service/funding"
	"github.com/brojonat/bankroll/service/metrics"
	natspkg "github.com/brojonat/bankroll/service/nats"
	"github.com/brojonat/bankroll/service/uistate"
)

// Processor is everything the funding and bank connection flows need from
// the payment processor.
type Processor interface {
	funding.Processor
	bankconn.Processor
}

// SessionOptions configures the flows a Sessions registry creates.
type SessionOptions struct {
	Processor Processor
	Poller    funding.StatusPoller
	Publisher natspkg.Publisher
	Hub       *bankconn.Hub
	Badges    *uistate.Badges

	Limits               funding.Limits
	DestinationAccountID string

	WidgetOrigin   string
	SearchDebounce time.Duration
	SearchLimit    int
	LinkTimeout    time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type fundingEntry struct {
	flow    *funding.Flow
	tracker *depositTracker
}

// Sessions owns the live funding and bank connection flows. Each user has
// at most one flow of each kind; starting a new one closes the previous.
type Sessions struct {
	opts   SessionOptions
	logger *slog.Logger

	mu            sync.Mutex
	funding       map[string]*fundingEntry
	connections   map[string]*bankconn.Flow
	activeFunding map[string]string
	activeConn    map[string]string
}

// NewSessions creates an empty registry.
func NewSessions(opts SessionOptions) *Sessions {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if opts.Hub == nil {
		opts.Hub = bankconn.NewHub()
	}
	if opts.Badges == nil {
		opts.Badges = uistate.NewBadges()
	}
	return &Sessions{
		opts:          opts,
		logger:        opts.Logger.With("component", "sessions"),
		funding:       make(map[string]*fundingEntry),
		connections:   make(map[string]*bankconn.Flow),
		activeFunding: make(map[string]string),
		activeConn:    make(map[string]string),
	}
}

// Hub returns the widget message hub shared by all connection flows.
func (s *Sessions) Hub() *bankconn.Hub { return s.opts.Hub }

// Badges returns the per-user badge registry.
func (s *Sessions) Badges() *uistate.Badges { return s.opts.Badges }

// StartFunding creates a funding flow for userID and registers it. The
// caller is expected to call Begin.
func (s *Sessions) StartFunding(userID string, account funding.Account) *funding.Flow {
	f := funding.New(funding.Options{
		UserID:               userID,
		Account:              account,
		DestinationAccountID: s.opts.DestinationAccountID,
		Limits:               s.opts.Limits,
		Processor:            s.opts.Processor,
		Poller:               s.opts.Poller,
		Publisher:            s.opts.Publisher,
		Metrics:              s.opts.Metrics,
		Logger:               s.opts.Logger,
	})
	entry := &fundingEntry{
		flow:    f,
		tracker: trackDeposits(f, s.opts.Badges.For(userID)),
	}

	s.mu.Lock()
	previous := s.funding[s.activeFunding[userID]]
	if previous != nil {
		delete(s.funding, previous.flow.ID())
	}
	s.funding[f.ID()] = entry
	s.activeFunding[userID] = f.ID()
	s.mu.Unlock()

	if previous != nil {
		s.logger.Info("replacing funding flow", "user_id", userID, "previous_flow_id", previous.flow.ID())
		previous.close()
	}
	return f
}

// Funding returns userID's funding flow with the given id.
func (s *Sessions) Funding(userID, id string) (*funding.Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.funding[id]
	if !ok || entry.flow.UserID() != userID {
		return nil, false
	}
	return entry.flow, true
}

// CloseFunding closes and forgets a funding flow. It reports whether the
// flow existed.
func (s *Sessions) CloseFunding(userID, id string) bool {
	s.mu.Lock()
	entry, ok := s.funding[id]
	if !ok || entry.flow.UserID() != userID {
		s.mu.Unlock()
		return false
	}
	delete(s.funding, id)
	if s.activeFunding[userID] == id {
		delete(s.activeFunding, userID)
	}
	s.mu.Unlock()

	entry.close()
	return true
}

// StartConnection creates a bank connection flow for userID. With
// proceedToFunding a successful connection starts a funding flow for the
// first linked account.
func (s *Sessions) StartConnection(userID string, proceedToFunding bool) *bankconn.Flow {
	f := bankconn.New(bankconn.Options{
		UserID:           userID,
		Processor:        s.opts.Processor,
		Hub:              s.opts.Hub,
		WidgetOrigin:     s.opts.WidgetOrigin,
		SearchDebounce:   s.opts.SearchDebounce,
		SearchLimit:      s.opts.SearchLimit,
		LinkTimeout:      s.opts.LinkTimeout,
		ProceedToFunding: proceedToFunding,
		NewFunding:       s.handOff(userID),
		Metrics:          s.opts.Metrics,
		Logger:           s.opts.Logger,
	})

	s.mu.Lock()
	previous := s.connections[s.activeConn[userID]]
	if previous != nil {
		delete(s.connections, previous.ID())
	}
	s.connections[f.ID()] = f
	s.activeConn[userID] = f.ID()
	s.mu.Unlock()

	if previous != nil {
		s.logger.Info("replacing bank connection flow", "user_id", userID, "previous_flow_id", previous.ID())
		previous.Close()
	}
	return f
}

// Connection returns userID's connection flow with the given id.
func (s *Sessions) Connection(userID, id string) (*bankconn.Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.connections[id]
	if !ok || f.UserID() != userID {
		return nil, false
	}
	return f, true
}

// CloseConnection closes and forgets a connection flow. A funding flow it
// handed off stays registered.
func (s *Sessions) CloseConnection(userID, id string) bool {
	s.mu.Lock()
	f, ok := s.connections[id]
	if !ok || f.UserID() != userID {
		s.mu.Unlock()
		return false
	}
	delete(s.connections, id)
	if s.activeConn[userID] == id {
		delete(s.activeConn, userID)
	}
	s.mu.Unlock()

	f.Close()
	return true
}

// Close closes every registered flow.
func (s *Sessions) Close() {
	s.mu.Lock()
	fundingEntries := make([]*fundingEntry, 0, len(s.funding))
	for _, entry := range s.funding {
		fundingEntries = append(fundingEntries, entry)
	}
	connections := make([]*bankconn.Flow, 0, len(s.connections))
	for _, f := range s.connections {
		connections = append(connections, f)
	}
	s.funding = make(map[string]*fundingEntry)
	s.connections = make(map[string]*bankconn.Flow)
	s.activeFunding = make(map[string]string)
	s.activeConn = make(map[string]string)
	s.mu.Unlock()

	for _, f := range connections {
		f.Close()
	}
	for _, entry := range fundingEntries {
		entry.close()
	}
}

// handOff returns the factory a connection flow uses to start funding. It
// runs while the connection flow holds its lock, so the balance read
// happens in the background.
func (s *Sessions) handOff(userID string) bankconn.FundingFactory {
	return func(account funding.Account) *funding.Flow {
		f := s.StartFunding(userID, account)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := f.Begin(ctx); err != nil {
				s.logger.Debug("handed-off funding flow did not begin", "flow_id", f.ID(), "error", err)
			}
		}()
		return f
	}
}

func (e *fundingEntry) close() {
	e.tracker.stop()
	e.flow.Close()
	e.tracker.release()
}

// depositTracker counts a funding flow on the user's pending-deposit badge
// while it is in ProcessingStep.
type depositTracker struct {
	badge       *uistate.Badge
	unsubscribe func()

	mu      sync.Mutex
	counted bool
	done    bool
}

func trackDeposits(f *funding.Flow, badge *uistate.Badge) *depositTracker {
	t := &depositTracker{badge: badge}
	// Notifications can arrive out of order, so the current step is read
	// instead of the one passed in.
	t.unsubscribe = f.Subscribe(func(funding.Step) {
		_, processing := f.Step().(funding.ProcessingStep)
		t.update(processing)
	})
	return t
}

func (t *depositTracker) update(processing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done || processing == t.counted {
		return
	}
	t.counted = processing
	if processing {
		t.badge.Add(1)
	} else {
		t.badge.Add(-1)
	}
}

func (t *depositTracker) stop() {
	t.unsubscribe()
}

func (t *depositTracker) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counted {
		t.badge.Add(-1)
		t.counted = false
	}
	t.done = true
}
