package bankconn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brojonat/bankroll/client"
	"github.com/brojonat/bankroll/service/funding"
	"github.com/brojonat/bankroll/service/metrics"
)

const (
	DefaultSearchDebounce = 300 * time.Millisecond
	DefaultSearchLimit    = 10
	DefaultLinkTimeout    = 10 * time.Minute
)

const (
	MessageSearchFailed  = "We couldn't load institutions. Please try again."
	MessageConnectFailed = "We couldn't connect to your bank. Please try again."
	MessageLinkFailed    = "Your bank connection didn't go through. Please try again."
	MessageLinkTimedOut  = "The bank connection timed out. Please try again."
	MessageUnavailable   = "Bank connections are temporarily unavailable. Please try again later."
)

var (
	// ErrInvalidTransition is returned when an action is not valid for the current step.
	ErrInvalidTransition = errors.New("action not valid for current step")
	// ErrClosed is returned by every action after Close.
	ErrClosed = errors.New("bank connection flow closed")
)

// Processor is the subset of the payment processor the flow needs.
type Processor interface {
	SearchInstitutions(ctx context.Context, query string, limit int) ([]client.Institution, error)
	CreateLinkSession(ctx context.Context, institutionID string) (*client.LinkSession, error)
	ExchangeLinkToken(ctx context.Context, sessionID, publicToken string) (*client.BankConnection, error)
}

// FundingFactory starts a funding flow for a freshly linked account.
type FundingFactory func(account funding.Account) *funding.Flow

// Options configures a Flow.
type Options struct {
	UserID       string
	Processor    Processor
	Hub          *Hub
	WidgetOrigin string

	SearchDebounce time.Duration
	SearchLimit    int
	LinkTimeout    time.Duration

	// ProceedToFunding hands a successful connection to NewFunding.
	ProceedToFunding bool
	NewFunding       FundingFactory

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Flow is one run of the bank connection wizard. At most one link session
// is pending at a time. All methods are safe for concurrent use.
type Flow struct {
	id           string
	userID       string
	processor    Processor
	hub          *Hub
	widgetOrigin string
	debounce     time.Duration
	limit        int
	linkTimeout  time.Duration
	proceed      bool
	newFunding   FundingFactory
	metrics      *metrics.Metrics
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	step        Step
	search      SearchStep
	searchGen   int
	searchTimer *time.Timer
	unregister  func()
	linkTimer   *time.Timer
	exchanging  string // session whose public token is being exchanged
	funding     *funding.Flow
	closed      bool
	changed     chan struct{}
	subs        map[int]func(Step)
	nextSub     int
}

// New creates a flow in Search with no results.
func New(opts Options) *Flow {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	if opts.SearchDebounce <= 0 {
		opts.SearchDebounce = DefaultSearchDebounce
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = DefaultSearchLimit
	}
	if opts.LinkTimeout <= 0 {
		opts.LinkTimeout = DefaultLinkTimeout
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	f := &Flow{
		id:           id,
		userID:       opts.UserID,
		processor:    opts.Processor,
		hub:          opts.Hub,
		widgetOrigin: strings.TrimSuffix(opts.WidgetOrigin, "/"),
		debounce:     opts.SearchDebounce,
		limit:        opts.SearchLimit,
		linkTimeout:  opts.LinkTimeout,
		proceed:      opts.ProceedToFunding,
		newFunding:   opts.NewFunding,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "bank_connection_flow", "flow_id", id),
		ctx:          ctx,
		cancel:       cancel,
		step:         SearchStep{},
		changed:      make(chan struct{}),
		subs:         make(map[int]func(Step)),
	}
	f.metrics.RecordFlowChange("bank_connection", 1)
	return f
}

// ID returns the flow's identifier.
func (f *Flow) ID() string { return f.id }

// UserID returns the owner of the flow.
func (f *Flow) UserID() string { return f.userID }

// Step returns the current step.
func (f *Flow) Step() Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step
}

// Funding returns the funding flow started after a successful connection,
// or nil. The caller owns it and must Close it.
func (f *Flow) Funding() *funding.Flow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.funding
}

// Search schedules a debounced institution search. A newer query supersedes
// any pending or in-flight search. An empty query clears the results without
// a network call.
func (f *Flow) Search(query string) (Step, error) {
	f.mu.Lock()
	if f.closed {
		defer f.mu.Unlock()
		return f.step, ErrClosed
	}
	if _, ok := f.step.(SearchStep); !ok {
		defer f.mu.Unlock()
		return f.step, ErrInvalidTransition
	}

	f.stopSearchLocked()
	query = strings.TrimSpace(query)
	if query == "" {
		f.search = SearchStep{}
	} else {
		gen := f.searchGen
		f.search = SearchStep{Query: query, Results: f.search.Results, Searching: true}
		f.searchTimer = time.AfterFunc(f.debounce, func() {
			f.runSearch(gen, query)
		})
	}
	next := f.search
	subs := f.setLocked(next)
	f.mu.Unlock()

	f.notify(subs, next)
	return next, nil
}

func (f *Flow) runSearch(gen int, query string) {
	f.mu.Lock()
	if f.closed || gen != f.searchGen {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	results, err := f.processor.SearchInstitutions(f.ctx, query, f.limit)

	f.mu.Lock()
	if f.closed || gen != f.searchGen {
		f.mu.Unlock()
		f.logger.Debug("discarding superseded search results", "query", query)
		return
	}
	if len(results) > f.limit {
		results = results[:f.limit]
	}

	f.search = SearchStep{Query: query, Results: results}
	if err != nil {
		f.metrics.RecordInstitutionSearch("error")
		f.logger.Error("institution search failed", "query", query, "error", err)
		f.search.Results = nil
		f.search.Message = MessageSearchFailed
		if errors.Is(err, client.ErrUnavailable) {
			f.search.Message = MessageUnavailable
		}
	} else {
		f.metrics.RecordInstitutionSearch("success")
	}

	if _, ok := f.step.(SearchStep); !ok {
		f.mu.Unlock()
		return
	}
	next := f.search
	subs := f.setLocked(next)
	f.mu.Unlock()

	f.notify(subs, next)
}

// Connect creates a link session for institution and waits for the widget
// to report back through the Hub.
func (f *Flow) Connect(ctx context.Context, institution client.Institution) (Step, error) {
	f.mu.Lock()
	if f.closed {
		defer f.mu.Unlock()
		return f.step, ErrClosed
	}
	if _, ok := f.step.(SearchStep); !ok {
		defer f.mu.Unlock()
		return f.step, ErrInvalidTransition
	}
	f.stopSearchLocked()
	f.search.Searching = false
	pending := ConnectingStep{Institution: institution}
	subs := f.setLocked(pending)
	f.mu.Unlock()
	f.notify(subs, pending)

	logger := f.logger.With("institution_id", institution.ID)

	session, err := f.processor.CreateLinkSession(ctx, institution.ID)
	if err != nil {
		msg := MessageConnectFailed
		if errors.Is(err, client.ErrUnavailable) {
			msg = MessageUnavailable
		}
		logger.Error("failed to create link session", "error", err)
		f.metrics.RecordBankConnection("error")
		return f.failPending(institution, msg)
	}

	f.mu.Lock()
	current, ok := f.step.(ConnectingStep)
	if f.closed || !ok || current.SessionID != "" || current.Institution.ID != institution.ID {
		defer f.mu.Unlock()
		logger.Info("discarding link session for abandoned connection", "session_id", session.ID)
		if f.closed {
			return f.step, ErrClosed
		}
		return f.step, nil
	}

	sessionID := session.ID
	f.unregister = f.hub.Register(sessionID, func(msg Message) {
		f.handleMessage(sessionID, msg)
	})
	f.linkTimer = time.AfterFunc(f.linkTimeout, func() {
		f.expire(sessionID)
	})
	connecting := ConnectingStep{Institution: institution, SessionID: sessionID, LinkURL: session.LinkURL}
	subs = f.setLocked(connecting)
	f.mu.Unlock()

	f.notify(subs, connecting)
	logger.Info("link session created", "session_id", sessionID)
	return connecting, nil
}

// handleMessage accepts a widget message only when the flow has a widget
// origin configured and the message came from exactly that origin.
func (f *Flow) handleMessage(sessionID string, msg Message) {
	if f.widgetOrigin == "" || strings.TrimSuffix(msg.Origin, "/") != f.widgetOrigin {
		f.logger.Warn("ignoring widget message from unexpected origin",
			"origin", msg.Origin,
			"session_id", sessionID,
		)
		return
	}

	f.mu.Lock()
	current, ok := f.step.(ConnectingStep)
	if f.closed || !ok || current.SessionID != sessionID || f.exchanging == sessionID {
		f.mu.Unlock()
		return
	}

	switch msg.Type {
	case MessageSuccess:
		f.releaseLinkLocked()
		f.exchanging = sessionID
		f.mu.Unlock()
		f.complete(current, msg.PublicToken)

	case MessageExit:
		f.releaseLinkLocked()
		next := f.search
		subs := f.setLocked(next)
		f.mu.Unlock()
		f.metrics.RecordBankConnection("exit")
		f.logger.Info("user exited linking widget", "session_id", sessionID)
		f.notify(subs, next)

	case MessageError:
		f.releaseLinkLocked()
		next := ErrorStep{Institution: current.Institution, Message: MessageLinkFailed}
		subs := f.setLocked(next)
		f.mu.Unlock()
		f.metrics.RecordBankConnection("error")
		f.logger.Error("linking widget reported an error",
			"session_id", sessionID,
			"error_code", msg.ErrorCode,
		)
		f.notify(subs, next)

	default:
		f.mu.Unlock()
		f.logger.Debug("ignoring unknown widget message", "type", msg.Type)
	}
}

func (f *Flow) complete(connecting ConnectingStep, publicToken string) {
	conn, err := f.processor.ExchangeLinkToken(f.ctx, connecting.SessionID, publicToken)

	f.mu.Lock()
	if f.exchanging == connecting.SessionID {
		f.exchanging = ""
	}
	current, ok := f.step.(ConnectingStep)
	if f.closed || !ok || current.SessionID != connecting.SessionID {
		f.mu.Unlock()
		f.logger.Debug("discarding link exchange for abandoned connection", "session_id", connecting.SessionID)
		return
	}

	var next Step
	if err != nil {
		f.logger.Error("failed to exchange link token", "session_id", connecting.SessionID, "error", err)
		f.metrics.RecordBankConnection("error")
		next = ErrorStep{Institution: connecting.Institution, Message: MessageConnectFailed}
	} else {
		if conn.InstitutionName == "" {
			conn.InstitutionName = connecting.Institution.Name
		}
		f.metrics.RecordBankConnection("connected")
		f.logger.Info("bank connected",
			"connection_id", conn.ID,
			"institution", conn.InstitutionName,
			"accounts", len(conn.Accounts),
		)
		next = ConnectedStep{Connection: *conn}
		if f.proceed && f.newFunding != nil && len(conn.Accounts) > 0 {
			account := conn.Accounts[0]
			f.funding = f.newFunding(funding.Account{
				ID:   account.ID,
				Name: account.Name,
				Mask: account.Mask,
			})
		}
	}
	subs := f.setLocked(next)
	f.mu.Unlock()

	f.notify(subs, next)
}

func (f *Flow) expire(sessionID string) {
	f.mu.Lock()
	current, ok := f.step.(ConnectingStep)
	if f.closed || !ok || current.SessionID != sessionID {
		f.mu.Unlock()
		return
	}
	f.releaseLinkLocked()
	next := ErrorStep{Institution: current.Institution, Message: MessageLinkTimedOut}
	subs := f.setLocked(next)
	f.mu.Unlock()

	f.metrics.RecordBankConnection("timeout")
	f.logger.Warn("link session timed out", "session_id", sessionID, "timeout", f.linkTimeout)
	f.notify(subs, next)
}

// Cancel abandons a pending connection and returns to Search.
func (f *Flow) Cancel() (Step, error) {
	f.mu.Lock()
	if f.closed {
		defer f.mu.Unlock()
		return f.step, ErrClosed
	}
	if _, ok := f.step.(ConnectingStep); !ok {
		defer f.mu.Unlock()
		return f.step, ErrInvalidTransition
	}
	f.releaseLinkLocked()
	next := f.search
	subs := f.setLocked(next)
	f.mu.Unlock()

	f.metrics.RecordBankConnection("canceled")
	f.notify(subs, next)
	return next, nil
}

// Retry returns from ErrorStep to Search with the last results.
func (f *Flow) Retry() (Step, error) {
	f.mu.Lock()
	if f.closed {
		defer f.mu.Unlock()
		return f.step, ErrClosed
	}
	if _, ok := f.step.(ErrorStep); !ok {
		defer f.mu.Unlock()
		return f.step, ErrInvalidTransition
	}
	next := f.search
	subs := f.setLocked(next)
	f.mu.Unlock()

	f.notify(subs, next)
	return next, nil
}

// Close unregisters any pending widget listener, stops timers and discards
// results that arrive later. Close is idempotent.
func (f *Flow) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.stopSearchLocked()
	f.releaseLinkLocked()
	f.subs = make(map[int]func(Step))
	close(f.changed)
	f.mu.Unlock()

	f.cancel()
	f.metrics.RecordFlowChange("bank_connection", -1)
	f.logger.Debug("bank connection flow closed")
}

// Wait blocks until the flow reaches Connected or Error, the flow is closed
// or ctx is done.
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

// Subscribe registers fn to be called with every new step.
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

func (f *Flow) failPending(institution client.Institution, msg string) (Step, error) {
	f.mu.Lock()
	current, ok := f.step.(ConnectingStep)
	if f.closed {
		defer f.mu.Unlock()
		return f.step, ErrClosed
	}
	if !ok || current.SessionID != "" {
		defer f.mu.Unlock()
		return f.step, nil
	}
	next := ErrorStep{Institution: institution, Message: msg}
	subs := f.setLocked(next)
	f.mu.Unlock()

	f.notify(subs, next)
	return next, nil
}

// stopSearchLocked supersedes any pending or in-flight search.
func (f *Flow) stopSearchLocked() {
	f.searchGen++
	if f.searchTimer != nil {
		f.searchTimer.Stop()
		f.searchTimer = nil
	}
}

// releaseLinkLocked unregisters the widget listener and stops the link timer.
func (f *Flow) releaseLinkLocked() {
	if f.unregister != nil {
		f.unregister()
		f.unregister = nil
	}
	if f.linkTimer != nil {
		f.linkTimer.Stop()
		f.linkTimer = nil
	}
}

func (f *Flow) setLocked(step Step) []func(Step) {
	f.step = step
	close(f.changed)
	f.changed = make(chan struct{})

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
