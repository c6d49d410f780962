package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/bankroll/client"
	"github.com/brojonat/bankroll/service/db"
	"github.com/brojonat/bankroll/service/transfer"
	"github.com/brojonat/bankroll/service/uistate"
)

const widgetOrigin = "https://link.example.com"

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

func (m *mockProcessor) SearchInstitutions(ctx context.Context, query string, limit int) ([]client.Institution, error) {
	args := m.Called(ctx, query, limit)
	results, _ := args.Get(0).([]client.Institution)
	return results, args.Error(1)
}

func (m *mockProcessor) CreateLinkSession(ctx context.Context, institutionID string) (*client.LinkSession, error) {
	args := m.Called(ctx, institutionID)
	s, _ := args.Get(0).(*client.LinkSession)
	return s, args.Error(1)
}

func (m *mockProcessor) ExchangeLinkToken(ctx context.Context, sessionID, publicToken string) (*client.BankConnection, error) {
	args := m.Called(ctx, sessionID, publicToken)
	c, _ := args.Get(0).(*client.BankConnection)
	return c, args.Error(1)
}

// capturePoller hands outcome callbacks to the test instead of polling.
type capturePoller struct {
	mu  sync.Mutex
	fns map[string]func(transfer.Outcome)
}

func (p *capturePoller) Start(ctx context.Context, transferID string, fn func(transfer.Outcome)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fns == nil {
		p.fns = make(map[string]func(transfer.Outcome))
	}
	p.fns[transferID] = fn
	return func() {}
}

func (p *capturePoller) deliver(o transfer.Outcome) {
	p.mu.Lock()
	fn := p.fns[o.TransferID]
	p.mu.Unlock()
	fn(o)
}

type fakeDirectory struct {
	mu          sync.Mutex
	players     map[string]client.Player
	err         error
	invalidated int
}

func (d *fakeDirectory) Lookup(ctx context.Context, id string) (client.Player, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return client.Player{}, false, d.err
	}
	p, ok := d.players[id]
	return p, ok, nil
}

func (d *fakeDirectory) Invalidate(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invalidated++
	return nil
}

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

type testEnv struct {
	handler   http.Handler
	sessions  *Sessions
	proc      *mockProcessor
	poller    *capturePoller
	directory *fakeDirectory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	proc := &mockProcessor{}
	poller := &capturePoller{}
	sessions := NewSessions(SessionOptions{
		Processor:            proc,
		Poller:               poller,
		DestinationAccountID: "wallet-1",
		WidgetOrigin:         widgetOrigin,
		SearchDebounce:       time.Millisecond,
		Logger:               logger,
	})
	t.Cleanup(sessions.Close)

	directory := &fakeDirectory{players: map[string]client.Player{
		"4046": {PlayerID: "4046", FirstName: "Patrick", LastName: "Mahomes", Position: "QB", Team: "KC"},
	}}
	srv := New(":0", Dependencies{
		Sessions:  sessions,
		Directory: directory,
		Nudges:    uistate.NewNudges(db.NewMemoryKV(), logger),
		Checks:    map[string]Pinger{"kv": fakePinger{}},
	}, nil, logger)

	return &testEnv{
		handler:   srv.Handler(),
		sessions:  sessions,
		proc:      proc,
		poller:    poller,
		directory: directory,
	}
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeSession(t *testing.T, w *httptest.ResponseRecorder) client.FundingSession {
	t.Helper()
	var session client.FundingSession
	require.NoError(t, json.NewDecoder(w.Body).Decode(&session))
	return session
}

func decodeConnection(t *testing.T, w *httptest.ResponseRecorder) connectionSession {
	t.Helper()
	var session connectionSession
	require.NoError(t, json.NewDecoder(w.Body).Decode(&session))
	return session
}

func testBalance(available string) *client.Balance {
	d := decimal.RequireFromString(available)
	return &client.Balance{AccountID: "acct_1", Available: d, Current: d, Currency: "USD"}
}

func startFunding(t *testing.T, e *testEnv, userID string) client.FundingSession {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/funding", userID, map[string]string{
		"account_id":   "acct_1",
		"account_name": "Checking",
		"mask":         "0000",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeSession(t, w)
}

func TestFunding_DepositLifecycle(t *testing.T) {
	e := newTestEnv(t)
	e.proc.On("GetBalance", mock.Anything, "acct_1").Return(testBalance("1000"), nil)
	e.proc.On("CreateTransfer", mock.Anything, mock.MatchedBy(func(req client.CreateTransferRequest) bool {
		return req.SourceAccountID == "acct_1" &&
			req.DestinationAccountID == "wallet-1" &&
			req.Amount.Equal(decimal.NewFromInt(50))
	})).Return(&client.Transfer{ID: "T1", Status: client.TransferStatusPending}, nil).Once()

	session := startFunding(t, e, "user-1")
	assert.Equal(t, "amount_entry", session.Step)
	assert.Equal(t, "1000.00", session.Balance)
	assert.False(t, session.Terminal)

	w := e.do(t, http.MethodPost, "/api/v1/funding/"+session.ID+"/amount", "user-1", map[string]string{"amount": "50"})
	require.Equal(t, http.StatusOK, w.Code)
	confirm := decodeSession(t, w)
	assert.Equal(t, "confirm", confirm.Step)
	assert.Equal(t, "$50.00", confirm.DisplayAmount)

	w = e.do(t, http.MethodPost, "/api/v1/funding/"+session.ID+"/confirm", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	processing := decodeSession(t, w)
	assert.Equal(t, "processing", processing.Step)
	assert.Equal(t, "T1", processing.TransferID)

	w = e.do(t, http.MethodGet, "/api/v1/badges/pending-deposits", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":1}`, w.Body.String())

	w = e.do(t, http.MethodPost, "/api/v1/funding/"+session.ID+"/confirm", "user-1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "already processing")

	e.poller.deliver(transfer.Outcome{
		Kind:       transfer.OutcomeCompleted,
		TransferID: "T1",
		Transfer:   &client.Transfer{ID: "T1", Status: client.TransferStatusCompleted, Amount: decimal.NewFromInt(50)},
		Attempts:   1,
	})

	w = e.do(t, http.MethodGet, "/api/v1/funding/"+session.ID+"?wait=1s", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	done := decodeSession(t, w)
	assert.Equal(t, "success", done.Step)
	assert.Equal(t, "$50.00", done.DisplayAmount)
	assert.True(t, done.Terminal)

	assert.Equal(t, 0, e.sessions.Badges().For("user-1").Value())
	e.proc.AssertNumberOfCalls(t, "CreateTransfer", 1)
}

func TestFunding_ValidationMessageStaysOnAmountEntry(t *testing.T) {
	e := newTestEnv(t)
	e.proc.On("GetBalance", mock.Anything, "acct_1").Return(testBalance("1000"), nil)
	session := startFunding(t, e, "user-1")

	w := e.do(t, http.MethodPost, "/api/v1/funding/"+session.ID+"/amount", "user-1", map[string]string{"amount": "0.50"})
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeSession(t, w)
	assert.Equal(t, "amount_entry", got.Step)
	assert.Equal(t, "0.50", got.Amount)
	assert.NotEmpty(t, got.Message)
}

func TestFunding_InvalidTransition(t *testing.T) {
	e := newTestEnv(t)
	e.proc.On("GetBalance", mock.Anything, "acct_1").Return(testBalance("1000"), nil)
	session := startFunding(t, e, "user-1")

	for _, action := range []string{"confirm", "back", "retry"} {
		w := e.do(t, http.MethodPost, "/api/v1/funding/"+session.ID+"/"+action, "user-1", nil)
		assert.Equal(t, http.StatusConflict, w.Code, action)
	}
	e.proc.AssertNotCalled(t, "CreateTransfer", mock.Anything, mock.Anything)
}

func TestFunding_UnavailableRefusesRetry(t *testing.T) {
	e := newTestEnv(t)
	e.proc.On("GetBalance", mock.Anything, "acct_1").Return(nil, client.ErrUnavailable)

	session := startFunding(t, e, "user-1")
	assert.Equal(t, "error", session.Step)
	assert.Equal(t, "unavailable", session.ErrorKind)

	w := e.do(t, http.MethodPost, "/api/v1/funding/"+session.ID+"/retry", "user-1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestFunding_RequestErrors(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name       string
		userID     string
		body       string
		wantStatus int
		wantError  string
	}{
		{
			name:       "missing user",
			body:       `{"account_id":"acct_1"}`,
			wantStatus: http.StatusUnauthorized,
			wantError:  "missing X-User-ID header",
		},
		{
			name:       "malformed JSON",
			userID:     "user-1",
			body:       `{"account_id":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid request body",
		},
		{
			name:       "body too large",
			userID:     "user-1",
			body:       `{"account_id":"` + strings.Repeat("a", 2<<20) + `"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "request body too large",
		},
		{
			name:       "missing account",
			userID:     "user-1",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "account_id is required",
		},
		{
			name:       "account with control characters",
			userID:     "user-1",
			body:       `{"account_id":"acct\u0000_1"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "control characters",
		},
		{
			name:       "account with path characters",
			userID:     "user-1",
			body:       `{"account_id":"../../admin"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid account_id format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, "/api/v1/funding", tt.userID, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantError)
		})
	}
}

func TestFunding_OtherUsersFlowIsNotFound(t *testing.T) {
	e := newTestEnv(t)
	e.proc.On("GetBalance", mock.Anything, "acct_1").Return(testBalance("1000"), nil)
	session := startFunding(t, e, "user-1")

	w := e.do(t, http.MethodGet, "/api/v1/funding/"+session.ID, "user-2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodDelete, "/api/v1/funding/"+session.ID, "user-2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/funding/"+session.ID, "user-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestFunding_NewFlowReplacesPrevious(t *testing.T) {
	e := newTestEnv(t)
	e.proc.On("GetBalance", mock.Anything, "acct_1").Return(testBalance("1000"), nil)

	first := startFunding(t, e, "user-1")
	second := startFunding(t, e, "user-1")
	require.NotEqual(t, first.ID, second.ID)

	w := e.do(t, http.MethodGet, "/api/v1/funding/"+first.ID, "user-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = e.do(t, http.MethodGet, "/api/v1/funding/"+second.ID, "user-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestFunding_CloseWhileProcessingClearsBadge(t *testing.T) {
	e := newTestEnv(t)
	e.proc.On("GetBalance", mock.Anything, "acct_1").Return(testBalance("1000"), nil)
	e.proc.On("CreateTransfer", mock.Anything, mock.Anything).
		Return(&client.Transfer{ID: "T1", Status: client.TransferStatusPending}, nil)

	session := startFunding(t, e, "user-1")
	e.do(t, http.MethodPost, "/api/v1/funding/"+session.ID+"/amount", "user-1", map[string]string{"amount": "25"})
	w := e.do(t, http.MethodPost, "/api/v1/funding/"+session.ID+"/confirm", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, e.sessions.Badges().For("user-1").Value())

	w = e.do(t, http.MethodDelete, "/api/v1/funding/"+session.ID, "user-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, e.sessions.Badges().For("user-1").Value())

	// A late outcome for the closed flow changes nothing.
	e.poller.deliver(transfer.Outcome{Kind: transfer.OutcomeCompleted, TransferID: "T1"})
	assert.Equal(t, 0, e.sessions.Badges().For("user-1").Value())

	w = e.do(t, http.MethodGet, "/api/v1/funding/"+session.ID, "user-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFunding_StreamEndsOnTerminalStep(t *testing.T) {
	e := newTestEnv(t)
	e.proc.On("GetBalance", mock.Anything, "acct_1").Return(nil, client.ErrUnavailable)
	session := startFunding(t, e, "user-1")

	w := e.do(t, http.MethodGet, "/api/v1/funding/"+session.ID+"/events", "user-1", nil)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "event: step\n")
	assert.Contains(t, body, `"step":"error"`)
	assert.Equal(t, 1, strings.Count(body, "event: step"))
}

func TestConnection_ProceedsToFunding(t *testing.T) {
	e := newTestEnv(t)
	institution := client.Institution{ID: "ins_1", Name: "First Platypus Bank"}
	e.proc.On("SearchInstitutions", mock.Anything, "platypus", 10).Return([]client.Institution{institution}, nil)
	e.proc.On("CreateLinkSession", mock.Anything, "ins_1").
		Return(&client.LinkSession{ID: "link_1", LinkURL: widgetOrigin + "/s/link_1"}, nil)
	e.proc.On("ExchangeLinkToken", mock.Anything, "link_1", "public-token").Return(&client.BankConnection{
		ID:            "conn_1",
		InstitutionID: "ins_1",
		Accounts:      []client.LinkedAccount{{ID: "acct_1", Name: "Checking", Mask: "0000"}},
	}, nil)
	e.proc.On("GetBalance", mock.Anything, "acct_1").Return(testBalance("500"), nil)

	w := e.do(t, http.MethodPost, "/api/v1/connections", "user-1", map[string]bool{"proceed_to_funding": true})
	require.Equal(t, http.StatusCreated, w.Code)
	conn := decodeConnection(t, w)
	assert.Equal(t, "search", conn.Step)

	w = e.do(t, http.MethodPost, "/api/v1/connections/"+conn.ID+"/search", "user-1", map[string]string{"query": "platypus"})
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		w := e.do(t, http.MethodGet, "/api/v1/connections/"+conn.ID, "user-1", nil)
		got := decodeConnection(t, w)
		return !got.Searching && len(got.Results) == 1
	}, time.Second, 5*time.Millisecond)

	w = e.do(t, http.MethodPost, "/api/v1/connections/"+conn.ID+"/connect", "user-1", institution)
	require.Equal(t, http.StatusOK, w.Code)
	connecting := decodeConnection(t, w)
	assert.Equal(t, "connecting", connecting.Step)
	assert.Equal(t, "link_1", connecting.SessionID)

	message := map[string]string{"session_id": "link_1", "type": "link.success", "public_token": "public-token"}

	// Messages from anywhere but the widget are ignored.
	w = e.do(t, http.MethodPost, "/api/v1/connections/"+conn.ID+"/messages", "user-1", message, "Origin", "https://evil.example.com")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "connecting", decodeConnection(t, w).Step)
	e.proc.AssertNotCalled(t, "ExchangeLinkToken", mock.Anything, mock.Anything, mock.Anything)

	w = e.do(t, http.MethodPost, "/api/v1/connections/"+conn.ID+"/messages", "user-1", message, "Origin", widgetOrigin)
	require.Equal(t, http.StatusOK, w.Code)
	connected := decodeConnection(t, w)
	assert.Equal(t, "connected", connected.Step)
	require.NotNil(t, connected.Connection)
	assert.Equal(t, "conn_1", connected.Connection.ID)
	assert.Equal(t, "First Platypus Bank", connected.Connection.InstitutionName)
	require.NotEmpty(t, connected.FundingID)

	require.Eventually(t, func() bool {
		w := e.do(t, http.MethodGet, "/api/v1/funding/"+connected.FundingID, "user-1", nil)
		return w.Code == http.StatusOK && decodeSession(t, w).Balance == "500.00"
	}, time.Second, 5*time.Millisecond)

	// The link session is gone once the widget has reported.
	w = e.do(t, http.MethodPost, "/api/v1/connections/"+conn.ID+"/messages", "user-1", message, "Origin", widgetOrigin)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Closing the connection keeps the funding flow it handed off.
	w = e.do(t, http.MethodDelete, "/api/v1/connections/"+conn.ID, "user-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = e.do(t, http.MethodGet, "/api/v1/funding/"+connected.FundingID, "user-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConnection_CancelAndRetry(t *testing.T) {
	e := newTestEnv(t)
	e.proc.On("CreateLinkSession", mock.Anything, "ins_1").Return(nil, errors.New("boom")).Once()
	e.proc.On("CreateLinkSession", mock.Anything, "ins_1").
		Return(&client.LinkSession{ID: "link_2", LinkURL: widgetOrigin + "/s/link_2"}, nil).Once()

	w := e.do(t, http.MethodPost, "/api/v1/connections", "user-1", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	conn := decodeConnection(t, w)

	institution := client.Institution{ID: "ins_1", Name: "First Platypus Bank"}
	w = e.do(t, http.MethodPost, "/api/v1/connections/"+conn.ID+"/connect", "user-1", institution)
	require.Equal(t, http.StatusOK, w.Code)
	failed := decodeConnection(t, w)
	assert.Equal(t, "error", failed.Step)
	assert.True(t, failed.Terminal)

	w = e.do(t, http.MethodPost, "/api/v1/connections/"+conn.ID+"/cancel", "user-1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/connections/"+conn.ID+"/retry", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "search", decodeConnection(t, w).Step)

	w = e.do(t, http.MethodPost, "/api/v1/connections/"+conn.ID+"/connect", "user-1", institution)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "connecting", decodeConnection(t, w).Step)

	w = e.do(t, http.MethodPost, "/api/v1/connections/"+conn.ID+"/cancel", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "search", decodeConnection(t, w).Step)
	assert.Equal(t, 0, e.sessions.Hub().Len())
}

func TestConnection_ConnectRequiresInstitution(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/api/v1/connections", "user-1", nil)
	conn := decodeConnection(t, w)

	w = e.do(t, http.MethodPost, "/api/v1/connections/"+conn.ID+"/connect", "user-1", `{"name":"No ID Bank"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "institution id is required")
}

func TestPlayers(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/api/v1/players/4046", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var player client.Player
	require.NoError(t, json.NewDecoder(w.Body).Decode(&player))
	assert.Equal(t, "Patrick Mahomes", player.DisplayName())

	w = e.do(t, http.MethodGet, "/api/v1/players/9999", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodDelete, "/api/v1/players", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, e.directory.invalidated)

	e.directory.mu.Lock()
	e.directory.err = errors.New("fantasy api down")
	e.directory.mu.Unlock()
	w = e.do(t, http.MethodGet, "/api/v1/players/4046", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestNudges(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/api/v1/nudges/link-bank", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"name":"link-bank","show":true}`, w.Body.String())

	w = e.do(t, http.MethodPost, "/api/v1/nudges/link-bank", "user-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/nudges/link-bank?every=1h", "user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Show      bool      `json:"show"`
		LastShown time.Time `json:"last_shown"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Show)
	assert.WithinDuration(t, time.Now(), resp.LastShown, time.Minute)

	// Nudges are per user.
	w = e.do(t, http.MethodGet, "/api/v1/nudges/link-bank", "user-2", nil)
	assert.JSONEq(t, `{"name":"link-bank","show":true}`, w.Body.String())

	w = e.do(t, http.MethodGet, "/api/v1/nudges/link-bank?every=soon", "user-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"kv":"ok"}}`, w.Body.String())

	srv := New(":0", Dependencies{
		Sessions: NewSessions(SessionOptions{}),
		Checks:   map[string]Pinger{"postgres": fakePinger{err: errors.New("connection refused")}},
	}, nil, nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"degraded","checks":{"postgres":"unavailable"}}`, w.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodOptions, "/api/v1/funding", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-User-ID")
}
