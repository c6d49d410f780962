package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned when the payment integration is not configured,
// disabled, or short-circuited by the circuit breaker after repeated failures.
var ErrUnavailable = errors.New("payment processor unavailable")

// APIError is an unexpected status from a remote API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// ProcessorOptions configures a ProcessorClient.
type ProcessorOptions struct {
	BaseURL string
	APIKey  string
	// Disabled short-circuits every call with ErrUnavailable.
	Disabled bool

	HTTPClient *http.Client
	Logger     *slog.Logger

	// BreakerFailures consecutive failures open the breaker for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// ProcessorClient is the HTTP client for the payment processor: account
// linking, balances, transfer creation and transfer status.
type ProcessorClient struct {
	baseURL    string
	apiKey     string
	disabled   bool
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// NewProcessorClient creates a new processor client.
func NewProcessorClient(opts ProcessorOptions) *ProcessorClient {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown == 0 {
		opts.BreakerCooldown = 30 * time.Second
	}

	logger := opts.Logger
	failures := opts.BreakerFailures

	return &ProcessorClient{
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		disabled:   opts.Disabled || opts.BaseURL == "",
		httpClient: opts.HTTPClient,
		logger:     logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "processor",
			MaxRequests: 1,
			Timeout:     opts.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			// 4xx responses are the caller's problem, not an outage.
			IsSuccessful: func(err error) bool {
				var apiErr *APIError
				if errors.As(err, &apiErr) {
					return apiErr.StatusCode < 500
				}
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		}),
	}
}

// CreateTransfer asks the processor to move funds into the wallet.
func (c *ProcessorClient) CreateTransfer(ctx context.Context, req CreateTransferRequest) (*Transfer, error) {
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers["Idempotency-Key"] = req.IdempotencyKey
	}

	var transfer Transfer
	if err := c.do(ctx, http.MethodPost, "/v1/transfers", req, headers, http.StatusCreated, &transfer); err != nil {
		return nil, err
	}

	c.logger.Debug("transfer created",
		"transfer_id", transfer.ID,
		"amount", transfer.Amount.String(),
		"status", transfer.Status,
	)
	return &transfer, nil
}

// GetTransfer retrieves the current state of a transfer by its processor ID.
func (c *ProcessorClient) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	var transfer Transfer
	path := "/v1/transfers/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, http.StatusOK, &transfer); err != nil {
		return nil, err
	}
	if transfer.Status == "" {
		return nil, fmt.Errorf("failed to decode response: transfer %s has no status", id)
	}
	return &transfer, nil
}

// GetBalance retrieves the available balance of a linked account.
func (c *ProcessorClient) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	var balance Balance
	path := "/v1/accounts/" + url.PathEscape(accountID) + "/balance"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, http.StatusOK, &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}

// SearchInstitutions returns at most limit institutions matching query.
func (c *ProcessorClient) SearchInstitutions(ctx context.Context, query string, limit int) ([]Institution, error) {
	params := url.Values{}
	params.Set("q", query)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var response struct {
		Institutions []Institution `json:"institutions"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/institutions?"+params.Encode(), nil, nil, http.StatusOK, &response); err != nil {
		return nil, err
	}
	if limit > 0 && len(response.Institutions) > limit {
		response.Institutions = response.Institutions[:limit]
	}
	return response.Institutions, nil
}

// CreateLinkSession starts a linking handshake for an institution.
func (c *ProcessorClient) CreateLinkSession(ctx context.Context, institutionID string) (*LinkSession, error) {
	body := map[string]string{"institution_id": institutionID}

	var session LinkSession
	if err := c.do(ctx, http.MethodPost, "/v1/link/sessions", body, nil, http.StatusCreated, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ExchangeLinkToken trades the widget's public token for a bank connection.
func (c *ProcessorClient) ExchangeLinkToken(ctx context.Context, sessionID, publicToken string) (*BankConnection, error) {
	body := map[string]string{"public_token": publicToken}
	path := "/v1/link/sessions/" + url.PathEscape(sessionID) + "/exchange"

	var conn BankConnection
	if err := c.do(ctx, http.MethodPost, path, body, nil, http.StatusOK, &conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

// do executes one request through the circuit breaker and decodes the JSON response.
func (c *ProcessorClient) do(ctx context.Context, method, path string, in interface{}, headers map[string]string, wantStatus int, out interface{}) error {
	if c.disabled {
		return ErrUnavailable
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, in, headers, wantStatus, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.logger.Warn("processor call short-circuited", "method", method, "path", path)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (c *ProcessorClient) roundTrip(ctx context.Context, method, path string, in interface{}, headers map[string]string, wantStatus int, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return parseErrorResponse(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
