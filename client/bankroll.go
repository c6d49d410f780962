package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// FundingSession is the server's view of a funding flow.
type FundingSession struct {
	ID            string `json:"id"`
	Step          string `json:"step"`
	Amount        string `json:"amount,omitempty"`
	Balance       string `json:"balance,omitempty"`
	Message       string `json:"message,omitempty"`
	ErrorKind     string `json:"error_kind,omitempty"`
	TransferID    string `json:"transfer_id,omitempty"`
	DisplayAmount string `json:"display_amount,omitempty"`
	Terminal      bool   `json:"terminal"`
}

// Client is the HTTP client for the bankroll backend.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new bankroll backend client acting as userID.
func NewClient(baseURL, userID string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		userID:     userID,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Health returns the server's health report.
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	var health map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/health", nil, http.StatusOK, &health); err != nil {
		return nil, err
	}
	return health, nil
}

// StartFunding opens a funding flow for a linked account.
func (c *Client) StartFunding(ctx context.Context, accountID, accountName, mask string) (*FundingSession, error) {
	body := map[string]string{
		"account_id":   accountID,
		"account_name": accountName,
		"mask":         mask,
	}

	var session FundingSession
	if err := c.do(ctx, http.MethodPost, "/api/v1/funding", body, http.StatusCreated, &session); err != nil {
		return nil, err
	}

	c.logger.Debug("funding session started", "session_id", session.ID, "step", session.Step)
	return &session, nil
}

// GetFunding returns the current step of a funding flow.
func (c *Client) GetFunding(ctx context.Context, id string) (*FundingSession, error) {
	var session FundingSession
	if err := c.do(ctx, http.MethodGet, "/api/v1/funding/"+url.PathEscape(id), nil, http.StatusOK, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// WaitFunding is GetFunding that lets the server hold the request until the
// flow settles or wait elapses. The server caps wait at 10s.
func (c *Client) WaitFunding(ctx context.Context, id string, wait time.Duration) (*FundingSession, error) {
	var session FundingSession
	path := "/api/v1/funding/" + url.PathEscape(id) + "?wait=" + url.QueryEscape(wait.String())
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// SubmitAmount submits the raw amount input of a funding flow.
func (c *Client) SubmitAmount(ctx context.Context, id, amount string) (*FundingSession, error) {
	return c.fundingAction(ctx, id, "amount", map[string]string{"amount": amount})
}

// ConfirmFunding confirms the pending amount and starts the transfer.
func (c *Client) ConfirmFunding(ctx context.Context, id string) (*FundingSession, error) {
	return c.fundingAction(ctx, id, "confirm", nil)
}

// CloseFunding discards a funding flow.
func (c *Client) CloseFunding(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/funding/"+url.PathEscape(id), nil, http.StatusNoContent, nil)
}

func (c *Client) fundingAction(ctx context.Context, id, action string, body interface{}) (*FundingSession, error) {
	var session FundingSession
	path := "/api/v1/funding/" + url.PathEscape(id) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, body, http.StatusOK, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetPlayer looks up one player in the server's directory cache.
func (c *Client) GetPlayer(ctx context.Context, playerID string) (*Player, error) {
	var player Player
	if err := c.do(ctx, http.MethodGet, "/api/v1/players/"+url.PathEscape(playerID), nil, http.StatusOK, &player); err != nil {
		return nil, err
	}
	return &player, nil
}

// InvalidatePlayers drops the server's cached player directory.
func (c *Client) InvalidatePlayers(ctx context.Context) error {
	if err := c.do(ctx, http.MethodDelete, "/api/v1/players", nil, http.StatusNoContent, nil); err != nil {
		return err
	}
	c.logger.Debug("player directory invalidated")
	return nil
}

// PendingDeposits returns the number of the user's deposits still in flight.
func (c *Client) PendingDeposits(ctx context.Context) (int, error) {
	var response struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/badges/pending-deposits", nil, http.StatusOK, &response); err != nil {
		return 0, err
	}
	return response.Count, nil
}

func (c *Client) do(ctx context.Context, method, path string, in interface{}, wantStatus int, out interface{}) error {
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
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
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
