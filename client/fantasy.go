package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// FantasyClient reads public fantasy sports data. No auth is required.
type FantasyClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewFantasyClient creates a new fantasy read API client.
func NewFantasyClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *FantasyClient {
	if httpClient == nil {
		// The full player directory is several megabytes.
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &FantasyClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Players fetches the full player directory for a sport, keyed by player ID.
func (c *FantasyClient) Players(ctx context.Context, sport string) (map[string]Player, error) {
	var players map[string]Player
	if err := c.get(ctx, "/v1/players/"+url.PathEscape(sport), &players); err != nil {
		return nil, err
	}
	for id, p := range players {
		if p.PlayerID == "" {
			p.PlayerID = id
			players[id] = p
		}
	}

	c.logger.Debug("player directory fetched", "sport", sport, "count", len(players))
	return players, nil
}

// League fetches a league by ID.
func (c *FantasyClient) League(ctx context.Context, leagueID string) (*League, error) {
	var league League
	if err := c.get(ctx, "/v1/league/"+url.PathEscape(leagueID), &league); err != nil {
		return nil, err
	}
	return &league, nil
}

// Rosters fetches all rosters of a league.
func (c *FantasyClient) Rosters(ctx context.Context, leagueID string) ([]Roster, error) {
	var rosters []Roster
	if err := c.get(ctx, "/v1/league/"+url.PathEscape(leagueID)+"/rosters", &rosters); err != nil {
		return nil, err
	}
	return rosters, nil
}

func (c *FantasyClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
