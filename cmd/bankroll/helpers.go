package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/bankroll/client"
	"github.com/brojonat/bankroll/service/db"
	"github.com/brojonat/bankroll/service/temporal"
)

// cliLogger logs to stderr with --verbose and discards otherwise.
func cliLogger(c *cli.Context) *slog.Logger {
	if !c.Bool("verbose") {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// signalContext is canceled on interrupt.
func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

// Helper function to build a bankroll server client
func getBackendClient(c *cli.Context, needUser bool) (*client.Client, error) {
	serverURL := strings.TrimRight(c.String("server-url"), "/")
	if serverURL == "" {
		return nil, fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
	}
	userID := c.String("user-id")
	if needUser && userID == "" {
		return nil, fmt.Errorf("user-id is required (set BANKROLL_USER_ID env var or use --user-id)")
	}
	return client.NewClient(serverURL, userID, nil, cliLogger(c)), nil
}

// Helper function to build a payment processor client
func getProcessorClient(c *cli.Context) (*client.ProcessorClient, error) {
	baseURL := strings.TrimRight(c.String("processor-base-url"), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("processor-base-url is required (set PROCESSOR_BASE_URL env var or use --processor-base-url)")
	}
	return client.NewProcessorClient(client.ProcessorOptions{
		BaseURL: baseURL,
		APIKey:  c.String("processor-api-key"),
		Logger:  cliLogger(c),
	}), nil
}

// Helper function to build a fantasy read API client
func getFantasyClient(c *cli.Context) (*client.FantasyClient, error) {
	baseURL := strings.TrimRight(c.String("fantasy-base-url"), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("fantasy-base-url is required (set FANTASY_API_BASE_URL env var or use --fantasy-base-url)")
	}
	return client.NewFantasyClient(baseURL, nil, cliLogger(c)), nil
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(c.Context, dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(c.Context); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool, nil), pool.Close, nil
}

// Helper function to connect to Temporal
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("task-queue"),
		cliLogger(c),
	)
}

// Helper function to output JSON
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}
