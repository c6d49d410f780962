package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runApp runs the CLI with args and returns what it wrote to stdout.
func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &errOut
	err := app.Run(append([]string{"bankroll"}, args...))
	return out.String(), err
}

func TestHealthCommand_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"checks": map[string]string{"postgres": "ok"},
		})
	}))
	defer server.Close()

	out, err := runApp(t, "--server-url", server.URL, "server", "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server is healthy (status: ok)")
	assert.Contains(t, out, "  postgres  ok")
}

func TestHealthCommand_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "degraded",
			"checks": map[string]string{"redis": "unavailable"},
		})
	}))
	defer server.Close()

	_, err := runApp(t, "--server-url", server.URL, "server", "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unhealthy status: 503")
}

func TestHealthCommand_MissingServerURL(t *testing.T) {
	_, err := runApp(t, "--server-url=", "server", "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server-url is required")
}

func TestPrintChecks(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printChecks(&out, map[string]interface{}{
		"redis":    "ok",
		"postgres": "ok",
	}))
	assert.Equal(t, "  postgres  ok\n  redis     ok\n", out.String())
}

func TestVersionCommand(t *testing.T) {
	version, commit, date = "1.0.0", "abc123", "2025-10-10"

	out, err := runApp(t, "server", "version")
	require.NoError(t, err)
	assert.Equal(t, "bankroll 1.0.0 (commit abc123, built 2025-10-10)\n", out)

	out, err = runApp(t, "--json", "server", "version")
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "abc123", info["commit"])
}
