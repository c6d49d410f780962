package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/bankroll/client"
)

// fakeFundingServer walks one funding session through the wizard. amountStep
// is returned for the amount submission.
func fakeFundingServer(t *testing.T, amountStep client.FundingSession, final client.FundingSession) (*httptest.Server, *atomic.Int32) {
	var waits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "u_1", r.Header.Get("X-User-ID"))

		switch r.Method + " " + r.URL.Path {
		case "POST /api/v1/funding":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "acct_1", body["account_id"])
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(client.FundingSession{ID: "fs_1", Step: "amount_entry", Balance: "500.00"})
		case "POST /api/v1/funding/fs_1/amount":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "25.00", body["amount"])
			json.NewEncoder(w).Encode(amountStep)
		case "POST /api/v1/funding/fs_1/confirm":
			json.NewEncoder(w).Encode(client.FundingSession{ID: "fs_1", Step: "processing", Amount: "25.00", TransferID: "tr_1"})
		case "GET /api/v1/funding/fs_1":
			assert.Equal(t, "10s", r.URL.Query().Get("wait"))
			// The first wait elapses without a change.
			if waits.Add(1) == 1 {
				json.NewEncoder(w).Encode(client.FundingSession{ID: "fs_1", Step: "processing", TransferID: "tr_1"})
				return
			}
			json.NewEncoder(w).Encode(final)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	return server, &waits
}

func TestDeposit_Success(t *testing.T) {
	server, waits := fakeFundingServer(t,
		client.FundingSession{ID: "fs_1", Step: "confirm", Amount: "25.00", DisplayAmount: "$25.00"},
		client.FundingSession{ID: "fs_1", Step: "success", DisplayAmount: "$25.00", TransferID: "tr_1", Terminal: true},
	)
	defer server.Close()

	out, err := runApp(t,
		"--server-url", server.URL,
		"--user-id", "u_1",
		"deposit", "--account-id", "acct_1", "--amount", "25.00",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "Step:         success")
	assert.Contains(t, out, "Amount:       $25.00")
	assert.Equal(t, int32(2), waits.Load())
}

func TestDeposit_TransferFailed(t *testing.T) {
	server, _ := fakeFundingServer(t,
		client.FundingSession{ID: "fs_1", Step: "confirm", Amount: "25.00"},
		client.FundingSession{
			ID:        "fs_1",
			Step:      "error",
			ErrorKind: "processor_failed",
			Message:   "Your transfer could not be completed. No funds were moved.",
			Terminal:  true,
		},
	)
	defer server.Close()

	out, err := runApp(t,
		"--server-url", server.URL,
		"--user-id", "u_1",
		"deposit", "--account-id", "acct_1", "--amount", "25.00",
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deposit ended error")
	assert.Contains(t, out, "No funds were moved")
}

func TestDeposit_AmountRejected(t *testing.T) {
	server, waits := fakeFundingServer(t,
		client.FundingSession{ID: "fs_1", Step: "amount_entry", Amount: "25.00", Message: "Amount exceeds available balance"},
		client.FundingSession{},
	)
	defer server.Close()

	_, err := runApp(t,
		"--server-url", server.URL,
		"--user-id", "u_1",
		"deposit", "--account-id", "acct_1", "--amount", "25.00",
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount rejected: Amount exceeds available balance")
	assert.Equal(t, int32(0), waits.Load())
}

func TestDeposit_RequiresUser(t *testing.T) {
	_, err := runApp(t, "--user-id=", "deposit", "--account-id", "acct_1", "--amount", "5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user-id is required")
}
