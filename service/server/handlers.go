package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/bankroll/client"
	"github.com/brojonat/bankroll/service/bankconn"
	"github.com/brojonat/bankroll/service/funding"
	"github.com/brojonat/bankroll/service/uistate"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxIdentifierLen   = 128
	maxQueryLen        = 200
	maxWait            = 10 * time.Second
	defaultNudgeEvery  = 24 * time.Hour

	userHeader = "X-User-ID"
)

var validIdentifierRegex = regexp.MustCompile(`^[A-Za-z0-9_.:@-]+$`)

// Directory is the player lookup surface of the directory cache.
type Directory interface {
	Lookup(ctx context.Context, playerID string) (client.Player, bool, error)
	Invalidate(ctx context.Context) error
}

// requireUser returns the caller's user id. The upstream gateway
// authenticates the user and sets the header.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(userHeader))
	if userID == "" {
		writeError(w, "missing "+userHeader+" header", http.StatusUnauthorized)
		return "", false
	}
	if err := validateIdentifier("user id", userID); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched when allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, allowEmpty bool, logger *slog.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}

	logger.Debug("failed to decode request body", "path", r.URL.Path, "error", err)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
		return false
	}
	writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
	return false
}

// writeFlowError maps a flow action error to a response.
func writeFlowError(w http.ResponseWriter, err error, logger *slog.Logger) {
	switch {
	case errors.Is(err, funding.ErrAlreadyProcessing):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, funding.ErrInvalidTransition), errors.Is(err, bankconn.ErrInvalidTransition):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, funding.ErrClosed), errors.Is(err, bankconn.ErrClosed):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, funding.ErrUnavailable):
		writeError(w, funding.MessageUnavailable, http.StatusServiceUnavailable)
	default:
		logger.Error("flow action failed", "error", err)
		writeError(w, "internal server error", http.StatusInternalServerError)
	}
}

// handleStartFunding opens a funding flow and reads the source balance.
// POST /api/v1/funding
func handleStartFunding(sessions *Sessions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req struct {
			AccountID   string `json:"account_id"`
			AccountName string `json:"account_name"`
			Mask        string `json:"mask"`
		}
		if !decodeBody(w, r, &req, false, logger) {
			return
		}
		if err := validateIdentifier("account_id", req.AccountID); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		f := sessions.StartFunding(userID, funding.Account{
			ID:   req.AccountID,
			Name: req.AccountName,
			Mask: req.Mask,
		})
		step, err := f.Begin(r.Context())
		if err != nil {
			writeFlowError(w, err, logger)
			return
		}

		logger.Info("funding flow started",
			"user_id", userID,
			"flow_id", f.ID(),
			"account_id", req.AccountID,
		)
		writeJSON(w, fundingView(f.ID(), step), http.StatusCreated)
	})
}

// handleGetFunding returns the current step. With ?wait=10s it blocks
// until the flow settles or the wait elapses.
// GET /api/v1/funding/{id}
func handleGetFunding(sessions *Sessions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		f, ok := sessions.Funding(userID, r.PathValue("id"))
		if !ok {
			writeError(w, "funding session not found", http.StatusNotFound)
			return
		}

		wait, err := parseWait(r.URL.Query().Get("wait"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		step := f.Step()
		if wait > 0 && !step.Terminal() {
			ctx, cancel := context.WithTimeout(r.Context(), wait)
			step, _ = f.Wait(ctx)
			cancel()
		}
		writeJSON(w, fundingView(f.ID(), step), http.StatusOK)
	})
}

// handleFundingAction runs one wizard action on a funding flow.
// POST /api/v1/funding/{id}/{action}
func handleFundingAction(sessions *Sessions, action string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		f, ok := sessions.Funding(userID, r.PathValue("id"))
		if !ok {
			writeError(w, "funding session not found", http.StatusNotFound)
			return
		}

		var (
			step funding.Step
			err  error
		)
		switch action {
		case "amount":
			var req struct {
				Amount string `json:"amount"`
			}
			if !decodeBody(w, r, &req, false, logger) {
				return
			}
			step, err = f.SubmitAmount(req.Amount)
		case "back":
			step, err = f.Back()
		case "confirm":
			// Money may move; a dropped connection must not abandon the request.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 30*time.Second)
			step, err = f.Confirm(ctx)
			cancel()
		case "retry":
			step, err = f.Retry(r.Context())
		default:
			writeError(w, "unknown action", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Debug("funding action refused",
				"flow_id", f.ID(),
				"action", action,
				"step", step.Name(),
				"error", err,
			)
			writeFlowError(w, err, logger)
			return
		}

		writeJSON(w, fundingView(f.ID(), step), http.StatusOK)
	})
}

// handleCloseFunding discards a funding flow.
// DELETE /api/v1/funding/{id}
func handleCloseFunding(sessions *Sessions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		id := r.PathValue("id")
		if !sessions.CloseFunding(userID, id) {
			writeError(w, "funding session not found", http.StatusNotFound)
			return
		}
		logger.Info("funding flow closed", "user_id", userID, "flow_id", id)
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleStartConnection opens a bank connection flow.
// POST /api/v1/connections
func handleStartConnection(sessions *Sessions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req struct {
			ProceedToFunding bool `json:"proceed_to_funding"`
		}
		if !decodeBody(w, r, &req, true, logger) {
			return
		}

		f := sessions.StartConnection(userID, req.ProceedToFunding)
		logger.Info("bank connection flow started",
			"user_id", userID,
			"flow_id", f.ID(),
			"proceed_to_funding", req.ProceedToFunding,
		)
		writeJSON(w, connectionView(f, f.Step()), http.StatusCreated)
	})
}

// handleGetConnection returns the current step of a connection flow.
// GET /api/v1/connections/{id}
func handleGetConnection(sessions *Sessions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		f, ok := sessions.Connection(userID, r.PathValue("id"))
		if !ok {
			writeError(w, "connection session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, connectionView(f, f.Step()), http.StatusOK)
	})
}

// handleConnectionAction runs one wizard action on a connection flow.
// POST /api/v1/connections/{id}/{action}
func handleConnectionAction(sessions *Sessions, action string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		f, ok := sessions.Connection(userID, r.PathValue("id"))
		if !ok {
			writeError(w, "connection session not found", http.StatusNotFound)
			return
		}

		var (
			step bankconn.Step
			err  error
		)
		switch action {
		case "search":
			var req struct {
				Query string `json:"query"`
			}
			if !decodeBody(w, r, &req, false, logger) {
				return
			}
			if len(req.Query) > maxQueryLen {
				writeError(w, fmt.Sprintf("query too long: maximum length is %d characters", maxQueryLen), http.StatusBadRequest)
				return
			}
			step, err = f.Search(req.Query)
		case "connect":
			var institution client.Institution
			if !decodeBody(w, r, &institution, false, logger) {
				return
			}
			if err := validateIdentifier("institution id", institution.ID); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			step, err = f.Connect(r.Context(), institution)
		case "cancel":
			step, err = f.Cancel()
		case "retry":
			step, err = f.Retry()
		default:
			writeError(w, "unknown action", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Debug("connection action refused",
				"flow_id", f.ID(),
				"action", action,
				"error", err,
			)
			writeFlowError(w, err, logger)
			return
		}

		writeJSON(w, connectionView(f, step), http.StatusOK)
	})
}

// handleWidgetMessage relays a linking widget callback to the flow waiting
// on its link session. The flow checks the Origin header.
// POST /api/v1/connections/{id}/messages
func handleWidgetMessage(sessions *Sessions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		f, ok := sessions.Connection(userID, r.PathValue("id"))
		if !ok {
			writeError(w, "connection session not found", http.StatusNotFound)
			return
		}

		var msg bankconn.Message
		if !decodeBody(w, r, &msg, false, logger) {
			return
		}
		if msg.SessionID == "" {
			writeError(w, "session_id is required", http.StatusBadRequest)
			return
		}
		connecting, ok := f.Step().(bankconn.ConnectingStep)
		if !ok || connecting.SessionID != msg.SessionID {
			writeError(w, "no pending link session", http.StatusNotFound)
			return
		}

		msg.Origin = r.Header.Get("Origin")
		if !sessions.Hub().Dispatch(msg) {
			writeError(w, "no pending link session", http.StatusNotFound)
			return
		}

		logger.Debug("widget message dispatched",
			"flow_id", f.ID(),
			"session_id", msg.SessionID,
			"type", msg.Type,
		)
		writeJSON(w, connectionView(f, f.Step()), http.StatusOK)
	})
}

// handleCloseConnection discards a connection flow.
// DELETE /api/v1/connections/{id}
func handleCloseConnection(sessions *Sessions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		id := r.PathValue("id")
		if !sessions.CloseConnection(userID, id) {
			writeError(w, "connection session not found", http.StatusNotFound)
			return
		}
		logger.Info("bank connection flow closed", "user_id", userID, "flow_id", id)
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleGetPlayer looks a player up in the directory cache.
// GET /api/v1/players/{id}
func handleGetPlayer(directory Directory, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		playerID := r.PathValue("id")
		if err := validateIdentifier("player id", playerID); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		player, found, err := directory.Lookup(r.Context(), playerID)
		if err != nil {
			logger.Error("player directory unavailable", "player_id", playerID, "error", err)
			writeError(w, "player directory unavailable", http.StatusServiceUnavailable)
			return
		}
		if !found {
			writeError(w, "player not found", http.StatusNotFound)
			return
		}
		writeJSON(w, player, http.StatusOK)
	})
}

// handleInvalidatePlayers drops the cached player directory.
// DELETE /api/v1/players
func handleInvalidatePlayers(directory Directory, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := directory.Invalidate(r.Context()); err != nil {
			logger.Error("failed to invalidate player directory", "error", err)
			writeError(w, "failed to invalidate player directory", http.StatusInternalServerError)
			return
		}
		logger.Info("player directory invalidated")
		w.WriteHeader(http.StatusNoContent)
	})
}

// handlePendingDeposits returns the user's in-flight deposit count.
// GET /api/v1/badges/pending-deposits
func handlePendingDeposits(badges *uistate.Badges, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		writeJSON(w, map[string]int{"count": badges.For(userID).Value()}, http.StatusOK)
	})
}

// handleGetNudge reports whether a nudge is due. ?every= sets the minimum
// gap between showings, 24h by default.
// GET /api/v1/nudges/{name}
func handleGetNudge(nudges *uistate.Nudges, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		name := r.PathValue("name")
		if err := validateIdentifier("nudge name", name); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		every := defaultNudgeEvery
		if raw := r.URL.Query().Get("every"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d < 0 {
				writeError(w, "invalid every: must be a non-negative duration like 24h", http.StatusBadRequest)
				return
			}
			every = d
		}

		last, err := nudges.LastShown(r.Context(), userID, name)
		if err != nil {
			logger.Error("failed to read nudge", "user_id", userID, "nudge", name, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		show, err := nudges.ShouldShow(r.Context(), userID, name, every)
		if err != nil {
			logger.Error("failed to read nudge", "user_id", userID, "nudge", name, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := map[string]interface{}{
			"name": name,
			"show": show,
		}
		if !last.IsZero() {
			resp["last_shown"] = last.UTC()
		}
		writeJSON(w, resp, http.StatusOK)
	})
}

// handleMarkNudge records that a nudge was shown now.
// POST /api/v1/nudges/{name}
func handleMarkNudge(nudges *uistate.Nudges, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		name := r.PathValue("name")
		if err := validateIdentifier("nudge name", name); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := nudges.MarkShown(r.Context(), userID, name); err != nil {
			logger.Error("failed to mark nudge shown", "user_id", userID, "nudge", name, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, errorf("invalid wait: must be a non-negative duration like 5s")
	}
	if d > maxWait {
		d = maxWait
	}
	return d, nil
}

// validateIdentifier checks an opaque identifier that ends up in logs,
// storage keys or upstream URLs.
func validateIdentifier(field, value string) error {
	if value == "" {
		return errorf("%s is required", field)
	}

	if len(value) > maxIdentifierLen {
		return errorf("%s too long: maximum length is %d characters", field, maxIdentifierLen)
	}

	for _, r := range value {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in %s: control characters not allowed", field)
		}
	}

	if !validIdentifierRegex.MatchString(value) {
		return errorf("invalid %s format", field)
	}

	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
