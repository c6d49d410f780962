package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/bankroll/service/metrics"
	"github.com/brojonat/bankroll/service/uistate"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the collaborators the HTTP server exposes.
type Dependencies struct {
	Sessions  *Sessions
	Directory Directory
	Nudges    *uistate.Nudges

	// Transfers is optional; without it the transfer stream is disabled.
	Transfers *TransferStream
	// Checks are pinged by /health, keyed by name. Optional.
	Checks map[string]Pinger
}

// Server is the backend-for-frontend for the funding and bank connection
// wizards.
type Server struct {
	addr    string
	deps    Dependencies
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, deps Dependencies, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Server{
		addr:    addr,
		deps:    deps,
		metrics: m,
		logger:  logger.With("component", "http_server"),
	}
}

// Handler builds the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, pattern)(h))
	}
	stream := func(pattern string, h http.Handler) {
		mux.Handle(pattern, metrics.StreamMetricsMiddleware(s.metrics, pattern)(h))
	}
	sessions := s.deps.Sessions

	// Funding wizard
	route("POST /api/v1/funding", handleStartFunding(sessions, s.logger))
	route("GET /api/v1/funding/{id}", handleGetFunding(sessions, s.logger))
	route("DELETE /api/v1/funding/{id}", handleCloseFunding(sessions, s.logger))
	for _, action := range []string{"amount", "back", "confirm", "retry"} {
		route("POST /api/v1/funding/{id}/"+action, handleFundingAction(sessions, action, s.logger))
	}
	stream("GET /api/v1/funding/{id}/events", handleStreamFunding(sessions, s.logger))

	// Bank connection wizard
	route("POST /api/v1/connections", handleStartConnection(sessions, s.logger))
	route("GET /api/v1/connections/{id}", handleGetConnection(sessions, s.logger))
	route("DELETE /api/v1/connections/{id}", handleCloseConnection(sessions, s.logger))
	for _, action := range []string{"search", "connect", "cancel", "retry"} {
		route("POST /api/v1/connections/{id}/"+action, handleConnectionAction(sessions, action, s.logger))
	}
	route("POST /api/v1/connections/{id}/messages", handleWidgetMessage(sessions, s.logger))

	// Player directory
	if s.deps.Directory != nil {
		route("GET /api/v1/players/{id}", handleGetPlayer(s.deps.Directory, s.logger))
		route("DELETE /api/v1/players", handleInvalidatePlayers(s.deps.Directory, s.logger))
	} else {
		s.logger.Warn("player directory not configured, player endpoints disabled")
	}

	// UI state
	route("GET /api/v1/badges/pending-deposits", handlePendingDeposits(sessions.Badges(), s.logger))
	stream("GET /api/v1/badges/pending-deposits/events", handleStreamPendingDeposits(sessions.Badges(), s.logger))
	if s.deps.Nudges != nil {
		route("GET /api/v1/nudges/{name}", handleGetNudge(s.deps.Nudges, s.logger))
		route("POST /api/v1/nudges/{name}", handleMarkNudge(s.deps.Nudges, s.logger))
	}

	// SSE transfer events (if NATS is configured)
	if s.deps.Transfers != nil {
		stream("GET /api/v1/stream/transfers/{transfer_id}", handleStreamTransfers(s.deps.Transfers, s.logger))
		stream("GET /api/v1/stream/transfers", handleStreamTransfers(s.deps.Transfers, s.logger))
		s.logger.Info("transfer streaming endpoints enabled")
	} else {
		s.logger.Warn("NATS not configured, transfer streaming endpoints disabled")
	}

	mux.Handle("GET /health", handleHealth(s.deps.Checks, s.logger))

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server and closes open flows.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close the transfer stream first (disconnects all SSE clients)
	if s.deps.Transfers != nil {
		s.deps.Transfers.Close()
	}

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.deps.Sessions.Close()
	return err
}

// handleHealth pings every configured dependency.
// GET /health
func handleHealth(checks map[string]Pinger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ok"
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check.Ping(ctx); err != nil {
				logger.Warn("health check failed", "check", name, "error", err)
				results[name] = "unavailable"
				status = "degraded"
				continue
			}
			results[name] = "ok"
		}

		code := http.StatusOK
		if status != "ok" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, map[string]interface{}{
			"status": status,
			"checks": results,
		}, code)
	})
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set CORS headers for all requests
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+userHeader)
		w.Header().Set("Access-Control-Max-Age", "3600")

		// Handle preflight OPTIONS requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
