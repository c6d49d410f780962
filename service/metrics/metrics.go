package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
// All helpers are no-ops on a nil *Metrics.
type Metrics struct {
	// Transfer polling
	transferPollAttemptsTotal *prometheus.CounterVec
	transferPollOutcomesTotal *prometheus.CounterVec
	transferPollDuration      *prometheus.HistogramVec

	// Funding and bank connection flows
	fundingStepsTotal    *prometheus.CounterVec
	fundingAmountDollars prometheus.Histogram
	bankConnectionsTotal *prometheus.CounterVec
	institutionSearches  *prometheus.CounterVec
	activeFlows          *prometheus.GaugeVec

	// Directory cache
	directoryRequestsTotal  *prometheus.CounterVec
	directoryRefreshSeconds *prometheus.HistogramVec
	directoryPlayers        prometheus.Gauge
	directoryStorageErrors  *prometheus.CounterVec

	// Workflow Metrics
	workflowDuration *prometheus.HistogramVec
	activityDuration *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	httpStreamsOpen     *prometheus.GaugeVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		transferPollAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_poll_attempts_total",
				Help: "Total number of transfer status requests by reported status",
			},
			[]string{"status"},
		),
		transferPollOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_poll_outcomes_total",
				Help: "Total number of finished transfer polls by outcome",
			},
			[]string{"outcome"},
		),
		transferPollDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transfer_poll_duration_seconds",
				Help:    "Time from first status request to poll outcome",
				Buckets: []float64{0.1, 1, 3, 10, 30, 60, 90, 120},
			},
			[]string{"outcome"},
		),

		fundingStepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funding_steps_total",
				Help: "Total number of funding flow step transitions by step",
			},
			[]string{"step"},
		),
		fundingAmountDollars: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "funding_amount_dollars",
				Help:    "Confirmed deposit amounts in dollars",
				Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000},
			},
		),
		bankConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bank_connections_total",
				Help: "Total number of bank connection attempts by result",
			},
			[]string{"result"},
		),
		institutionSearches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "institution_searches_total",
				Help: "Total number of institution searches by status",
			},
			[]string{"status"},
		),
		activeFlows: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "active_flows",
				Help: "Number of open wizard flows by kind",
			},
			[]string{"kind"},
		),

		directoryRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directory_cache_requests_total",
				Help: "Total number of player directory reads by result (hit, miss, stale, error)",
			},
			[]string{"result"},
		),
		directoryRefreshSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "directory_refresh_duration_seconds",
				Help:    "Duration of player directory fetches in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"status"},
		),
		directoryPlayers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "directory_players",
				Help: "Number of players in the cached directory",
			},
		),
		directoryStorageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directory_storage_errors_total",
				Help: "Total number of directory storage failures by operation",
			},
			[]string{"operation"},
		),

		workflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transfer_confirmation_workflow_duration_seconds",
				Help:    "Duration of transfer confirmation workflows in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transfer_activity_duration_seconds",
				Help:    "Duration of transfer workflow activities in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"activity", "status"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		httpStreamsOpen: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "http_streams_open",
				Help: "Number of open server-sent event streams",
			},
			[]string{"handler"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Transfer polling metric helpers

// RecordPollAttempt records one transfer status request. status is the
// processor-reported status, or "error" when the request failed.
func (m *Metrics) RecordPollAttempt(status string) {
	if m == nil {
		return
	}
	m.transferPollAttemptsTotal.WithLabelValues(status).Inc()
}

// RecordPollOutcome records the end of a transfer poll.
func (m *Metrics) RecordPollOutcome(outcome string, duration float64) {
	if m == nil {
		return
	}
	m.transferPollOutcomesTotal.WithLabelValues(outcome).Inc()
	m.transferPollDuration.WithLabelValues(outcome).Observe(duration)
}

// Flow metric helpers

// RecordFundingStep records a funding flow entering step.
func (m *Metrics) RecordFundingStep(step string) {
	if m == nil {
		return
	}
	m.fundingStepsTotal.WithLabelValues(step).Inc()
}

// RecordFundingAmount records a confirmed deposit amount.
func (m *Metrics) RecordFundingAmount(dollars float64) {
	if m == nil {
		return
	}
	m.fundingAmountDollars.Observe(dollars)
}

// RecordBankConnection records the result of a bank connection attempt.
func (m *Metrics) RecordBankConnection(result string) {
	if m == nil {
		return
	}
	m.bankConnectionsTotal.WithLabelValues(result).Inc()
}

// RecordInstitutionSearch records an institution search request.
func (m *Metrics) RecordInstitutionSearch(status string) {
	if m == nil {
		return
	}
	m.institutionSearches.WithLabelValues(status).Inc()
}

// RecordFlowChange records a change in the number of open flows of a kind.
func (m *Metrics) RecordFlowChange(kind string, delta float64) {
	if m == nil {
		return
	}
	m.activeFlows.WithLabelValues(kind).Add(delta)
}

// Directory metric helpers

// RecordDirectoryRequest records a directory read by result.
func (m *Metrics) RecordDirectoryRequest(result string) {
	if m == nil {
		return
	}
	m.directoryRequestsTotal.WithLabelValues(result).Inc()
}

// RecordDirectoryRefresh records a directory fetch and the resulting size.
func (m *Metrics) RecordDirectoryRefresh(err error, players int, duration float64) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	} else {
		m.directoryPlayers.Set(float64(players))
	}
	m.directoryRefreshSeconds.WithLabelValues(status).Observe(duration)
}

// RecordDirectoryStorageError records a failed storage operation.
func (m *Metrics) RecordDirectoryStorageError(operation string) {
	if m == nil {
		return
	}
	m.directoryStorageErrors.WithLabelValues(operation).Inc()
}

// Workflow metric helpers

// RecordWorkflowDuration records workflow execution duration.
func (m *Metrics) RecordWorkflowDuration(outcome string, duration float64) {
	if m == nil {
		return
	}
	m.workflowDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity string, err error, duration float64) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.activityDuration.WithLabelValues(activity, status).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordStreamChange adjusts the open stream gauge for handler by delta.
func (m *Metrics) RecordStreamChange(handler string, delta float64) {
	if m == nil {
		return
	}
	m.httpStreamsOpen.WithLabelValues(handler).Add(delta)
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
