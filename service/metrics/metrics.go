package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Ledger RPC Metrics
	ledgerRPCCallsTotal       *prometheus.CounterVec
	ledgerRPCCallDuration     *prometheus.HistogramVec
	ledgerTransactionsPerCall *prometheus.HistogramVec

	// Rate Metrics
	rateProviderCallsTotal   *prometheus.CounterVec
	rateProviderCallDuration *prometheus.HistogramVec
	rateBreakerState         *prometheus.GaugeVec
	rateLookupsTotal         *prometheus.CounterVec

	// Ingestion Metrics
	ingestionOutcomesTotal *prometheus.CounterVec
	ingestionRetriesTotal  *prometheus.CounterVec
	ingestionCycleDuration *prometheus.HistogramVec
	ledgerCursor           *prometheus.GaugeVec

	// Replay Metrics
	replaySettlementsTotal *prometheus.CounterVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// Notification Metrics
	notificationsPublished *prometheus.CounterVec
	notificationsDropped   *prometheus.CounterVec
	publishDuration        *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Ledger RPC Metrics
		ledgerRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_rpc_calls_total",
				Help: "Total number of ledger RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		ledgerRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_rpc_call_duration_seconds",
				Help:    "Duration of ledger RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method"},
		),
		ledgerTransactionsPerCall: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_transactions_per_fetch",
				Help:    "Number of transactions returned per FetchSince call",
				Buckets: []float64{0, 1, 10, 50, 100, 250, 500, 1000},
			},
			[]string{"merchant"},
		),

		// Rate Metrics
		rateProviderCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_provider_calls_total",
				Help: "Total number of rate provider calls by provider and status",
			},
			[]string{"provider", "status"},
		),
		rateProviderCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rate_provider_call_duration_seconds",
				Help:    "Duration of rate provider calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"provider"},
		),
		rateBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rate_provider_breaker_state",
				Help: "Circuit breaker state per provider (0=closed, 1=half-open, 2=open)",
			},
			[]string{"provider"},
		),
		rateLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_lookups_total",
				Help: "Total number of rate lookups by result (fresh, provider, stale, unavailable)",
			},
			[]string{"pair", "result"},
		),

		// Ingestion Metrics
		ingestionOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_outcomes_total",
				Help: "Total number of transactions by terminal outcome",
			},
			[]string{"merchant", "outcome"},
		),
		ingestionRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingestion_retries_total",
				Help: "Total number of retry attempts inside an ingestion cycle",
			},
			[]string{"operation"},
		),
		ingestionCycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingestion_cycle_duration_seconds",
				Help:    "Duration of ingestion cycles in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"merchant", "status"},
		),
		ledgerCursor: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingestion_ledger_cursor",
				Help: "Last fully processed ledger sequence per merchant",
			},
			[]string{"merchant"},
		),

		// Replay Metrics
		replaySettlementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replay_settlements_total",
				Help: "Total number of failed settlements replayed by result",
			},
			[]string{"status"},
		),

		// Database Metrics
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

		// HTTP Metrics
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

		// Notification Metrics
		notificationsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_published_total",
				Help: "Total number of settlement notifications published",
			},
			[]string{"sink", "status"},
		),
		notificationsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_dropped_total",
				Help: "Total number of settlement notifications dropped because the buffer was full",
			},
			[]string{"merchant"},
		),
		publishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notification_publish_duration_seconds",
				Help:    "Duration of notification publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"sink"},
		),
	}
}

// Ledger RPC metric helpers

// RecordLedgerCall records a ledger RPC call with duration.
func (m *Metrics) RecordLedgerCall(method, status string, duration float64) {
	m.ledgerRPCCallsTotal.WithLabelValues(method, status).Inc()
	m.ledgerRPCCallDuration.WithLabelValues(method).Observe(duration)
}

// RecordTransactionsFetched records the batch size of a fetch.
func (m *Metrics) RecordTransactionsFetched(merchant string, count int) {
	m.ledgerTransactionsPerCall.WithLabelValues(merchant).Observe(float64(count))
}

// Rate metric helpers

// RecordProviderCall records a single rate provider call.
func (m *Metrics) RecordProviderCall(provider, status string, duration float64) {
	m.rateProviderCallsTotal.WithLabelValues(provider, status).Inc()
	m.rateProviderCallDuration.WithLabelValues(provider).Observe(duration)
}

// RecordBreakerState records the numeric breaker state of a provider.
func (m *Metrics) RecordBreakerState(provider string, state float64) {
	m.rateBreakerState.WithLabelValues(provider).Set(state)
}

// RecordRateLookup records how a rate lookup was satisfied.
func (m *Metrics) RecordRateLookup(pair, result string) {
	m.rateLookupsTotal.WithLabelValues(pair, result).Inc()
}

// Ingestion metric helpers

// RecordOutcome records the terminal outcome of one transaction.
func (m *Metrics) RecordOutcome(merchant, outcome string) {
	m.ingestionOutcomesTotal.WithLabelValues(merchant, outcome).Inc()
}

// RecordRetry records a retry attempt for an operation.
func (m *Metrics) RecordRetry(operation string) {
	m.ingestionRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordCycle records a completed ingestion cycle.
func (m *Metrics) RecordCycle(merchant, status string, duration float64) {
	m.ingestionCycleDuration.WithLabelValues(merchant, status).Observe(duration)
}

// RecordCursor records the committed ledger cursor for a merchant.
func (m *Metrics) RecordCursor(merchant string, sequence uint64) {
	m.ledgerCursor.WithLabelValues(merchant).Set(float64(sequence))
}

// RecordReplay records the result of replaying one failed settlement.
func (m *Metrics) RecordReplay(status string) {
	m.replaySettlementsTotal.WithLabelValues(status).Inc()
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
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
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// Notification metric helpers

// RecordPublish records a publish attempt on a notification sink.
func (m *Metrics) RecordPublish(sink, status string, duration float64) {
	m.notificationsPublished.WithLabelValues(sink, status).Inc()
	m.publishDuration.WithLabelValues(sink).Observe(duration)
}

// RecordNotificationDropped records a notification dropped on a full buffer.
func (m *Metrics) RecordNotificationDropped(merchant string) {
	m.notificationsDropped.WithLabelValues(merchant).Inc()
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
