package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trade_consensus"

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// Consensus metrics
	ConsensusBuildsTotal    *prometheus.CounterVec
	ConsensusFallbacksTotal *prometheus.CounterVec
	ConsensusStrength       *prometheus.HistogramVec
	ConsensusConfidence     *prometheus.HistogramVec

	// Provider metrics
	ProviderDuration    *prometheus.HistogramVec
	ProviderErrorsTotal *prometheus.CounterVec
	PicksIngestedTotal  *prometheus.CounterVec
	PicksRejectedTotal  *prometheus.CounterVec

	// Resolver metrics
	ResolutionsTotal      *prometheus.CounterVec
	ResolverSweepDuration prometheus.Histogram
	ResolverSkippedGroups *prometheus.CounterVec

	// Learning metrics
	CalibrationRunsTotal *prometheus.CounterVec
	FactorOutcomesTotal  *prometheus.CounterVec
	EventsPublishedTotal *prometheus.CounterVec

	// External API metrics
	ExternalAPIRequestsTotal *prometheus.CounterVec
	ExternalAPIErrorsTotal   *prometheus.CounterVec
	ExternalAPIDuration      *prometheus.HistogramVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryTotal    *prometheus.CounterVec
	DBErrorsTotal   *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec
}

// defaultBuckets are the default histogram buckets for duration metrics (in seconds)
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// sweepBuckets cover resolver sweeps, which are paced and can run for minutes
var sweepBuckets = []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600}

// strengthBuckets are histogram buckets for vote share (0 to 1)
var strengthBuckets = []float64{0, .1, .2, .3, .4, .5, .6, .7, .8, .9, 1}

// confidenceBuckets are histogram buckets for confidence metrics (0 to 100)
var confidenceBuckets = []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

// globalMetrics is the global metrics instance
var globalMetrics *Metrics

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		ConsensusBuildsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consensus",
				Name:      "builds_total",
				Help:      "Total number of consensus verdicts by direction",
			},
			[]string{"direction"},
		),
		ConsensusFallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consensus",
				Name:      "fallbacks_total",
				Help:      "Total number of conservative default verdicts by reason",
			},
			[]string{"reason"},
		),
		ConsensusStrength: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "consensus",
				Name:      "strength",
				Help:      "Distribution of consensus strength",
				Buckets:   strengthBuckets,
			},
			[]string{"direction"},
		),
		ConsensusConfidence: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "consensus",
				Name:      "confidence",
				Help:      "Distribution of consensus confidence",
				Buckets:   confidenceBuckets,
			},
			[]string{"direction"},
		),

		ProviderDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "duration_seconds",
				Help:      "Duration of forecast provider calls in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"agent"},
		),
		ProviderErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "errors_total",
				Help:      "Total number of forecast provider errors",
			},
			[]string{"agent", "error_type"},
		),
		PicksIngestedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "picks",
				Name:      "ingested_total",
				Help:      "Total number of picks accepted at ingestion",
			},
			[]string{"agent", "direction"},
		),
		PicksRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "picks",
				Name:      "rejected_total",
				Help:      "Total number of picks rejected at ingestion",
			},
			[]string{"agent"},
		),

		ResolutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "resolver",
				Name:      "resolutions_total",
				Help:      "Total number of resolved picks by outcome",
			},
			[]string{"agent", "outcome"},
		),
		ResolverSweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "resolver",
				Name:      "sweep_duration_seconds",
				Help:      "Duration of resolver sweeps in seconds",
				Buckets:   sweepBuckets,
			},
		),
		ResolverSkippedGroups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "resolver",
				Name:      "skipped_groups_total",
				Help:      "Total number of symbol groups left pending by reason",
			},
			[]string{"reason"},
		),

		CalibrationRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "calibration",
				Name:      "runs_total",
				Help:      "Total number of calibration runs by status",
			},
			[]string{"agent", "status"},
		),
		FactorOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "factors",
				Name:      "outcomes_total",
				Help:      "Total number of factor outcomes recorded",
			},
			[]string{"correct"},
		),
		EventsPublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Total number of resolution events published by status",
			},
			[]string{"status"},
		),

		ExternalAPIRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "external_api",
				Name:      "requests_total",
				Help:      "Total number of external API requests",
			},
			[]string{"service", "operation"},
		),
		ExternalAPIErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "external_api",
				Name:      "errors_total",
				Help:      "Total number of external API errors",
			},
			[]string{"service", "operation", "error_type"},
		),
		ExternalAPIDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "external_api",
				Name:      "duration_seconds",
				Help:      "Duration of external API calls in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"service", "operation"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "database",
				Name:      "query_duration_seconds",
				Help:      "Duration of database queries in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"operation", "table"},
		),
		DBQueryTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "database",
				Name:      "queries_total",
				Help:      "Total number of database queries",
			},
			[]string{"operation", "table"},
		),
		DBErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "database",
				Name:      "errors_total",
				Help:      "Total number of database errors",
			},
			[]string{"operation", "table"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "response_size_bytes",
				Help:      "Size of HTTP responses in bytes",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "path"},
		),

		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "state",
				Help:      "Current state of circuit breakers (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),
		CircuitBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"service"},
		),
	}
}

// InitMetrics initializes the global metrics instance
func InitMetrics() *Metrics {
	globalMetrics = NewMetrics(nil)
	return globalMetrics
}

// SetMetrics replaces the global metrics instance, used by tests to isolate
// registries.
func SetMetrics(m *Metrics) {
	globalMetrics = m
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		return InitMetrics()
	}
	return globalMetrics
}

// RecordConsensus records a completed consensus verdict
func (m *Metrics) RecordConsensus(direction string, strength, confidence float64) {
	m.ConsensusBuildsTotal.WithLabelValues(direction).Inc()
	m.ConsensusStrength.WithLabelValues(direction).Observe(strength)
	m.ConsensusConfidence.WithLabelValues(direction).Observe(confidence)
}

// RecordConsensusFallback records a conservative default verdict
func (m *Metrics) RecordConsensusFallback(reason string) {
	m.ConsensusFallbacksTotal.WithLabelValues(reason).Inc()
}

// RecordProviderDuration records the duration of a provider call
func (m *Metrics) RecordProviderDuration(agent string, duration time.Duration) {
	m.ProviderDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordProviderError records a provider error
func (m *Metrics) RecordProviderError(agent, errorType string) {
	m.ProviderErrorsTotal.WithLabelValues(agent, errorType).Inc()
}

// RecordPickIngested records a pick accepted at ingestion
func (m *Metrics) RecordPickIngested(agent, direction string) {
	m.PicksIngestedTotal.WithLabelValues(agent, direction).Inc()
}

// RecordPickRejected records a pick rejected at ingestion
func (m *Metrics) RecordPickRejected(agent string) {
	m.PicksRejectedTotal.WithLabelValues(agent).Inc()
}

// RecordResolution records one pick reaching a terminal outcome
func (m *Metrics) RecordResolution(agent, outcome string) {
	m.ResolutionsTotal.WithLabelValues(agent, outcome).Inc()
}

// RecordSweep records the duration of a resolver sweep
func (m *Metrics) RecordSweep(duration time.Duration) {
	m.ResolverSweepDuration.Observe(duration.Seconds())
}

// RecordSkippedGroup records a symbol group left pending
func (m *Metrics) RecordSkippedGroup(reason string) {
	m.ResolverSkippedGroups.WithLabelValues(reason).Inc()
}

// RecordCalibrationRun records a calibration recompute
func (m *Metrics) RecordCalibrationRun(agent, status string) {
	m.CalibrationRunsTotal.WithLabelValues(agent, status).Inc()
}

// RecordFactorOutcome records a newly inserted factor outcome
func (m *Metrics) RecordFactorOutcome(correct bool) {
	label := "false"
	if correct {
		label = "true"
	}
	m.FactorOutcomesTotal.WithLabelValues(label).Inc()
}

// RecordEventPublished records a resolution event publish attempt
func (m *Metrics) RecordEventPublished(status string) {
	m.EventsPublishedTotal.WithLabelValues(status).Inc()
}

// RecordExternalAPIRequest records an external API request
func (m *Metrics) RecordExternalAPIRequest(service, operation string) {
	m.ExternalAPIRequestsTotal.WithLabelValues(service, operation).Inc()
}

// RecordExternalAPIError records an external API error
func (m *Metrics) RecordExternalAPIError(service, operation, errorType string) {
	m.ExternalAPIErrorsTotal.WithLabelValues(service, operation, errorType).Inc()
}

// RecordExternalAPIDuration records the duration of an external API call
func (m *Metrics) RecordExternalAPIDuration(service, operation string, duration time.Duration) {
	m.ExternalAPIDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// RecordDBQuery records a database query
func (m *Metrics) RecordDBQuery(operation, table string, duration time.Duration) {
	m.DBQueryTotal.WithLabelValues(operation, table).Inc()
	m.DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordDBError records a database error
func (m *Metrics) RecordDBError(operation, table string) {
	m.DBErrorsTotal.WithLabelValues(operation, table).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, duration time.Duration, responseSize int) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// SetCircuitBreakerState sets the current state of a circuit breaker
func (m *Metrics) SetCircuitBreakerState(service string, state int) {
	m.CircuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker trip
func (m *Metrics) RecordCircuitBreakerTrip(service string) {
	m.CircuitBreakerTrips.WithLabelValues(service).Inc()
}

// Timer is a helper for timing operations
type Timer struct {
	start   time.Time
	metrics *Metrics
}

// NewTimer creates a new timer
func (m *Metrics) NewTimer() *Timer {
	return &Timer{
		start:   time.Now(),
		metrics: m,
	}
}

// ObserveProvider records the provider call duration
func (t *Timer) ObserveProvider(agent string) {
	t.metrics.RecordProviderDuration(agent, time.Since(t.start))
}

// ObserveSweep records the resolver sweep duration
func (t *Timer) ObserveSweep() {
	t.metrics.RecordSweep(time.Since(t.start))
}

// ObserveExternalAPI records the external API duration
func (t *Timer) ObserveExternalAPI(service, operation string) {
	t.metrics.RecordExternalAPIDuration(service, operation, time.Since(t.start))
}

// ObserveDB records the database query duration
func (t *Timer) ObserveDB(operation, table string) {
	t.metrics.RecordDBQuery(operation, table, time.Since(t.start))
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
