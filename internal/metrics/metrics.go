// Package metrics provides Prometheus instrumentation for the relay.
// All metric collectors are registered via Init and exposed through the
// Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DeliveriesTotal counts completed engine invocations by the provider
	// that served them ("none" on total failure) and the outcome.
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrelay_deliveries_total",
			Help: "Total delivery requests processed by the engine",
		},
		[]string{"provider", "outcome"},
	)

	// DeliveryAttempts observes how many provider attempts one engine
	// invocation consumed.
	DeliveryAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailrelay_delivery_attempts",
			Help:    "Provider attempts consumed per delivery request",
			Buckets: prometheus.LinearBuckets(0, 1, 11),
		},
	)

	// ProviderAttempts counts individual provider attempts by result.
	ProviderAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrelay_provider_attempts_total",
			Help: "Total individual provider send attempts",
		},
		[]string{"provider", "result"},
	)

	// AttemptDuration observes how long individual provider send attempts
	// take, per provider.
	AttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailrelay_attempt_duration_seconds",
			Help:    "Provider send attempt latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// CircuitState tracks each provider's breaker state
	// (0=closed, 1=open, 2=half-open).
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailrelay_circuit_state",
			Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	// CircuitTransitions counts breaker state changes.
	CircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrelay_circuit_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"provider", "from", "to"},
	)

	// RateLimitRejections counts requests rejected by the engine's
	// admission window.
	RateLimitRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailrelay_rate_limit_rejections_total",
			Help: "Total requests rejected by the engine admission window",
		},
	)

	// DuplicateRejections counts requests rejected as idempotency replays.
	DuplicateRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailrelay_duplicate_rejections_total",
			Help: "Total requests rejected as duplicates",
		},
	)

	// IdempotencyKeys tracks how many request IDs the guard has spent.
	IdempotencyKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailrelay_idempotency_keys",
			Help: "Number of spent request identifiers held in memory",
		},
	)

	// RequestsTotal counts boundary HTTP requests by path, method, and status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrelay_http_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"path", "method", "status"},
	)

	// RequestDuration observes boundary request latency in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailrelay_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	// ActiveRequests tracks in-flight deliveries at the boundary.
	ActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailrelay_active_requests",
			Help: "Number of in-flight send requests",
		},
	)

	// ClientThrottled counts requests rejected by the per-client boundary
	// limiter, before they ever reach the engine.
	ClientThrottled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailrelay_client_throttled_total",
			Help: "Total requests rejected by the per-client limiter",
		},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		DeliveriesTotal,
		DeliveryAttempts,
		ProviderAttempts,
		AttemptDuration,
		CircuitState,
		CircuitTransitions,
		RateLimitRejections,
		DuplicateRejections,
		IdempotencyKeys,
		RequestsTotal,
		RequestDuration,
		ActiveRequests,
		ClientThrottled,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
