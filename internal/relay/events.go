package relay

import (
	"log/slog"
	"time"

	"github.com/jharlan/mailrelay/internal/circuitbreaker"
	"github.com/jharlan/mailrelay/internal/metrics"
)

// EventSink receives structured engine events. The state machines stay
// decoupled from any particular output: the engine emits, sinks decide.
// Implementations must be safe for concurrent use and must not call back
// into the engine; breaker state changes arrive synchronously from inside
// the breaker's lock. Attempt numbers are 1-indexed.
type EventSink interface {
	BreakerStateChanged(provider string, from, to circuitbreaker.State)
	DeliveryAttempt(provider string, attempt int, d time.Duration, err error)
	DeliveryOutcome(o Outcome)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) BreakerStateChanged(string, circuitbreaker.State, circuitbreaker.State) {}
func (NopSink) DeliveryAttempt(string, int, time.Duration, error)                      {}
func (NopSink) DeliveryOutcome(Outcome)                                                {}

// LogSink writes engine events to a slog logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) BreakerStateChanged(provider string, from, to circuitbreaker.State) {
	s.Logger.Info("circuit breaker state change",
		"provider", provider,
		"from", from.String(),
		"to", to.String(),
	)
}

func (s LogSink) DeliveryAttempt(provider string, attempt int, d time.Duration, err error) {
	if err != nil {
		s.Logger.Warn("delivery attempt failed",
			"provider", provider,
			"attempt", attempt,
			"latency_ms", d.Milliseconds(),
			"error", err,
		)
		return
	}
	s.Logger.Debug("delivery attempt succeeded",
		"provider", provider,
		"attempt", attempt,
		"latency_ms", d.Milliseconds(),
	)
}

func (s LogSink) DeliveryOutcome(o Outcome) {
	if o.Success {
		s.Logger.Info("delivery complete",
			"request_id", o.RequestID,
			"provider", o.ProviderUsed,
			"attempts", o.Attempts,
		)
		return
	}
	s.Logger.Warn("delivery failed",
		"request_id", o.RequestID,
		"reason", string(o.Reason),
		"attempts", o.Attempts,
		"error", o.ErrorMessage,
	)
}

// MetricsSink feeds engine events into the Prometheus collectors.
// IdempotencySize, when set, keeps the spent-keys gauge current after each
// successful delivery.
type MetricsSink struct {
	IdempotencySize func() int
}

func (MetricsSink) BreakerStateChanged(provider string, from, to circuitbreaker.State) {
	metrics.CircuitTransitions.WithLabelValues(provider, from.String(), to.String()).Inc()
	metrics.CircuitState.WithLabelValues(provider).Set(float64(to))
}

func (MetricsSink) DeliveryAttempt(provider string, attempt int, d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.ProviderAttempts.WithLabelValues(provider, result).Inc()
	metrics.AttemptDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (s MetricsSink) DeliveryOutcome(o Outcome) {
	outcome := "failed"
	if o.Success {
		outcome = "delivered"
	}
	metrics.DeliveriesTotal.WithLabelValues(o.ProviderUsed, outcome).Inc()
	metrics.DeliveryAttempts.Observe(float64(o.Attempts))

	switch o.Reason {
	case ReasonDuplicate:
		metrics.DuplicateRejections.Inc()
	case ReasonRateLimited:
		metrics.RateLimitRejections.Inc()
	}

	if o.Success && s.IdempotencySize != nil {
		metrics.IdempotencyKeys.Set(float64(s.IdempotencySize()))
	}
}

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) BreakerStateChanged(provider string, from, to circuitbreaker.State) {
	for _, s := range m {
		s.BreakerStateChanged(provider, from, to)
	}
}

func (m MultiSink) DeliveryAttempt(provider string, attempt int, d time.Duration, err error) {
	for _, s := range m {
		s.DeliveryAttempt(provider, attempt, d, err)
	}
}

func (m MultiSink) DeliveryOutcome(o Outcome) {
	for _, s := range m {
		s.DeliveryOutcome(o)
	}
}
