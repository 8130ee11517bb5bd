package client

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records registration activity. A nil *Metrics records nothing.
type Metrics struct {
	attempts      *prometheus.CounterVec
	registrations *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

// NewMetrics creates the registration metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer for the global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keyprov_registration_attempts_total",
			Help: "Registration HTTP attempts by flow, endpoint version, and result.",
		}, []string{"flow", "version", "result"}),

		registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "keyprov_registrations_total",
			Help: "Completed Register calls by flow and outcome.",
		}, []string{"flow", "outcome"}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keyprov_registration_duration_seconds",
			Help:    "Wall time of Register calls in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"flow"}),
	}
}

// Attempt result labels.
const (
	resultAccepted  = "accepted"
	resultRejected  = "rejected"
	resultTransport = "transport_error"
)

// Register outcome labels.
const (
	outcomeSuccess   = "success"
	outcomeFailure   = "failure"
	outcomeCancelled = "cancelled"
)

func (m *Metrics) recordAttempt(flow string, v Version, result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(flow, v.String(), result).Inc()
}

func (m *Metrics) recordOutcome(flow, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(flow, outcome).Inc()
	m.duration.WithLabelValues(flow).Observe(time.Since(started).Seconds())
}
