// Package metrics exposes Prometheus instrumentation for the facilitator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the facilitator's Prometheus collectors.
type Metrics struct {
	VerifyTotal    *prometheus.CounterVec
	SettleTotal    *prometheus.CounterVec
	RequestSeconds *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		VerifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402",
			Subsystem: "facilitator",
			Name:      "verify_total",
			Help:      "Verification calls by outcome (valid, reason token, or backend_unavailable).",
		}, []string{"outcome"}),
		SettleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "x402",
			Subsystem: "facilitator",
			Name:      "settle_total",
			Help:      "Settlement calls by outcome (settled, reason token, or backend_unavailable).",
		}, []string{"outcome"}),
		RequestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "x402",
			Subsystem: "facilitator",
			Name:      "request_seconds",
			Help:      "Request latency by endpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
	reg.MustRegister(m.VerifyTotal, m.SettleTotal, m.RequestSeconds)
	return m
}

// OutcomeValid and OutcomeSettled label successful calls; failures are
// labeled with their reason token.
const (
	OutcomeValid   = "valid"
	OutcomeSettled = "settled"
)

// ObserveVerify records a verification outcome.
func (m *Metrics) ObserveVerify(outcome string) {
	m.VerifyTotal.WithLabelValues(outcome).Inc()
}

// ObserveSettle records a settlement outcome.
func (m *Metrics) ObserveSettle(outcome string) {
	m.SettleTotal.WithLabelValues(outcome).Inc()
}
