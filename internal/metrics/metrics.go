// Package metrics provides Prometheus metrics for the token manager and the
// request dispatcher. All recording methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the client.
type Metrics struct {
	TokenFetchesTotal    *prometheus.CounterVec
	TokenFetchDuration   prometheus.Histogram
	TokenWaiters         prometheus.Gauge
	DispatchTotal        *prometheus.CounterVec
	DispatchRetriesTotal prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TokenFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "epayment_token_fetches_total",
				Help: "Access token fetches by result.",
			},
			[]string{"result"},
		),
		TokenFetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "epayment_token_fetch_duration_seconds",
				Help:    "Access token fetch latency.",
				Buckets: prometheus.DefBuckets,
			},
		),
		TokenWaiters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "epayment_token_waiters",
				Help: "Subscribers waiting for an access token.",
			},
		),
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "epayment_dispatch_total",
				Help: "Dispatched API requests by outcome.",
			},
			[]string{"outcome"},
		),
		DispatchRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "epayment_dispatch_retries_total",
				Help: "API requests sent a second time after a retryable failure.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.TokenFetchesTotal)
	reg.MustRegister(m.TokenFetchDuration)
	reg.MustRegister(m.TokenWaiters)
	reg.MustRegister(m.DispatchTotal)
	reg.MustRegister(m.DispatchRetriesTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTokenFetch counts a finished fetch and observes its duration.
func (m *Metrics) RecordTokenFetch(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.TokenFetchesTotal.WithLabelValues(result).Inc()
	m.TokenFetchDuration.Observe(d.Seconds())
}

// SetTokenWaiters sets the number of pending token waiters.
func (m *Metrics) SetTokenWaiters(n int) {
	if m == nil {
		return
	}
	m.TokenWaiters.Set(float64(n))
}

// RecordDispatch counts a dispatched request by outcome.
func (m *Metrics) RecordDispatch(outcome string) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(outcome).Inc()
}

// RecordRetry counts a retried request.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.DispatchRetriesTotal.Inc()
}
