package web

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "web"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of requests served, by method, route and status.
	Requests metrics.Counter
	// Request latency in seconds, by method and route.
	RequestDuration metrics.Histogram
	// Login attempts, by outcome.
	Logins metrics.Counter
	// Registration attempts, by outcome.
	Registrations metrics.Counter
	// Requests rejected for a missing or wrong CSRF token.
	CSRFRejections metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// The collectors are registered with the default registry, so call it once
// per process.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Requests: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "requests_total",
			Help:      "Number of HTTP requests served.",
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "request_duration_seconds",
			Help:      "Time spent serving HTTP requests.",
			Buckets:   stdprometheus.DefBuckets,
		}, []string{"method", "route"}),
		Logins: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "logins_total",
			Help:      "Number of login attempts.",
		}, []string{"outcome"}),
		Registrations: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "registrations_total",
			Help:      "Number of registration attempts.",
		}, []string{"outcome"}),
		CSRFRejections: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "csrf_rejections_total",
			Help:      "Number of requests rejected for a bad CSRF token.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Requests:        discard.NewCounter(),
		RequestDuration: discard.NewHistogram(),
		Logins:          discard.NewCounter(),
		Registrations:   discard.NewCounter(),
		CSRFRejections:  discard.NewCounter(),
	}
}
