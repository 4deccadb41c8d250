// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide collector container.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimited         *prometheus.CounterVec

	// Supervisor
	AnalysesRunning  prometheus.Gauge
	AnalysisStarts   *prometheus.CounterVec
	AnalysisRestarts prometheus.Counter
	AnalysisCrashes  prometheus.Counter
	LogEntriesTotal  prometheus.Counter

	// DNS resolver
	DNSRequestsTotal *prometheus.CounterVec
	DNSCacheSize     prometheus.Gauge

	// Live events
	SSESessions     prometheus.Gauge
	SSEEventsTotal  *prometheus.CounterVec
	SSESessionDrops prometheus.Counter

	// Service info
	ServiceInfo *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// Init registers all collectors under the given namespace.
func Init(namespace string) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		RateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"class"},
		),

		AnalysesRunning: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "analyses_running",
				Help:      "Number of analyses with a live child process",
			},
		),
		AnalysisStarts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "analysis_starts_total",
				Help:      "Analysis start attempts",
			},
			[]string{"result"},
		),
		AnalysisRestarts: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "analysis_restarts_total",
				Help:      "Automatic restarts scheduled by the supervisor",
			},
		),
		AnalysisCrashes: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "analysis_crashes_total",
				Help:      "Child exits classified as crashes",
			},
		),
		LogEntriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_entries_total",
				Help:      "Log entries captured from child processes",
			},
		),

		DNSRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dns_requests_total",
				Help:      "DNS IPC requests by outcome",
			},
			[]string{"outcome"}, // hit, miss, error, blocked
		),
		DNSCacheSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dns_cache_entries",
				Help:      "Entries currently in the DNS cache",
			},
		),

		SSESessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sse_sessions",
				Help:      "Open live-event sessions",
			},
		),
		SSEEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sse_events_total",
				Help:      "Events delivered to live-event sessions",
			},
			[]string{"type"},
		),
		SSESessionDrops: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sse_session_drops_total",
				Help:      "Sessions dropped because their outgoing queue overflowed",
			},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "service_info",
				Help:      "Service metadata",
			},
			[]string{"version", "environment"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics container; Init must have been called.
func Get() *Metrics {
	return defaultMetrics
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTP records one finished HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Snapshot is the payload for the periodic metricsUpdate event sent to
// admin sessions.
type Snapshot struct {
	AnalysesRunning int     `json:"analysesRunning"`
	SSESessions     int     `json:"sseSessions"`
	DNSCacheEntries int     `json:"dnsCacheEntries"`
	DNSHitRate      float64 `json:"dnsHitRate"`
	Timestamp       int64   `json:"timestamp"`
}
