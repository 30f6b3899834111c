package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the playback engine.
// A nil *Metrics is valid; every method is then a no-op.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      *prometheus.CounterVec
	errorsTotal        *prometheus.CounterVec
	sessionsCreated    *prometheus.CounterVec
	sessionsRemoved    prometheus.Counter
	activeSessions     prometheus.Gauge
	readyTotal         *prometheus.CounterVec
	fatalErrors        *prometheus.CounterVec
	nonFatalErrors     *prometheus.CounterVec
	retriesTotal       *prometheus.CounterVec
	transportFallbacks prometheus.Counter
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_http_requests_total",
			Help: "Control API requests, by route pattern and status class",
		}, []string{"route", "code"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_http_errors_total",
			Help: "Control API responses with error status (4xx or 5xx), by route pattern",
		}, []string{"route"}),
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_sessions_created_total",
			Help: "Sessions created, by descriptor kind",
		}, []string{"kind"}),
		sessionsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_sessions_removed_total",
			Help: "Sessions destroyed and erased from the session table",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "playback_active_sessions",
			Help: "Number of sessions currently in the session table",
		}),
		readyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_ready_total",
			Help: "Sessions that reached Playing, by transport",
		}, []string{"transport"}),
		fatalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_fatal_errors_total",
			Help: "Fatal session transitions, by error kind",
		}, []string{"kind"}),
		nonFatalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_nonfatal_errors_total",
			Help: "Non-fatal backend errors recorded for diagnostics, by transport",
		}, []string{"transport"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_retries_total",
			Help: "Explicit re-initializations, by mode (retry or reconnect)",
		}, []string{"mode"}),
		transportFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_transport_fallbacks_total",
			Help: "Auto-detected sources that fell back from HLS to FLV",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.sessionsCreated,
		m.sessionsRemoved,
		m.activeSessions,
		m.readyTotal,
		m.fatalErrors,
		m.nonFatalErrors,
		m.retriesTotal,
		m.transportFallbacks,
	)

	return m
}

// ObserveRequest counts one control request answered with status on route.
// Statuses of 400 and above also count as errors.
func (m *Metrics) ObserveRequest(route string, status int) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(status/100)+"xx").Inc()
	if status >= 400 {
		m.errorsTotal.WithLabelValues(route).Inc()
	}
}

func (m *Metrics) IncSessionsCreated(kind string) {
	if m != nil {
		m.sessionsCreated.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) IncSessionsRemoved() {
	if m != nil {
		m.sessionsRemoved.Inc()
	}
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.activeSessions.Set(float64(n))
	}
}

func (m *Metrics) IncReady(transport string) {
	if m != nil {
		m.readyTotal.WithLabelValues(transport).Inc()
	}
}

func (m *Metrics) IncFatalErrors(kind string) {
	if m != nil {
		m.fatalErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) IncNonFatalErrors(transport string) {
	if m != nil {
		m.nonFatalErrors.WithLabelValues(transport).Inc()
	}
}

// IncRetries counts a re-initialization; mode is "retry" or "reconnect".
func (m *Metrics) IncRetries(mode string) {
	if m != nil {
		m.retriesTotal.WithLabelValues(mode).Inc()
	}
}

func (m *Metrics) IncTransportFallbacks() {
	if m != nil {
		m.transportFallbacks.Inc()
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
