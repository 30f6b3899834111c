package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("/sessions", http.StatusOK)
	m.IncFatalErrors("network")
	m.SetActiveSessions(3)
}

func TestCounters(t *testing.T) {
	m := New()
	m.IncFatalErrors("network")
	m.IncFatalErrors("network")
	m.IncRetries("reconnect")
	m.SetActiveSessions(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.fatalErrors.WithLabelValues("network")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retriesTotal.WithLabelValues("reconnect")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeSessions))
}

func TestRequestMiddleware(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(RequestMiddleware(m))
	r.Get("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") == "missing" {
			w.WriteHeader(http.StatusNotFound)
		}
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sessions/a", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sessions/b", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sessions/missing", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("/sessions/{id}", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("/sessions/{id}", "4xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal.WithLabelValues("/sessions/{id}")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal.WithLabelValues(unmatchedRoute)))
}

func TestRequestMiddleware_nilMetrics(t *testing.T) {
	called := false
	h := RequestMiddleware(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}

func TestHandler_refreshesGauges(t *testing.T) {
	m := New()
	called := false
	rec := httptest.NewRecorder()
	m.Handler(func() { called = true; m.SetActiveSessions(4) }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.True(t, called)
	assert.True(t, strings.Contains(rec.Body.String(), "playback_active_sessions 4"))
}
