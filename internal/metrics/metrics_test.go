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

func TestEventAppendedCountsAbsoluteAmount(t *testing.T) {
	m := New()

	m.EventAppended("withdrawal_debit", -5000)
	m.EventAppended("withdrawal_debit", -2500)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsAppended.WithLabelValues("withdrawal_debit")))
	assert.Equal(t, 7500.0, testutil.ToFloat64(m.amountAppended.WithLabelValues("withdrawal_debit")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	m.EventAppended("adjustment", 1)
	m.InvariantViolation()
	m.CommissionQueued(1)
	m.CommissionFailed()
	m.WithdrawalTransition("settled")
	m.PayoutSubmission("accepted")

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/users/42", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/api/users/{id}", "404")))

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "ledger_http_requests_total"))
}
