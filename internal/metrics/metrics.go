// Package metrics содержит счётчики Prometheus журнала начислений.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ledger"

// Metrics хранит собственный реестр и набор коллекторов. Нулевой указатель допустим: все методы ничего не делают.
type Metrics struct {
	registry *prometheus.Registry

	eventsAppended      *prometheus.CounterVec
	amountAppended      *prometheus.CounterVec
	invariantViolations prometheus.Counter
	commissionQueue     prometheus.Gauge
	commissionFailures  prometheus.Counter
	withdrawals         *prometheus.CounterVec
	payoutSubmissions   *prometheus.CounterVec

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New создаёт и регистрирует коллекторы.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "appended_total",
			Help:      "Ledger events appended, by kind.",
		}, []string{"kind"}),
		amountAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "amount_minor_total",
			Help:      "Absolute amount of appended events in minor units, by kind.",
		}, []string{"kind"}),
		invariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "invariant_violations_total",
			Help:      "Accounts flagged by reconciliation.",
		}),
		commissionQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "commission",
			Name:      "queue_depth",
			Help:      "Mission credits waiting for commission distribution.",
		}),
		commissionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commission",
			Name:      "failures_total",
			Help:      "Commission distributions that exhausted their retries.",
		}),
		withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "withdrawals",
			Name:      "transitions_total",
			Help:      "Withdrawal request transitions, by target status.",
		}, []string{"status"}),
		payoutSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payout",
			Name:      "submissions_total",
			Help:      "Payout submissions, by outcome.",
		}, []string{"outcome"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		m.eventsAppended,
		m.amountAppended,
		m.invariantViolations,
		m.commissionQueue,
		m.commissionFailures,
		m.withdrawals,
		m.payoutSubmissions,
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	return m
}

// Registry возвращает реестр коллекторов.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler отдаёт метрики в формате Prometheus.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EventAppended учитывает записанное событие журнала.
func (m *Metrics) EventAppended(kind string, amount int64) {
	if m == nil {
		return
	}
	if amount < 0 {
		amount = -amount
	}
	m.eventsAppended.WithLabelValues(kind).Inc()
	m.amountAppended.WithLabelValues(kind).Add(float64(amount))
}

// InvariantViolation учитывает счёт, заблокированный сверкой.
func (m *Metrics) InvariantViolation() {
	if m == nil {
		return
	}
	m.invariantViolations.Inc()
}

// CommissionQueued меняет глубину очереди распределения комиссий на delta.
func (m *Metrics) CommissionQueued(delta int) {
	if m == nil {
		return
	}
	m.commissionQueue.Add(float64(delta))
}

// CommissionFailed учитывает распределение, исчерпавшее попытки.
func (m *Metrics) CommissionFailed() {
	if m == nil {
		return
	}
	m.commissionFailures.Inc()
}

// WithdrawalTransition учитывает переход заявки на вывод в статус status.
func (m *Metrics) WithdrawalTransition(status string) {
	if m == nil {
		return
	}
	m.withdrawals.WithLabelValues(status).Inc()
}

// PayoutSubmission учитывает результат передачи заявки платёжной системе.
func (m *Metrics) PayoutSubmission(outcome string) {
	if m == nil {
		return
	}
	m.payoutSubmissions.WithLabelValues(outcome).Inc()
}

// Middleware собирает метрики HTTP-запросов по шаблону маршрута chi.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
