package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	withdrawals        *prometheus.CounterVec
	reservations       *prometheus.CounterVec
	persistenceFailure prometheus.Counter
	providerDuration   *prometheus.HistogramVec
	httpRequests       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		withdrawals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixrelay_withdrawals_total",
				Help: "Withdrawal requests by outcome",
			},
			[]string{"outcome"},
		),
		reservations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixrelay_guard_reservations_total",
				Help: "Reference reservation attempts by outcome",
			},
			[]string{"outcome"},
		),
		persistenceFailure: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pixrelay_guard_persistence_failures_total",
				Help: "Forwarded transfers whose processed marker could not be persisted",
			},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pixrelay_provider_request_duration_seconds",
				Help:    "Duration of outbound transfer calls",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"result"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixrelay_http_requests_total",
				Help: "Inbound HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
	}

	m.registry.MustRegister(
		m.withdrawals,
		m.reservations,
		m.persistenceFailure,
		m.providerDuration,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Withdrawal(outcome string) {
	if m == nil {
		return
	}
	m.withdrawals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Reservation(outcome string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PersistenceFailure() {
	if m == nil {
		return
	}
	m.persistenceFailure.Inc()
}

func (m *Metrics) ProviderCall(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.providerDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
