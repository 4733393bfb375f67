// Package metrics holds the Prometheus collectors for the reconciliation
// service. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "terminal_recon"

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	PublishTotal    *prometheus.CounterVec
	WebhooksTotal   *prometheus.CounterVec
	PollsTotal      *prometheus.CounterVec
	FinalizeTotal   *prometheus.CounterVec
	SweepRows       *prometheus.CounterVec
	RelayForwards   *prometheus.CounterVec
}

// New creates and registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status class",
			},
			[]string{"route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		PublishTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_total",
				Help:      "Charge publishes by result",
			},
			[]string{"result"}, // accepted/rejected/unreachable
		),
		WebhooksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_total",
				Help:      "Inbound gateway notifications by outcome",
			},
			[]string{"outcome"},
		),
		PollsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_polls_total",
				Help:      "Status checks by the source that answered them",
			},
			[]string{"source"}, // cache/log/throttle/gateway/error
		),
		FinalizeTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "finalize_total",
				Help:      "Finalize calls by result",
			},
			[]string{"result"}, // created/already
		),
		SweepRows: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_rows_total",
				Help:      "Reconciliation sweep rows by result",
			},
			[]string{"result"}, // fixed/unresolved/failed
		),
		RelayForwards: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_forwards_total",
				Help:      "Relay forward attempts by result",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) ObserveRequest(route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

func (m *Metrics) ObservePublish(result string) {
	if m == nil {
		return
	}
	m.PublishTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveWebhook(outcome string) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePoll(source string) {
	if m == nil {
		return
	}
	m.PollsTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveFinalize(already bool) {
	if m == nil {
		return
	}
	result := "created"
	if already {
		result = "already"
	}
	m.FinalizeTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSweep(fixed, unresolved, failed int) {
	if m == nil {
		return
	}
	m.SweepRows.WithLabelValues("fixed").Add(float64(fixed))
	m.SweepRows.WithLabelValues("unresolved").Add(float64(unresolved))
	m.SweepRows.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) ObserveRelay(result string) {
	if m == nil {
		return
	}
	m.RelayForwards.WithLabelValues(result).Inc()
}
