// Package metrics exposes relay counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	reg *prometheus.Registry

	requests        *prometheus.CounterVec
	upstreamAttempt *prometheus.CounterVec
	retries         *prometheus.CounterVec
	transportErrors *prometheus.CounterVec
	conflicts       *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	reloads         *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Inbound requests by API family and final status.",
		}, []string{"api", "status"}),
		upstreamAttempt: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upstream_attempts_total",
			Help: "Upstream attempts by API family and upstream status.",
		}, []string{"api", "status"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upstream_retries_total",
			Help: "Rate-limited upstream attempts that were retried.",
		}, []string{"api"}),
		transportErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_transport_errors_total",
			Help: "Upstream transport failures by kind (timeout, canceled, connect).",
		}, []string{"api", "kind"}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_policy_conflicts_total",
			Help: "Requests rejected in strict mode, by routing field.",
		}, []string{"field"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "End-to-end request latency including retry waits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"api"}),
		reloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_config_reloads_total",
			Help: "Runtime settings reloads by result.",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveRequest(api string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(api, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(api).Observe(elapsed.Seconds())
}

func (m *Metrics) UpstreamAttempt(api string, status int) {
	if m == nil {
		return
	}
	m.upstreamAttempt.WithLabelValues(api, strconv.Itoa(status)).Inc()
}

func (m *Metrics) Retry(api string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(api).Inc()
}

func (m *Metrics) TransportError(api, kind string) {
	if m == nil {
		return
	}
	m.transportErrors.WithLabelValues(api, kind).Inc()
}

func (m *Metrics) PolicyConflict(field string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(field).Inc()
}

func (m *Metrics) Reload(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.reloads.WithLabelValues(result).Inc()
}
