// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestsInFlight prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	SeedWrites       *prometheus.CounterVec
	SeedReplays      prometheus.Counter
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmtap_requests_total",
			Help: "Proxied requests by route, method and status code.",
		}, []string{"route", "method", "status_code"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarmtap_requests_in_flight",
			Help: "Requests currently being proxied.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swarmtap_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"route", "method"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmtap_upstream_errors_total",
			Help: "Upstream calls that failed at the transport level.",
		}, []string{"route"}),

		SeedWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmtap_seed_writes_total",
			Help: "Seed record writes by result.",
		}, []string{"result"}),

		SeedReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmtap_seed_replays_total",
			Help: "Responses served from recorded seeds.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.SeedWrites,
		m.SeedReplays,
	)

	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// ObserveRequest records one completed exchange. A nil receiver is a no-op so
// callers need not check whether metrics are enabled.
func (m *Metrics) ObserveRequest(route, method string, status int, upstream time.Duration, failed bool) {
	if m == nil {
		return
	}
	method = NormalizeMethod(method)
	m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.UpstreamDuration.WithLabelValues(route, method).Observe(upstream.Seconds())
	if failed {
		m.UpstreamErrors.WithLabelValues(route).Inc()
	}
}

// ObserveSeedWrite counts a seed save outcome.
func (m *Metrics) ObserveSeedWrite(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SeedWrites.WithLabelValues(result).Inc()
}

// ObserveReplay counts a response served from seeds.
func (m *Metrics) ObserveReplay() {
	if m == nil {
		return
	}
	m.SeedReplays.Inc()
}

// TrackInFlight increments the in-flight gauge and returns its release func.
func (m *Metrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.RequestsInFlight.Inc()
	return m.RequestsInFlight.Dec
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod maps non-standard methods to "other".
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}
