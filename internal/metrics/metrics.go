// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the gateway's metric vectors behind one registry so
// tests can create isolated instances.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	originHealthy       *prometheus.GaugeVec
	originActive        *prometheus.GaugeVec
	admissionRejections *prometheus.CounterVec
	upstreamFailures    *prometheus.CounterVec
	historyDropped      prometheus.Counter
}

// NewCollector creates and registers all gateway metrics.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Requests handled, by endpoint, method and status code.",
		}, []string{"endpoint", "method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "End-to-end request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		originHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_origin_healthy",
			Help: "Origin health state (1 healthy, 0 unhealthy).",
		}, []string{"origin"}),
		originActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_origin_active_requests",
			Help: "Requests currently in flight against an origin.",
		}, []string{"origin"}),
		admissionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_admission_rejections_total",
			Help: "Requests rejected by the per-origin soft rate limit.",
		}, []string{"origin"}),
		upstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upstream_failures_total",
			Help: "Proxy attempts that ended in a transport error.",
		}, []string{"origin"}),
		historyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_history_dropped_total",
			Help: "History captures dropped because the persistence queue was full.",
		}),
	}

	reg.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.originHealthy,
		c.originActive,
		c.admissionRejections,
		c.upstreamFailures,
		c.historyDropped,
	)

	return c
}

// RecordRequest records a completed request.
func (c *Collector) RecordRequest(endpoint, method string, code int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(endpoint, method, strconv.Itoa(code)).Inc()
	c.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// SetOriginHealth records an origin's health state.
func (c *Collector) SetOriginHealth(origin string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	c.originHealthy.WithLabelValues(origin).Set(v)
}

// SetOriginActive records an origin's in-flight request count.
func (c *Collector) SetOriginActive(origin string, active int64) {
	c.originActive.WithLabelValues(origin).Set(float64(active))
}

// RecordRejection counts a soft rate-limit rejection.
func (c *Collector) RecordRejection(origin string) {
	c.admissionRejections.WithLabelValues(origin).Inc()
}

// RecordUpstreamFailure counts a transport failure against an origin.
func (c *Collector) RecordUpstreamFailure(origin string) {
	c.upstreamFailures.WithLabelValues(origin).Inc()
}

// RecordHistoryDrop counts a dropped history capture.
func (c *Collector) RecordHistoryDrop() {
	c.historyDropped.Inc()
}

// Handler returns the HTTP handler serving this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
