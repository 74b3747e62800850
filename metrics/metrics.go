// Package metrics defines the router's Prometheus series and exposes them
// over a private registry, never the global default, so tests can build
// isolated instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every series the router exports. Construct one per
// process, wired into the pieces that produce each observation.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	BridgePendingRequests *prometheus.GaugeVec
	CacheHitsTotal        prometheus.Counter
	CacheMissesTotal      prometheus.Counter
	ProcessRestartsTotal  *prometheus.CounterVec
}

// New builds a Metrics instance registered against its own
// prometheus.Registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		BridgePendingRequests: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "router_bridge_pending_requests",
			Help: "Number of in-flight JSON-RPC requests awaiting a response, per server",
		}, []string{"server"}),
		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "router_cache_hits_total",
			Help: "Total number of enhancement cache hits",
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "router_cache_misses_total",
			Help: "Total number of enhancement cache misses",
		}),
		ProcessRestartsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "router_process_restarts_total",
			Help: "Total number of automatic restarts, per server",
		}, []string{"server"}),
	}

	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Registry exposes the underlying registry so other components
// (router_breaker_state, router_breaker_trips_total from the breaker
// package) can register into the same collection space.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
