// Package metrics exposes the server's Prometheus instrumentation: tunnel
// and connection gauges, per-request counters, and rate-limit rejections.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the counters and gauges the gateway and ingresses update.
type Registry struct {
	ActiveTunnels         prometheus.Gauge
	ActiveConnections     prometheus.Gauge
	RequestsTotal         *prometheus.CounterVec
	RateLimitRejections   *prometheus.CounterVec
	ControlMessagesTotal  *prometheus.CounterVec
	registry              *prometheus.Registry
}

// New builds a Registry with all metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		ActiveTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sellia_active_tunnels",
			Help: "Number of currently registered tunnels.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sellia_active_connections",
			Help: "Number of currently authenticated client connections.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sellia_requests_total",
			Help: "Total public ingress requests, labeled by plane and outcome.",
		}, []string{"plane", "outcome"}),
		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sellia_rate_limit_rejections_total",
			Help: "Total requests rejected by the token-bucket rate limiter, labeled by scope.",
		}, []string{"scope"}),
		ControlMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sellia_control_messages_total",
			Help: "Total control-channel messages processed, labeled by tag.",
		}, []string{"tag"}),
	}

	reg.MustRegister(
		r.ActiveTunnels,
		r.ActiveConnections,
		r.RequestsTotal,
		r.RateLimitRejections,
		r.ControlMessagesTotal,
	)
	return r
}

// Handler returns the /metrics HTTP handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
