// Package metrics exposes dispatch and socket counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "records"

// Registry owns the process's collectors. A nil *Registry is valid and
// records nothing.
type Registry struct {
	reg *prometheus.Registry

	dispatches   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	socketFrames *prometheus.CounterVec
	rateLimited  *prometheus.CounterVec
	softFailures *prometheus.CounterVec
	connections  prometheus.Gauge
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Dispatched requests by procedure, transport and status code",
		}, []string{"procedure", "transport", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time from dispatch start until the response head is ready",
			Buckets:   prometheus.DefBuckets,
		}, []string{"procedure"}),
		socketFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "messages_total",
			Help:      "Socket messages by envelope type",
		}, []string{"type"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Requests rejected by the rate limiter",
		}, []string{"transport"}),
		softFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "soft_failures_total",
			Help:      "Auxiliary failures that were logged and bypassed",
		}, []string{"component"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "connections",
			Help:      "Open socket connections",
		}),
	}
	r.reg.MustRegister(
		r.dispatches,
		r.latency,
		r.socketFrames,
		r.rateLimited,
		r.softFailures,
		r.connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Prometheus returns the underlying registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

func (r *Registry) ObserveDispatch(procedure, transport string, status int, d time.Duration) {
	if r == nil {
		return
	}
	if procedure == "" {
		procedure = "unknown"
	}
	r.dispatches.WithLabelValues(procedure, transport, strconv.Itoa(status)).Inc()
	r.latency.WithLabelValues(procedure).Observe(d.Seconds())
}

func (r *Registry) SocketMessage(messageType string) {
	if r == nil {
		return
	}
	r.socketFrames.WithLabelValues(messageType).Inc()
}

func (r *Registry) RateLimited(transport string) {
	if r == nil {
		return
	}
	r.rateLimited.WithLabelValues(transport).Inc()
}

// SoftFailure counts a logged-and-bypassed failure (rate limiter, view
// renderer, custom domain lookup).
func (r *Registry) SoftFailure(component string) {
	if r == nil {
		return
	}
	r.softFailures.WithLabelValues(component).Inc()
}

func (r *Registry) ConnectionOpened() {
	if r == nil {
		return
	}
	r.connections.Inc()
}

func (r *Registry) ConnectionClosed() {
	if r == nil {
		return
	}
	r.connections.Dec()
}

// Handler serves the Prometheus text exposition.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
