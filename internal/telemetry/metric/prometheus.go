// Package metric provides Prometheus metrics for the relay.
//
// A Registry owns its own prometheus.Registry so tests and multiple servers
// in one process do not collide on the default registerer.
package metric

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ironwire"

// Registry holds all application metrics.
type Registry struct {
	registry *prometheus.Registry

	// Relay metrics
	SessionsActive   prometheus.Gauge
	MessagesRouted   prometheus.Counter
	MessagesDropped  prometheus.Counter
	Authentications  prometheus.Counter
	ProtocolErrors   *prometheus.CounterVec
	identitiesOnline prometheus.Collector

	// Blob metrics
	BlobUploads prometheus.Counter
	BlobBytes   prometheus.Counter

	// HTTP metrics
	RequestsTotal *prometheus.CounterVec
}

// NewRegistry creates a registry with the relay collectors plus the Go
// runtime and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "sessions_active",
			Help:      "Number of sessions currently running.",
		}),
		MessagesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_routed_total",
			Help:      "Text messages pushed into a recipient handle.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_dropped_total",
			Help:      "Text messages whose recipient handle was already closed.",
		}),
		Authentications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "authentications_total",
			Help:      "Successful authentications.",
		}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "protocol_errors_total",
			Help:      "Protocol errors by reason.",
		}, []string{"reason"}),
		BlobUploads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blob",
			Name:      "uploads_total",
			Help:      "Blobs stored.",
		}),
		BlobBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blob",
			Name:      "bytes_total",
			Help:      "Bytes stored across all uploads.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.SessionsActive,
		r.MessagesRouted,
		r.MessagesDropped,
		r.Authentications,
		r.ProtocolErrors,
		r.BlobUploads,
		r.BlobBytes,
		r.RequestsTotal,
	)
	return r
}

// Registerer exposes the underlying registry for collectors owned by other
// components, such as the blob store.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.registry
}

// Gatherer exposes the underlying registry for scraping.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// TrackOnline publishes the number of registered identities, read from fn on scrape.
// Only the first call registers the gauge.
func (r *Registry) TrackOnline(fn func() int) {
	if r.identitiesOnline != nil {
		return
	}
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "identities_online",
		Help:      "Identities currently registered in the directory.",
	}, func() float64 { return float64(fn()) })
	r.registry.MustRegister(g)
	r.identitiesOnline = g
}

// SessionOpened implements chat.Metrics.
func (r *Registry) SessionOpened() { r.SessionsActive.Inc() }

// SessionClosed implements chat.Metrics.
func (r *Registry) SessionClosed() { r.SessionsActive.Dec() }

// Authenticated implements chat.Metrics.
func (r *Registry) Authenticated() { r.Authentications.Inc() }

// MessageRouted implements chat.Metrics.
func (r *Registry) MessageRouted() { r.MessagesRouted.Inc() }

// MessageDropped implements chat.Metrics.
func (r *Registry) MessageDropped() { r.MessagesDropped.Inc() }

// ProtocolError implements chat.Metrics.
func (r *Registry) ProtocolError(reason string) {
	r.ProtocolErrors.WithLabelValues(reason).Inc()
}

// RecordUpload counts one stored blob of n bytes.
func (r *Registry) RecordUpload(n int) {
	r.BlobUploads.Inc()
	r.BlobBytes.Add(float64(n))
}

// RecordRequest counts one HTTP response.
func (r *Registry) RecordRequest(route string, code int) {
	r.RequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
