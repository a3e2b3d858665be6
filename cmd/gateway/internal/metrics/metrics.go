// Package metrics registers the gateway's Prometheus collectors. Every method
// is safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "market_gateway"

type Metrics struct {
	registry *prometheus.Registry

	connections      prometheus.Gauge
	messagesSent     *prometheus.CounterVec
	evictions        *prometheus.CounterVec
	events           *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	staleWrites      prometheus.Counter
	resyncs          *prometheus.CounterVec
	streamReconnects prometheus.Counter
	upstreamRequests *prometheus.CounterVec
}

// New creates the collectors on a private registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live client connections in the registry",
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages delivered to clients by type",
		}, []string{"type"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Connections removed from the registry by reason",
		}, []string{"reason"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_events_total",
			Help:      "Stream events received from upstream by channel",
		}, []string{"channel"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_events_dropped_total",
			Help:      "Stream events dropped by reason",
		}, []string{"reason"}),
		staleWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_writes_total",
			Help:      "Market writes rejected because a newer snapshot was stored",
		}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "Full resync runs by result",
		}, []string{"result"}),
		streamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Upstream stream reconnect attempts",
		}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream REST requests by result",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.connections, m.messagesSent, m.evictions, m.events, m.eventsDropped,
		m.staleWrites, m.resyncs, m.streamReconnects, m.upstreamRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed(reason string) {
	if m != nil {
		m.connections.Dec()
		m.evictions.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) MessageSent(msgType string) {
	if m != nil {
		m.messagesSent.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) EventReceived(channel string) {
	if m != nil {
		m.events.WithLabelValues(channel).Inc()
	}
}

func (m *Metrics) EventDropped(reason string) {
	if m != nil {
		m.eventsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) StaleWrite() {
	if m != nil {
		m.staleWrites.Inc()
	}
}

func (m *Metrics) Resync(result string) {
	if m != nil {
		m.resyncs.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) StreamReconnect() {
	if m != nil {
		m.streamReconnects.Inc()
	}
}

func (m *Metrics) UpstreamRequest(result string) {
	if m != nil {
		m.upstreamRequests.WithLabelValues(result).Inc()
	}
}
