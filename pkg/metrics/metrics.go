package metrics

import (
	"context"
	"net/http"

	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gorelay"

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	MessagesPublished prometheus.Counter
	Deliveries        *prometheus.CounterVec
	EventsRejected    *prometheus.CounterVec
}

// New registers collectors on a fresh registry. rooms reports the current
// room count at scrape time.
func New(rooms func() int) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Live relay connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connections accepted since start.",
		}),
		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Chat messages accepted for fan-out.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-recipient delivery outcomes.",
		}, []string{"outcome"}),
		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Inbound events answered with an error, by code.",
		}, []string{"code"}),
	}
	reg.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.MessagesPublished,
		m.Deliveries,
		m.EventsRejected,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Rooms with at least one member.",
		}, func() float64 { return float64(rooms()) }),
		collectors.NewGoCollector(),
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

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

// EventRejected counts an error answered to a client.
func (m *Metrics) EventRejected(code string) {
	if m == nil {
		return
	}
	m.EventsRejected.WithLabelValues(code).Inc()
}

// OnPublished counts an accepted publish and its delivery outcomes.
func (m *Metrics) OnPublished(_ context.Context, report *state.DeliveryReport) {
	if m == nil {
		return
	}
	m.MessagesPublished.Inc()
	failed := len(report.Failed())
	m.Deliveries.WithLabelValues("delivered").Add(float64(len(report.Deliveries) - failed))
	m.Deliveries.WithLabelValues("failed").Add(float64(failed))
}
