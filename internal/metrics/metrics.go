// Package metrics exposes Prometheus instruments for the chat core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spotter"

// Metrics holds every instrument. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connections   prometheus.Gauge
	onlineUsers   prometheus.Gauge
	eventsIn      *prometheus.CounterVec
	emissions     *prometheus.CounterVec
	deliveries    prometheus.Counter
	dropped       prometheus.Counter
	messages      *prometheus.CounterVec
	notifications *prometheus.CounterVec
	relayed       *prometheus.CounterVec
}

// New creates the instruments on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Live channel connections held by this instance.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users with at least one live connection on this instance.",
		}),
		eventsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Client events received, by event name.",
		}, []string{"event"}),
		emissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emissions_total",
			Help:      "Broadcast calls, by event name.",
		}, []string{"event"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Frames enqueued onto live connections.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_deliveries_total",
			Help:      "Frames rejected by a full outbound queue.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_persisted_total",
			Help:      "Messages persisted, by message type.",
		}, []string{"type"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_notifications_total",
			Help:      "Offline notification hand-offs, by result.",
		}, []string{"result"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_relay_total",
			Help:      "Cross-instance emissions, by direction and result.",
		}, []string{"direction", "result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections, m.onlineUsers, m.eventsIn, m.emissions, m.deliveries,
		m.dropped, m.messages, m.notifications, m.relayed,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// SetOnlineUsers records the registry's online user count.
func (m *Metrics) SetOnlineUsers(n int) {
	if m != nil {
		m.onlineUsers.Set(float64(n))
	}
}

func (m *Metrics) EventReceived(name string) {
	if m != nil {
		m.eventsIn.WithLabelValues(name).Inc()
	}
}

// Emitted records one broadcast and how many frames it enqueued or dropped.
func (m *Metrics) Emitted(name string, delivered, dropped int) {
	if m == nil {
		return
	}
	m.emissions.WithLabelValues(name).Inc()
	m.deliveries.Add(float64(delivered))
	m.dropped.Add(float64(dropped))
}

func (m *Metrics) MessagePersisted(messageType string) {
	if m != nil {
		m.messages.WithLabelValues(messageType).Inc()
	}
}

// NotificationResult records an offline notification outcome.
func (m *Metrics) NotificationResult(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.notifications.WithLabelValues(result).Inc()
}

// Relayed records a cluster relay publish ("out") or receive ("in").
func (m *Metrics) Relayed(direction string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.relayed.WithLabelValues(direction, result).Inc()
}
