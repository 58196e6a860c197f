// Package metrics holds the prometheus collectors for the sync core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

type Metrics struct {
	ReconnectAttempts prometheus.Counter
	ConnectionState   prometheus.Gauge
	InboundEvents     *prometheus.CounterVec
	MessagesApplied   *prometheus.CounterVec
	Duplicates        prometheus.Counter
	CacheWrites       *prometheus.CounterVec
	HeartbeatFailures prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled after a lost or failed connection.",
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 idle, 1 connecting, 2 connected, 3 reconnecting).",
		}),
		InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Socket events received, by event name.",
		}, []string{"event"}),
		MessagesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_applied_total",
			Help:      "Messages added to a stream, by source.",
		}, []string{"source"}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Messages dropped because their id was already present.",
		}),
		CacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Physical cache writes, by result.",
		}, []string{"result"}),
		HeartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Heartbeats that did not receive a pong in time.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ReconnectAttempts,
		m.ConnectionState,
		m.InboundEvents,
		m.MessagesApplied,
		m.Duplicates,
		m.CacheWrites,
		m.HeartbeatFailures,
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the collectors registered on reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
