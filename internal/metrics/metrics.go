// Package metrics exposes Prometheus instrumentation for the room manager.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the server records. Components receiving a
// nil *Registry skip instrumentation, which keeps tests free of global
// collector registration conflicts.
type Registry struct {
	reg *prometheus.Registry

	ActiveConnections   prometheus.Gauge
	ActiveRooms         prometheus.Gauge
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected prometheus.Counter

	MessagesPublished prometheus.Counter
	MessagesDelivered prometheus.Counter
	MessagesDropped   prometheus.Counter
	MalformedMessages prometheus.Counter

	BrokerReconnects  prometheus.Counter
	HeartbeatTimeouts prometheus.Counter
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_active_connections",
			Help: "Number of live WebSocket connections on this server.",
		}),
		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_active_rooms",
			Help: "Number of rooms with at least one local member or a persistent flag.",
		}),
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_connections_accepted_total",
			Help: "Upgrade requests that produced a live connection.",
		}),
		ConnectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_connections_rejected_total",
			Help: "Upgrade requests rejected before acceptance (bad upgrade, unknown namespace, auth, rate limit).",
		}),
		MessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_messages_published_total",
			Help: "Envelopes published to the broker backplane.",
		}),
		MessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_messages_delivered_total",
			Help: "Envelopes delivered to local connections.",
		}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_messages_dropped_total",
			Help: "Envelopes dropped because a connection's send buffer was full or closed.",
		}),
		MalformedMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_malformed_messages_total",
			Help: "Inbound messages dropped as malformed (bad JSON or missing event).",
		}),
		BrokerReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_broker_reconnects_total",
			Help: "Reconnections to the pub/sub backplane.",
		}),
		HeartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_heartbeat_timeouts_total",
			Help: "Connections terminated for missing a pong deadline.",
		}),
	}
}

// Handler serves the /metrics endpoint for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
