package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "userproxy_connections_active",
			Help: "Live connections bound in the registry",
		},
	)

	ConnectionsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "userproxy_connections_accepted_total",
			Help: "Accepted connections",
		},
		[]string{"endpoint"}, // "anonymous" or "reconnect"
	)

	Takeovers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "userproxy_takeovers_total",
			Help: "Identities rebound from an old connection to a new one",
		},
	)

	// Message metrics
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "userproxy_frames_received_total",
			Help: "Inbound frames by resolved type",
		},
		[]string{"type"},
	)

	MessagesForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "userproxy_messages_forwarded_total",
			Help: "Messages forwarded to another identity",
		},
		[]string{"type"}, // "command" or "command_result"
	)

	RoutingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "userproxy_routing_failures_total",
			Help: "Messages whose receiver was absent or unreachable",
		},
		[]string{"type"},
	)

	HandlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "userproxy_handler_errors_total",
			Help: "Handler failures converted into error envelopes",
		},
		[]string{"type"},
	)

	// Heartbeat metrics
	HeartbeatCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "userproxy_heartbeat_cycles_total",
			Help: "Completed heartbeat cycles",
		},
	)

	HeartbeatEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "userproxy_heartbeat_evictions_total",
			Help: "Connections removed after a failed ping send",
		},
	)
)
