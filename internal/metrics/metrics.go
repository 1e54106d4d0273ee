// Package metrics declares the prometheus collectors the swarm loop,
// stream plane, and tunnel registry update. Registration is left to the
// caller (cmd/porta) so tests can build an unregistered set freely.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set bundles every gauge/counter the node exposes.
type Set struct {
	PendingRequests prometheus.Gauge
	PendingDials    prometheus.Gauge
	ConnectedPeers  prometheus.Gauge

	RelayBytesTotal  *prometheus.CounterVec
	ActiveTunnels    prometheus.Gauge
	TunnelConnsTotal prometheus.Counter
}

// New constructs an unregistered Set.
func New() *Set {
	return &Set{
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "porta",
			Subsystem: "swarm",
			Name:      "pending_requests",
			Help:      "Outbound requests awaiting a correlated response.",
		}),
		PendingDials: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "porta",
			Subsystem: "swarm",
			Name:      "pending_dials",
			Help:      "Callers waiting on a dial to reach Identify-ready.",
		}),
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "porta",
			Subsystem: "swarm",
			Name:      "connected_peers",
			Help:      "Peers the swarm loop currently considers request-ready.",
		}),
		RelayBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "porta",
			Subsystem: "streamplane",
			Name:      "relay_bytes_total",
			Help:      "Bytes spliced through the stream plane, by direction.",
		}, []string{"direction"}),
		ActiveTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "porta",
			Subsystem: "tunnel",
			Name:      "active_mappings",
			Help:      "Local ports currently bound to a tunnel mapping.",
		}),
		TunnelConnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "porta",
			Subsystem: "tunnel",
			Name:      "connections_total",
			Help:      "TCP connections accepted by local tunnel listeners.",
		}),
	}
}

// MustRegister registers every collector in s against reg.
func (s *Set) MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		s.PendingRequests,
		s.PendingDials,
		s.ConnectedPeers,
		s.RelayBytesTotal,
		s.ActiveTunnels,
		s.TunnelConnsTotal,
	)
}
