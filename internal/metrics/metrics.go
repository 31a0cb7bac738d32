// Package metrics exposes the facilitator's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facilitator",
		Name:      "sessions",
		Help:      "Currently registered sessions.",
	})

	Rooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facilitator",
		Name:      "rooms",
		Help:      "Currently live rooms.",
	})

	RelayChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facilitator",
		Name:      "relay_channels",
		Help:      "Open relay channels.",
	})

	PunchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facilitator",
		Name:      "punch_outcomes_total",
		Help:      "Peer link negotiation outcomes.",
	}, []string{"outcome"}) // direct | relayed | failed

	RelayDatagrams = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "facilitator",
		Name:      "relay_datagrams_total",
		Help:      "Datagrams forwarded through relay channels.",
	})

	RelayBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "facilitator",
		Name:      "relay_bytes_total",
		Help:      "Payload bytes forwarded through relay channels.",
	})

	RelayDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facilitator",
		Name:      "relay_drops_total",
		Help:      "Relay datagrams dropped by quota or backlog overflow.",
	}, []string{"reason"}) // quota | backlog
)
