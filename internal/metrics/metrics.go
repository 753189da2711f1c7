// Package metrics holds the Prometheus collectors shared by the session
// components and the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LiveMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messagehub",
		Subsystem: "timeline",
		Name:      "live_messages_total",
		Help:      "Live message events by outcome (appended, not_ready, duplicate, foreign).",
	}, []string{"outcome"})

	HistoryLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messagehub",
		Subsystem: "timeline",
		Name:      "history_loads_total",
		Help:      "Historical fetches by outcome (applied, stale, error).",
	}, []string{"outcome"})

	CallPhases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messagehub",
		Subsystem: "call",
		Name:      "phase_transitions_total",
		Help:      "Call session transitions by target phase.",
	}, []string{"phase"})

	ChannelReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "messagehub",
		Subsystem: "channel",
		Name:      "reconnects_total",
		Help:      "Event channel reconnect attempts.",
	})

	RelayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "messagehub",
		Subsystem: "relay",
		Name:      "connections",
		Help:      "Open relay websocket connections.",
	})

	RelayEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messagehub",
		Subsystem: "relay",
		Name:      "events_total",
		Help:      "Events received by the relay, by name.",
	}, []string{"event"})
)

var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		LiveMessages,
		HistoryLoads,
		CallPhases,
		ChannelReconnects,
		RelayConnections,
		RelayEvents,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
