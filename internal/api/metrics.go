package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine counters exposed on /metrics. Event counts are incremented as the
// broadcaster fans frames out, so the counter tracks exactly what UI
// clients were offered.
var (
	eventsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "daytrader",
		Subsystem: "api",
		Name:      "events_broadcast_total",
		Help:      "Frames fanned out to websocket stream clients.",
	})

	wsClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "daytrader",
		Subsystem: "api",
		Name:      "ws_clients",
		Help:      "Currently connected websocket stream clients.",
	})

	operatorCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "daytrader",
		Subsystem: "api",
		Name:      "operator_commands_total",
		Help:      "Operator commands received over the HTTP surface.",
	}, []string{"command"})
)
