package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebSocket Metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rtc_ws_connections_active",
		Help: "The current number of active WebSocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtc_ws_connections_total",
		Help: "The total number of WebSocket connections accepted.",
	})
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtc_events_total",
		Help: "The total number of inbound events by name.",
	}, []string{"event"})

	// Call Metrics
	CallTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtc_call_transitions_total",
		Help: "The total number of call state transitions by target state.",
	}, []string{"state"})
	SignalsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtc_signals_relayed_total",
		Help: "The total number of relayed negotiation payloads.",
	}, []string{"kind", "outcome"})
	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtc_persistence_failures_total",
		Help: "The total number of durable snapshot writes that failed.",
	})
	HandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtc_handler_errors_total",
		Help: "The total number of failed event handlers by operation and error kind.",
	}, []string{"op", "kind"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
