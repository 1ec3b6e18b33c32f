// Package telemetry exposes Prometheus metrics for the streaming subsystem.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dmdata",
			Name:      "messages_received_total",
			Help:      "Data messages received before deduplication.",
		},
		[]string{"endpoint"},
	)

	DuplicatesFiltered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dmdata",
			Name:      "duplicates_filtered_total",
			Help:      "Data messages suppressed as cross-endpoint duplicates.",
		},
	)

	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dmdata",
			Name:      "active_connections",
			Help:      "Currently open WebSocket sessions.",
		},
	)

	ReconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dmdata",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts per endpoint.",
		},
		[]string{"endpoint"},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dmdata",
			Name:      "events_dropped_total",
			Help:      "Consumer events dropped because a channel was full.",
		},
	)
)

func init() {
	Registry.MustRegister(MessagesReceived, DuplicatesFiltered, ActiveConnections, ReconnectAttempts, EventsDropped)
}

// MetricsHandler exposes /metrics. Mount it with
// mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
