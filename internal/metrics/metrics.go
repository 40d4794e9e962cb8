// Package metrics provides Prometheus instrumentation for the messaging
// backend: connection and presence gauges, append/delivery counters, and
// append latency histograms.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "courier_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of users currently online on this instance.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "courier_online_users",
		Help: "Current number of users with at least one live connection",
	})

	// MessagesAppended counts messages committed to the conversation log.
	MessagesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_messages_appended_total",
		Help: "Total number of messages committed to the conversation log",
	})

	// AppendLatency records conversation log append latency in seconds.
	AppendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "courier_append_latency_seconds",
		Help:    "Conversation log append latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// EventsDelivered counts events handed to subscriber sinks, labeled by
	// kind: "message" or "presence".
	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_events_delivered_total",
		Help: "Total number of events delivered to live subscribers",
	}, []string{"kind"})

	// EventsDropped counts events discarded by subscriber queue overflow.
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_events_dropped_total",
		Help: "Total number of events dropped due to slow subscribers",
	})

	// PushRequests counts notification dispatches, labeled by outcome:
	// "requested", "delivered", "no_token", "failed".
	PushRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_push_requests_total",
		Help: "Total number of push notification dispatch attempts",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		OnlineUsers,
		MessagesAppended,
		AppendLatency,
		EventsDelivered,
		EventsDropped,
		PushRequests,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
