package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tool surface metrics
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgraph_tool_calls_total",
			Help: "Total number of tool calls by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	ToolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskgraph_tool_call_duration_seconds",
			Help:    "Tool call latency by tool",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// Scheduling metrics
	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgraph_claims_total",
			Help: "Total number of claim attempts by outcome",
		},
		[]string{"outcome"},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgraph_transitions_total",
			Help: "Total number of task status transitions by target status",
		},
		[]string{"status"},
	)

	WorkersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskgraph_workers_connected",
			Help: "Number of registered worker sessions",
		},
	)

	// File coordination metrics
	MarkWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskgraph_mark_update_waiters",
			Help: "Long-poll waiters currently blocked in mark_updates",
		},
	)

	// Notification metrics
	NotificationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskgraph_notifications_total",
			Help: "Change notifications fanned out to sessions",
		},
	)
)

// Init registers all metrics with the default registry
func Init() {
	prometheus.MustRegister(
		ToolCallsTotal,
		ToolCallDuration,
		ClaimsTotal,
		TransitionsTotal,
		WorkersConnected,
		MarkWaiters,
		NotificationsTotal,
	)
}

// Handler returns the HTTP handler for the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts the metrics scrape listener on the given address.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
