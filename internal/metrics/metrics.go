package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
		},
		[]string{"method", "path"},
	)

	// Dispatch metrics
	Dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_dispatches_total",
			Help: "Total submissions by outcome",
		},
		[]string{"outcome"}, // replied, offline, fallback, superseded, reply_not_persisted, coalesced, busy, rejected
	)

	GenerationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_generation_failures_total",
			Help: "Total failed generation requests",
		},
		[]string{"kind"}, // auth, server, network, empty, context
	)

	GenerationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatsync_generation_latency_seconds",
			Help:    "Generation request latency",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// Store metrics
	PersistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_persistence_errors_total",
			Help: "Total failed remote store operations",
		},
		[]string{"op"},
	)

	ChatsTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_chats",
			Help: "Chats held in the local view",
		},
	)

	// Connectivity
	Online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_online",
			Help: "1 when the network monitor reports online",
		},
	)

	SnapshotWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_snapshot_writes_total",
			Help: "Total snapshot writes",
		},
		[]string{"status"}, // ok, error
	)
)
