// Package metrics defines the Prometheus instrumentation for the miner.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PubSub metrics
var (
	PubSubMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_messages_total",
			Help: "Total PubSub envelopes received by envelope type",
		},
		[]string{"type"},
	)

	PubSubReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_reconnects_total",
			Help: "Total PubSub reconnect attempts",
		},
	)

	PubSubDroppedDuplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_dropped_duplicates_total",
			Help: "Total PubSub messages dropped by the dedup window",
		},
	)

	PubSubDroppedBacklogTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pubsub_dropped_backlog_total",
			Help: "Total PubSub messages dropped because the dispatch backlog was full",
		},
	)

	PubSubActiveTopics = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pubsub_active_topics",
			Help: "Currently subscribed PubSub topics",
		},
	)
)

// GQL client metrics
var (
	GQLRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gql_requests_total",
			Help: "Total GQL requests by operation and status",
		},
		[]string{"operation", "status"},
	)

	GQLRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gql_request_duration_seconds",
			Help:    "GQL request duration in seconds",
			Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)
)

// Miner metrics
var (
	EventsRecordedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miner_events_recorded_total",
			Help: "Total channel point events handed to the event store by type",
		},
		[]string{"event_type"},
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miner_claims_total",
			Help: "Total bonus claim attempts by outcome",
		},
		[]string{"outcome"},
	)

	MinuteWatchedTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miner_minute_watched_ticks_total",
			Help: "Total minute-watched telemetry posts by status",
		},
		[]string{"status"},
	)

	WatchedStreamers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "miner_watched_streamers",
			Help: "Streamers currently selected for watching",
		},
	)

	LiveStreamers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "miner_live_streamers",
			Help: "Streamers currently confirmed live",
		},
	)
)

// Persistence metrics
var (
	EventStoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_store_errors_total",
			Help: "Swallowed event store failures by operation",
		},
		[]string{"operation"},
	)
)
