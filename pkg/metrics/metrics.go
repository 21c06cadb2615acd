package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gateway metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "teamsync_connections_active",
			Help: "Currently open websocket connections",
		},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamsync_events_total",
			Help: "Inbound events handled, by event type",
		},
		[]string{"type"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamsync_rate_limit_hits_total",
			Help: "Operations rejected by the per-connection rate limiter",
		},
		[]string{"operation"},
	)

	ErrorEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamsync_error_events_total",
			Help: "User-visible error events sent to connections, by error code",
		},
		[]string{"code"},
	)

	// Session metrics
	MessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "teamsync_messages_appended_total",
			Help: "Messages appended to cached sessions",
		},
	)

	SessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "teamsync_sessions_expired_total",
			Help: "Sessions flushed and removed from the cache tier",
		},
	)

	WindowEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "teamsync_window_evictions_total",
			Help: "Messages evicted from the cache rolling window",
		},
	)

	// Sync metrics
	MessagesSynced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "teamsync_messages_synced_total",
			Help: "Messages flushed to durable storage",
		},
	)

	SyncFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "teamsync_sync_failures_total",
			Help: "Flush attempts that exhausted their retry budget",
		},
	)

	SyncRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "teamsync_sync_runs_total",
			Help: "Background sync sweeps completed",
		},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "teamsync_sync_duration_seconds",
			Help:    "Duration of a background sync sweep",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	LastSyncTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "teamsync_last_sync_timestamp_seconds",
			Help: "Unix time of the last completed sync sweep",
		},
	)
)
