// Package metrics collects the Prometheus series exported by the
// Player, Recorder, and Rewriter.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "bagtransport"

var (
	// PlayerQueueDepth is the current read-ahead queue occupancy.
	PlayerQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "player",
			Name:      "queue_depth",
			Help:      "Current number of messages buffered in the read-ahead queue.",
		},
		[]string{"session"},
	)
	PlayerRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "player",
			Name:      "rate",
			Help:      "Current playback rate multiplier.",
		},
		[]string{"session"},
	)
	PlayerMessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "player",
			Name:      "messages_published_total",
			Help:      "Messages published during playback, by topic and result.",
		},
		[]string{"session", "topic", "result"},
	)
	PlayerPaused = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "player",
			Name:      "paused",
			Help:      "1 if playback is currently paused, 0 otherwise.",
		},
		[]string{"session"},
	)

	RecorderSubscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "subscriptions",
			Help:      "Currently subscribed topics.",
		},
		[]string{"session"},
	)
	RecorderMessagesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "messages_written_total",
			Help:      "Messages written to the bag, by topic and result.",
		},
		[]string{"session", "topic", "result"},
	)
	RecorderDiscoveryCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "discovery_cycles_total",
			Help:      "Completed topics_discovery passes.",
		},
		[]string{"session"},
	)

	RewriteMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rewriter",
			Name:      "messages_total",
			Help:      "Messages merged and fanned out by a rewrite job.",
		},
		[]string{"job"},
	)
	RewriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rewriter",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of a rewrite job.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"job"},
	)
)

func init() {
	prometheus.MustRegister(
		PlayerQueueDepth,
		PlayerRate,
		PlayerMessagesPublished,
		PlayerPaused,
		RecorderSubscriptions,
		RecorderMessagesWritten,
		RecorderDiscoveryCycles,
		RewriteMessages,
		RewriteDuration,
	)
}
