// Package metrics exposes Prometheus collectors for the archiver.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "telelog"

var (
	// QueueFlushes counts write-queue flushes, labeled by queue name.
	QueueFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "flushes_total",
			Help:      "Total number of write-queue flushes.",
		},
		[]string{"queue"},
	)

	// QueueFlushedMessages counts messages handed to the store by the write queue.
	QueueFlushedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "flushed_messages_total",
			Help:      "Total number of messages written by the write queue.",
		},
		[]string{"queue"},
	)

	// QueueEvictions counts items dropped because the queue was at capacity.
	QueueEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "evictions_total",
			Help:      "Total number of queue items evicted at capacity.",
		},
		[]string{"queue"},
	)

	// QueueFlushDuration observes the wall time of one flush.
	QueueFlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "flush_duration_seconds",
			Help:      "Wall time of one write-queue flush.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"queue"},
	)

	// QueueDepth reports the number of buffered items after each flush.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Buffered items in the write queue.",
		},
		[]string{"queue"},
	)

	// MessagesFetched counts messages enqueued by the crawler, per session.
	MessagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crawler",
			Name:      "messages_total",
			Help:      "Total number of messages fetched and enqueued.",
		},
		[]string{"session"},
	)

	// ChannelsCompleted counts channel fetches, labeled by session and result.
	ChannelsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crawler",
			Name:      "channels_total",
			Help:      "Total number of channel fetches partitioned by result.",
		},
		[]string{"session", "result"},
	)

	// FloodWaitSeconds observes rate-limit sleeps imposed by the source.
	FloodWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "flood_wait_seconds",
			Help:      "Rate-limit waits requested by the message source.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		},
		[]string{"session"},
	)

	// Recoveries counts crash recoveries performed at startup.
	Recoveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "marker",
			Name:      "recoveries_total",
			Help:      "Total number of recovery markers repaired at startup.",
		},
	)

	// RecoveredMessages counts messages deleted by marker recovery or abort.
	RecoveredMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "marker",
			Name:      "deleted_messages_total",
			Help:      "Total number of messages deleted from at-risk ranges.",
		},
	)

	// PendingChannels reports the size of the shared backlog.
	PendingChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "pending_channels",
			Help:      "Channels waiting to be fetched.",
		},
	)
)
