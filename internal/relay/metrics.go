package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	publishedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "game_service",
		Subsystem: "relay",
		Name:      "events_published_total",
		Help:      "Number of outbox events successfully published to the main topic.",
	})

	retriedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "game_service",
		Subsystem: "relay",
		Name:      "events_retried_total",
		Help:      "Number of outbox events rescheduled with backoff after a publish failure.",
	})

	deadCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "game_service",
		Subsystem: "relay",
		Name:      "events_dead_total",
		Help:      "Number of outbox events parked on the dead-letter topic.",
	})

	publishFailedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "game_service",
		Subsystem: "relay",
		Name:      "publish_failures_total",
		Help:      "Number of failed publish attempts to the main topic.",
	})

	invalidCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "game_service",
		Subsystem: "relay",
		Name:      "invalid_envelopes_total",
		Help:      "Number of structurally invalid envelopes routed straight to the DLQ.",
	})

	reclaimedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "game_service",
		Subsystem: "relay",
		Name:      "leases_reclaimed_total",
		Help:      "Number of expired processing leases reset to new.",
	})

	leaseLostCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "game_service",
		Subsystem: "relay",
		Name:      "leases_lost_total",
		Help:      "Number of finalize attempts that found the row reclaimed by another relay.",
	})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "game_service",
		Subsystem: "relay",
		Name:      "batch_duration_seconds",
		Help:      "Time spent reclaiming, reserving, and publishing one outbox batch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(
		publishedCounter,
		retriedCounter,
		deadCounter,
		publishFailedCounter,
		invalidCounter,
		reclaimedCounter,
		leaseLostCounter,
		batchDuration,
	)
}
