package consumer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	processedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "game_service",
		Subsystem: "consumer",
		Name:      "events_processed_total",
		Help:      "Number of events applied to the read model.",
	}, []string{"event_type"})

	dedupCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "game_service",
		Subsystem: "consumer",
		Name:      "events_dedup_total",
		Help:      "Number of redelivered events skipped by the consumed-events log.",
	}, []string{"event_type"})

	skippedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "game_service",
		Subsystem: "consumer",
		Name:      "events_skipped_total",
		Help:      "Number of malformed records committed without processing.",
	}, []string{"topic"})

	dlqCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "game_service",
		Subsystem: "consumer",
		Name:      "events_dlq_total",
		Help:      "Number of events published to the consumer dead-letter topic.",
	}, []string{"event_type"})

	errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "game_service",
		Subsystem: "consumer",
		Name:      "processing_errors_total",
		Help:      "Number of events that exhausted their in-process retries.",
	}, []string{"event_type"})

	lastMessageGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "game_service",
		Subsystem: "consumer",
		Name:      "last_message_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successfully processed record.",
	})
)

func init() {
	prometheus.MustRegister(processedCounter, dedupCounter, skippedCounter, dlqCounter, errorCounter, lastMessageGauge)
}

func recordProcessed(eventType string, ts time.Time) {
	processedCounter.WithLabelValues(eventType).Inc()
	if !ts.IsZero() {
		lastMessageGauge.Set(float64(ts.Unix()))
	}
}

func recordDedup(eventType string) { dedupCounter.WithLabelValues(eventType).Inc() }
func recordSkipped(topic string) { skippedCounter.WithLabelValues(topic).Inc() }
func recordDLQ(eventType string) { dlqCounter.WithLabelValues(eventType).Inc() }
func recordError(eventType string) { errorCounter.WithLabelValues(eventType).Inc() }
