// Package health implements the --check readiness probe shared by the relay
// and consumer daemons.
package health

import (
	"context"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Result is the JSON report printed by --check.
type Result struct {
	OK                bool   `json:"ok"`
	DB                bool   `json:"db"`
	Kafka             bool   `json:"kafka"`
	KafkaBootstrap    string `json:"kafka_bootstrap"`
	Topic             string `json:"topic"`
	DLQTopic          string `json:"dlq_topic"`
	OutboxUnpublished int64  `json:"outbox_unpublished"`
	TimeUTC           string `json:"time_utc"`
}

// Check probes the database and the first Kafka bootstrap address. The
// outbox backlog is informational and does not affect readiness.
func Check(ctx context.Context, databaseURL string, brokers []string, topic, dlqTopic string) Result {
	res := Result{
		Topic:    topic,
		DLQTopic: dlqTopic,
		TimeUTC:  time.Now().UTC().Format(time.RFC3339),
	}
	if len(brokers) > 0 {
		res.KafkaBootstrap = brokers[0]
	}

	dbCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if pool, err := pgxpool.New(dbCtx, databaseURL); err == nil {
		if err := pool.Ping(dbCtx); err == nil {
			res.DB = true
			_ = pool.QueryRow(dbCtx, `
                SELECT count(*) FROM outbox_events
                WHERE published_at IS NULL AND status IN ('new','processing')`).
				Scan(&res.OutboxUnpublished)
		}
		pool.Close()
	}

	if res.KafkaBootstrap != "" {
		if conn, err := net.DialTimeout("tcp", res.KafkaBootstrap, time.Second); err == nil {
			res.Kafka = true
			_ = conn.Close()
		}
	}

	res.OK = res.DB && res.Kafka
	return res
}
