// Package relay leases outbox rows and publishes them to Kafka with bounded
// retries and dead-letter escalation.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"example.com/game/internal/outbox"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

// Config carries the relay's runtime knobs. Zero values are replaced by the
// documented defaults.
type Config struct {
	Topic          string
	DLQTopic       string
	BatchSize      int
	MaxAttempts    int
	LockTTL        time.Duration
	PublishTimeout time.Duration
	IdleSleep      time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 500 * time.Millisecond
	}
}

// Relay drains the outbox with lease-based reservation. Multiple relay
// processes may run in parallel: reservation uses FOR UPDATE SKIP LOCKED and
// every finalize is guarded by (status, lock_owner), so a row reclaimed after
// lease expiry can only be finalized by its new owner.
type Relay struct {
	pool             *pgxpool.Pool
	producer         messageWriter
	cfg              Config
	owner            string
	logger           *log.Logger
	shutdownComplete chan struct{}
}

// New constructs a Relay. The lock owner is host:pid so operators can trace
// a stuck lease back to a process.
func New(pool *pgxpool.Pool, producer messageWriter, cfg Config) *Relay {
	cfg.applyDefaults()
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Relay{
		pool:             pool,
		producer:         producer,
		cfg:              cfg,
		owner:            fmt.Sprintf("%s:%d", host, os.Getpid()),
		logger:           log.New(log.Writer(), "[relay] ", log.LstdFlags),
		shutdownComplete: make(chan struct{}),
	}
}

// Start launches the polling loop. It should be called in a goroutine.
func (r *Relay) Start(ctx context.Context) {
	defer close(r.shutdownComplete)

	for {
		n, err := r.processBatch(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Printf("batch error: %v", err)
		}

		if ctx.Err() != nil {
			return
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.IdleSleep):
			}
		}
	}
}

// Wait blocks until the relay loop has drained and stopped.
func (r *Relay) Wait() {
	<-r.shutdownComplete
}

// row is an outbox row reserved by this relay instance.
type row struct {
	ID              uuid.UUID
	EventType       string
	AggregateType   string
	AggregateID     uuid.UUID
	Payload         json.RawMessage
	IdempotencyKey  *string
	CreatedAt       time.Time
	PublishAttempts int
}

// processBatch runs one reclaim+reserve+publish cycle and returns the number
// of rows handled.
func (r *Relay) processBatch(ctx context.Context) (int, error) {
	start := time.Now()

	if err := r.reclaimExpired(ctx); err != nil {
		return 0, fmt.Errorf("reclaim: %w", err)
	}

	rows, err := r.reserve(ctx)
	if err != nil {
		return 0, fmt.Errorf("reserve: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	defer batchDuration.Observe(time.Since(start).Seconds())

	for _, rw := range rows {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		r.publishRow(ctx, rw)
	}
	return len(rows), nil
}

// reclaimExpired returns expired processing rows to new so a relay crash
// cannot freeze events. The reclaimed rows become reservable immediately.
func (r *Relay) reclaimExpired(ctx context.Context) error {
	tag, err := r.pool.Exec(ctx, `
        UPDATE outbox_events
        SET status = 'new', lock_owner = NULL, locked_until = NULL
        WHERE status = 'processing' AND locked_until < now()`)
	if err != nil {
		return err
	}
	if n := tag.RowsAffected(); n > 0 {
		reclaimedCounter.Add(float64(n))
		r.logger.Printf("reclaimed %d expired leases", n)
	}
	return nil
}

// reserve atomically moves up to BatchSize ready rows to processing under
// this relay's lease. Rows locked by other relay instances are skipped.
func (r *Relay) reserve(ctx context.Context) ([]row, error) {
	const query = `
        UPDATE outbox_events o
        SET status = 'processing',
            lock_owner = $1,
            locked_until = now() + make_interval(secs => $2)
        WHERE o.id IN (
            SELECT id
            FROM outbox_events
            WHERE published_at IS NULL
              AND status = 'new'
              AND (next_retry_at IS NULL OR next_retry_at <= now())
            ORDER BY created_at ASC
            LIMIT $3
            FOR UPDATE SKIP LOCKED
        )
        RETURNING o.id, o.event_type, o.aggregate_type, o.aggregate_id,
                  o.payload, o.idempotency_key, o.created_at, o.publish_attempts`

	rows, err := r.pool.Query(ctx, query, r.owner, r.cfg.LockTTL.Seconds(), r.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reserved := make([]row, 0, r.cfg.BatchSize)
	for rows.Next() {
		var rw row
		if err := rows.Scan(&rw.ID, &rw.EventType, &rw.AggregateType, &rw.AggregateID,
			&rw.Payload, &rw.IdempotencyKey, &rw.CreatedAt, &rw.PublishAttempts); err != nil {
			return nil, err
		}
		reserved = append(reserved, rw)
	}
	return reserved, rows.Err()
}

// publishRow drives one row through the state machine. All outcomes end in a
// guarded finalize; infra errors are converted to retry schedules and never
// propagate.
func (r *Relay) publishRow(ctx context.Context, rw row) {
	env := buildEnvelope(rw)
	if err := env.Validate(); err != nil {
		invalidCounter.Inc()
		r.escalate(ctx, rw, fmt.Errorf("invalid envelope: %w", err))
		return
	}

	if err := r.send(ctx, r.cfg.Topic, env); err != nil {
		publishFailedCounter.Inc()
		if rw.PublishAttempts+1 >= r.cfg.MaxAttempts {
			r.escalate(ctx, rw, err)
			return
		}
		r.markRetry(ctx, rw, err)
		return
	}

	r.markSent(ctx, rw)
}

// escalate publishes the DLQ-augmented envelope to the dead-letter topic.
// Only a successful DLQ publish may mark the row dead; a broker-wide outage
// must recycle the row instead of silently losing the event.
func (r *Relay) escalate(ctx context.Context, rw row, cause error) {
	env := buildEnvelope(rw)
	env.DLQ = &outbox.DLQInfo{
		FailedAt: outbox.FormatTime(time.Now()),
		Attempts: rw.PublishAttempts + 1,
		Error:    cause.Error(),
	}

	if err := r.send(ctx, r.cfg.DLQTopic, env); err != nil {
		r.markRetry(ctx, rw, fmt.Errorf("DLQ %v (cause: %v)", err, cause))
		return
	}
	r.markDead(ctx, rw, cause)
}

func (r *Relay) send(ctx context.Context, topic string, env *outbox.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	return r.producer.WriteMessages(pubCtx, topic, kafka.Message{
		Key:   env.PartitionKey(),
		Value: value,
		Time:  time.Now().UTC(),
	})
}

// markSent finalizes a successful publish. The guard makes the update a
// no-op when another relay reclaimed the row after our lease expired; the
// new owner will re-publish and the consumer deduplicates.
func (r *Relay) markSent(ctx context.Context, rw row) {
	tag, err := r.pool.Exec(ctx, `
        UPDATE outbox_events
        SET status = 'sent',
            published_at = now(),
            publish_attempts = publish_attempts + 1,
            last_error = NULL,
            lock_owner = NULL,
            locked_until = NULL,
            next_retry_at = NULL
        WHERE id = $1 AND status = 'processing' AND lock_owner = $2`,
		rw.ID, r.owner)
	if err != nil {
		r.logger.Printf("mark sent failed (id=%s): %v", rw.ID, err)
		return
	}
	if tag.RowsAffected() == 0 {
		leaseLostCounter.Inc()
		r.logger.Printf("lease lost before mark sent (id=%s)", rw.ID)
		return
	}
	publishedCounter.Inc()
}

// markRetry reschedules the row with exponential backoff.
func (r *Relay) markRetry(ctx context.Context, rw row, cause error) {
	delay := backoffDelay(rw.PublishAttempts + 1)
	tag, err := r.pool.Exec(ctx, `
        UPDATE outbox_events
        SET status = 'new',
            publish_attempts = publish_attempts + 1,
            last_error = $3,
            next_retry_at = now() + make_interval(secs => $4),
            lock_owner = NULL,
            locked_until = NULL
        WHERE id = $1 AND status = 'processing' AND lock_owner = $2`,
		rw.ID, r.owner, truncateError(cause), delay.Seconds())
	if err != nil {
		r.logger.Printf("mark retry failed (id=%s): %v", rw.ID, err)
		return
	}
	if tag.RowsAffected() == 0 {
		leaseLostCounter.Inc()
		return
	}
	retriedCounter.Inc()
}

// markDead finalizes a row whose envelope is parked on the DLQ topic.
func (r *Relay) markDead(ctx context.Context, rw row, cause error) {
	tag, err := r.pool.Exec(ctx, `
        UPDATE outbox_events
        SET status = 'dead',
            published_at = now(),
            publish_attempts = publish_attempts + 1,
            last_error = $3,
            lock_owner = NULL,
            locked_until = NULL,
            next_retry_at = NULL
        WHERE id = $1 AND status = 'processing' AND lock_owner = $2`,
		rw.ID, r.owner, truncateError(fmt.Errorf("DLQ: %v", cause)))
	if err != nil {
		r.logger.Printf("mark dead failed (id=%s): %v", rw.ID, err)
		return
	}
	if tag.RowsAffected() == 0 {
		leaseLostCounter.Inc()
		return
	}
	deadCounter.Inc()
	r.logger.Printf("event dead-lettered (id=%s, type=%s): %v", rw.ID, rw.EventType, cause)
}

func buildEnvelope(rw row) *outbox.Envelope {
	return &outbox.Envelope{
		SchemaVersion:  outbox.SchemaVersion,
		EventID:        rw.ID.String(),
		Type:           rw.EventType,
		Aggregate:      outbox.Aggregate{Type: rw.AggregateType, ID: rw.AggregateID.String()},
		IdempotencyKey: rw.IdempotencyKey,
		CreatedAt:      outbox.FormatTime(rw.CreatedAt),
		Payload:        rw.Payload,
	}
}

const maxErrorLen = 4000

func truncateError(err error) string {
	s := err.Error()
	if len(s) > maxErrorLen {
		return s[:maxErrorLen]
	}
	return s
}
