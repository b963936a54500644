// Package outbox persists domain events transactionally and defines the wire
// envelope the relay publishes to Kafka.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"example.com/game/internal/domain"
)

// ErrMissingIdempotencyKey is returned when an event type that requires a
// dedup key is emitted without one. This is a programming error: every shape
// in the domain event union derives its own key.
var ErrMissingIdempotencyKey = fmt.Errorf("outbox: idempotency_key is required for this event type")

// Emit inserts exactly one outbox row inside the caller's transaction.
// Re-emissions with the same idempotency key are silently deduplicated by
// the partial unique index over non-null keys.
func Emit(ctx context.Context, tx pgx.Tx, ev domain.Event) error {
	eventType := ev.EventType()
	key := ev.IdempotencyKey()
	if domain.RequiresIdempotencyKey(eventType) && key == "" {
		return fmt.Errorf("%w: event_type=%s", ErrMissingIdempotencyKey, eventType)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload for %s: %w", eventType, err)
	}

	const stmt = `INSERT INTO outbox_events (event_type, aggregate_type, aggregate_id, payload, idempotency_key)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		eventType,
		domain.AggregateTypeGameSession,
		ev.AggregateID(),
		payload,
		nullIfEmpty(key),
	)
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
