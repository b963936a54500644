package outbox

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion identifies the current envelope layout.
const SchemaVersion = 1

// Aggregate identifies the consistency unit an event belongs to. Its id is
// also the Kafka partition key, which preserves per-aggregate ordering.
type Aggregate struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// DLQInfo is attached to envelopes parked on the dead-letter topic.
type DLQInfo struct {
	FailedAt string `json:"failed_at"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// Envelope is the JSON object published to the main topic and, augmented
// with DLQ, to the dead-letter topic.
type Envelope struct {
	SchemaVersion  int             `json:"schema_version"`
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	Aggregate      Aggregate       `json:"aggregate"`
	IdempotencyKey *string         `json:"idempotency_key"`
	CreatedAt      string          `json:"created_at"`
	Payload        json.RawMessage `json:"payload"`
	DLQ            *DLQInfo        `json:"dlq,omitempty"`
}

var (
	errMissingEventID     = errors.New("envelope: event_id is not a UUID")
	errMissingType        = errors.New("envelope: type is empty")
	errMissingAggregateID = errors.New("envelope: aggregate.id is not a UUID")
)

// Validate checks the structural invariants the consumer relies on. An
// invalid envelope must never reach the main topic.
func (e *Envelope) Validate() error {
	if _, err := uuid.Parse(e.EventID); err != nil {
		return errMissingEventID
	}
	if e.Type == "" {
		return errMissingType
	}
	if _, err := uuid.Parse(e.Aggregate.ID); err != nil {
		return errMissingAggregateID
	}
	return nil
}

// PartitionKey returns the Kafka message key for the envelope.
func (e *Envelope) PartitionKey() []byte {
	return []byte(e.Aggregate.ID)
}

// FormatTime renders timestamps the way the wire contract requires:
// RFC 3339 UTC with a trailing Z.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
