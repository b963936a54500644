// Package consumer materializes the per-chat read model from the event
// stream with effective exactly-once semantics.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

// ConsumedRecord describes one delivery to be applied and logged.
type ConsumedRecord struct {
	EventID       uuid.UUID
	Topic         string
	Partition     int
	Offset        int64
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
}

// Store is the consumer-side persistence contract. ApplyEvent must, in one
// transaction, recompute the read model for the record's aggregate and
// insert the consumed-events row (conflict-ignore on event_id).
// MarkConsumed inserts the consumed row alone; it is the poison-message
// escape hatch used after a DLQ publish.
type Store interface {
	IsConsumed(ctx context.Context, eventID uuid.UUID) (bool, error)
	ApplyEvent(ctx context.Context, rec ConsumedRecord) error
	MarkConsumed(ctx context.Context, rec ConsumedRecord) error
}

// Config carries the processor's runtime knobs.
type Config struct {
	DLQTopic     string
	MaxAttempts  int
	FetchBackoff time.Duration
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger *log.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// Processor pulls envelopes from Kafka, deduplicates them by event id, and
// applies each at most once as an observable read-model change.
type Processor struct {
	reader Reader
	store  Store
	dlq    messageWriter
	cfg    Config
	logger *log.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(reader Reader, store Store, dlq messageWriter, cfg Config, opts ...Option) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.FetchBackoff <= 0 {
		cfg.FetchBackoff = 3 * time.Second
	}
	p := &Processor{
		reader: reader,
		store:  store,
		dlq:    dlq,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[consumer] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// envelope is the permissively-decoded wire shape. Unknown fields are
// ignored; missing ones fail validation and skip the record.
type envelope struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	Aggregate struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"aggregate"`
}

// Run starts a blocking loop that processes Kafka records until the context
// is cancelled. Malformed records never block the stream: they are counted
// as skipped and their offsets committed.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// A broken broker connection must not spin the loop.
			p.logger.Printf("fetch error: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.FetchBackoff):
			}
			continue
		}

		rec, decodeErr := decodeRecord(msg)
		if decodeErr != nil {
			recordSkipped(msg.Topic)
			p.commit(ctx, msg)
			continue
		}

		consumed, err := p.store.IsConsumed(ctx, rec.EventID)
		if err != nil {
			// Transient store failure before any state change: do not
			// commit, the record will be redelivered.
			p.logger.Printf("dedup check error (event_id=%s): %v", rec.EventID, err)
			continue
		}
		if consumed {
			recordDedup(rec.EventType)
			p.commit(ctx, msg)
			continue
		}

		if err := p.applyWithRetry(ctx, rec); err != nil {
			p.deadLetter(ctx, msg, rec, err)
			p.commit(ctx, msg)
			continue
		}

		recordProcessed(rec.EventType, msg.Time)
		p.commit(ctx, msg)
	}
}

// applyWithRetry applies the record with bounded exponential backoff
// (200 ms base, 2 s cap).
func (p *Processor) applyWithRetry(ctx context.Context, rec ConsumedRecord) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.RandomizationFactor = 0
	b.Multiplier = 2

	op := func() error {
		return p.store.ApplyEvent(ctx, rec)
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.MaxAttempts-1)), ctx))
}

// deadLetter publishes the failed record with full context, then records the
// event as consumed under a DLQ-prefixed type. Marking it consumed is what
// breaks poison-message loops: the next delivery dedups instead of failing
// again.
func (p *Processor) deadLetter(ctx context.Context, msg kafka.Message, rec ConsumedRecord, cause error) {
	recordError(rec.EventType)
	p.logger.Printf("processing failed after %d attempts (event_id=%s, type=%s): %v",
		p.cfg.MaxAttempts, rec.EventID, rec.EventType, cause)

	payload, err := json.Marshal(map[string]any{
		"reason":   "processing_error",
		"attempt":  p.cfg.MaxAttempts,
		"error":    cause.Error(),
		"original": json.RawMessage(msg.Value),
		"src": map[string]any{
			"topic":     msg.Topic,
			"partition": msg.Partition,
			"offset":    msg.Offset,
			"key":       string(msg.Key),
		},
	})
	if err != nil {
		p.logger.Printf("marshal DLQ payload: %v", err)
		return
	}

	if err := p.dlq.WriteMessages(ctx, p.cfg.DLQTopic, kafka.Message{
		Key:   msg.Key,
		Value: payload,
		Time:  time.Now().UTC(),
	}); err != nil {
		p.logger.Printf("DLQ publish failed (event_id=%s): %v", rec.EventID, err)
	} else {
		recordDLQ(rec.EventType)
	}

	dlqRec := rec
	dlqRec.EventType = "DLQ:" + rec.EventType
	if err := p.store.MarkConsumed(ctx, dlqRec); err != nil {
		p.logger.Printf("mark consumed after DLQ failed (event_id=%s): %v", rec.EventID, err)
	}
}

func (p *Processor) commit(ctx context.Context, msg kafka.Message) {
	if err := p.reader.CommitMessages(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Printf("commit error (topic=%s, offset=%d): %v", msg.Topic, msg.Offset, err)
	}
}

// decodeRecord validates the structural minimum the read model depends on.
func decodeRecord(msg kafka.Message) (ConsumedRecord, error) {
	var env envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return ConsumedRecord{}, fmt.Errorf("decode envelope: %w", err)
	}

	eventID, err := uuid.Parse(env.EventID)
	if err != nil {
		return ConsumedRecord{}, fmt.Errorf("invalid event_id %q", env.EventID)
	}
	aggregateID, err := uuid.Parse(env.Aggregate.ID)
	if err != nil {
		return ConsumedRecord{}, fmt.Errorf("invalid aggregate.id %q", env.Aggregate.ID)
	}
	eventType := env.Type
	if eventType == "" {
		eventType = "unknown"
	}

	return ConsumedRecord{
		EventID:       eventID,
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		AggregateType: env.Aggregate.Type,
		AggregateID:   aggregateID,
		EventType:     eventType,
	}, nil
}
