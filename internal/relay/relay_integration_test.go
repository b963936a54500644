//go:build integration

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/game/internal/outbox"
)

func testConfig() Config {
	return Config{
		Topic:          "game-events",
		DLQTopic:       "game-events.dlq",
		BatchSize:      10,
		MaxAttempts:    3,
		LockTTL:        30 * time.Second,
		PublishTimeout: 2 * time.Second,
		IdleSleep:      10 * time.Millisecond,
	}
}

func TestRelayPublishesAndMarksSent(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	id := seedOutboxRow(t, ctx, pool, "phase.changed", nil)

	producer := &stubProducer{}
	r := New(pool, producer, testConfig())

	beforePublished := testutil.ToFloat64(publishedCounter)
	beforeHistogram := histogramSampleCount(t)

	n, err := r.processBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.InDelta(t, beforePublished+1, testutil.ToFloat64(publishedCounter), 0.0001)
	require.Greater(t, histogramSampleCount(t), beforeHistogram)

	require.Len(t, producer.writes, 1)
	require.Equal(t, "game-events", producer.writes[0].topic)

	msg := producer.writes[0].messages[0]
	var env outbox.Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	require.Equal(t, id.String(), env.EventID)
	require.Equal(t, 1, env.SchemaVersion)
	require.Equal(t, env.Aggregate.ID, string(msg.Key), "partition key is the aggregate id")
	require.Nil(t, env.DLQ)

	assertRow(t, ctx, pool, id, "sent", 1)
	var publishedAt *time.Time
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT published_at FROM outbox_events WHERE id = $1`, id).Scan(&publishedAt))
	require.NotNil(t, publishedAt)
}

func TestRelaySchedulesRetryWithBackoff(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	id := seedOutboxRow(t, ctx, pool, "phase.changed", nil)

	producer := &stubProducer{err: errors.New("broker unavailable")}
	r := New(pool, producer, testConfig())

	_, err := r.processBatch(ctx)
	require.NoError(t, err)

	assertRow(t, ctx, pool, id, "new", 1)

	var nextRetry *time.Time
	var lastError *string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT next_retry_at, last_error FROM outbox_events WHERE id = $1`, id).
		Scan(&nextRetry, &lastError))
	require.NotNil(t, nextRetry)
	require.True(t, nextRetry.After(time.Now()), "retry must be in the future")
	require.NotNil(t, lastError)
	require.Contains(t, *lastError, "broker unavailable")

	// The row is invisible to reserve until next_retry_at passes.
	n, err := r.processBatch(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRelayEscalatesToDLQAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	id := seedOutboxRow(t, ctx, pool, "phase.changed", nil)

	// Two failed attempts already on record; the next failure escalates.
	_, err := pool.Exec(ctx,
		`UPDATE outbox_events SET publish_attempts = 2 WHERE id = $1`, id)
	require.NoError(t, err)

	producer := &stubProducer{errFor: map[string]error{"game-events": errors.New("broker unavailable")}}
	r := New(pool, producer, testConfig())

	_, err = r.processBatch(ctx)
	require.NoError(t, err)

	require.Len(t, producer.writes, 1)
	require.Equal(t, "game-events.dlq", producer.writes[0].topic)

	var env outbox.Envelope
	require.NoError(t, json.Unmarshal(producer.writes[0].messages[0].Value, &env))
	require.NotNil(t, env.DLQ)
	require.Equal(t, 3, env.DLQ.Attempts)
	require.Contains(t, env.DLQ.Error, "broker unavailable")

	assertRow(t, ctx, pool, id, "dead", 3)
}

func TestRelayRecyclesRowWhenDLQPublishFails(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	id := seedOutboxRow(t, ctx, pool, "phase.changed", nil)
	_, err := pool.Exec(ctx,
		`UPDATE outbox_events SET publish_attempts = 2 WHERE id = $1`, id)
	require.NoError(t, err)

	// Broker-wide outage: both topics fail. The row must never go dead
	// silently.
	producer := &stubProducer{err: errors.New("cluster down")}
	r := New(pool, producer, testConfig())

	_, err = r.processBatch(ctx)
	require.NoError(t, err)

	assertRow(t, ctx, pool, id, "new", 3)

	var lastError string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT last_error FROM outbox_events WHERE id = $1`, id).Scan(&lastError))
	require.Contains(t, lastError, "DLQ")
	require.Contains(t, lastError, "cause")
}

func TestRelayRoutesInvalidEnvelopeToDLQ(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	// Empty event_type fails envelope validation.
	id := seedOutboxRow(t, ctx, pool, "", nil)

	producer := &stubProducer{}
	r := New(pool, producer, testConfig())

	_, err := r.processBatch(ctx)
	require.NoError(t, err)

	require.Len(t, producer.writes, 1)
	require.Equal(t, "game-events.dlq", producer.writes[0].topic)
	assertRow(t, ctx, pool, id, "dead", 1)
}

func TestRelayReclaimsExpiredLeases(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	id := seedOutboxRow(t, ctx, pool, "phase.changed", nil)

	// Simulate a crashed relay holding an expired lease.
	_, err := pool.Exec(ctx, `
        UPDATE outbox_events
        SET status = 'processing', lock_owner = 'dead-host:1', locked_until = now() - interval '1 minute'
        WHERE id = $1`, id)
	require.NoError(t, err)

	producer := &stubProducer{}
	r := New(pool, producer, testConfig())

	n, err := r.processBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assertRow(t, ctx, pool, id, "sent", 1)
}

func TestRelayFinalizeIsNoOpAfterLeaseLoss(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	id := seedOutboxRow(t, ctx, pool, "phase.changed", nil)

	r := New(pool, &stubProducer{}, testConfig())

	rows, err := r.reserve(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// Another relay reclaims the row while we hold it.
	_, err = pool.Exec(ctx, `
        UPDATE outbox_events
        SET lock_owner = 'other-host:2'
        WHERE id = $1`, id)
	require.NoError(t, err)

	r.markSent(ctx, rows[0])

	var status string
	var attempts int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT status, publish_attempts FROM outbox_events WHERE id = $1`, id).
		Scan(&status, &attempts))
	require.Equal(t, "processing", status, "guarded update must not touch a reclaimed row")
	require.Zero(t, attempts)
}

func TestConcurrentRelaysPublishEachRowOnce(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	const total = 100
	for i := 0; i < total; i++ {
		seedOutboxRow(t, ctx, pool, "phase.changed", nil)
	}

	producer := &stubProducer{}
	a := New(pool, producer, testConfig())
	b := New(pool, producer, testConfig())

	runCtx, stop := context.WithCancel(ctx)
	go a.Start(runCtx)
	go b.Start(runCtx)

	require.Eventually(t, func() bool {
		var sent int
		if err := pool.QueryRow(ctx,
			`SELECT count(*) FROM outbox_events WHERE status = 'sent'`).Scan(&sent); err != nil {
			return false
		}
		return sent == total
	}, 30*time.Second, 100*time.Millisecond)

	stop()
	a.Wait()
	b.Wait()

	producer.mu.Lock()
	defer producer.mu.Unlock()
	seen := make(map[string]int)
	for _, batch := range producer.writes {
		require.Equal(t, "game-events", batch.topic)
		for _, msg := range batch.messages {
			var env outbox.Envelope
			require.NoError(t, json.Unmarshal(msg.Value, &env))
			seen[env.EventID]++
		}
	}
	require.Len(t, seen, total)
	for id, count := range seen {
		require.Equal(t, 1, count, "event %s published more than once", id)
	}
}

type stubProducer struct {
	mu     sync.Mutex
	err    error
	errFor map[string]error
	writes []writtenBatch
}

type writtenBatch struct {
	topic    string
	messages []kafka.Message
}

func (s *stubProducer) WriteMessages(_ context.Context, topic string, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	if err, ok := s.errFor[topic]; ok {
		return err
	}
	copied := make([]kafka.Message, len(msgs))
	copy(copied, msgs)
	s.writes = append(s.writes, writtenBatch{topic: topic, messages: copied})
	return nil
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, batchDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist.GetSampleCount()
}

func seedOutboxRow(t *testing.T, ctx context.Context, pool *pgxpool.Pool, eventType string, key *string) uuid.UUID {
	t.Helper()

	var id uuid.UUID
	require.NoError(t, pool.QueryRow(ctx, `
        INSERT INTO outbox_events (event_type, aggregate_type, aggregate_id, payload, idempotency_key)
        VALUES ($1, 'game_session', $2, '{"chat_id":-1}', $3)
        RETURNING id`, eventType, uuid.New(), key).Scan(&id))
	return id
}

func assertRow(t *testing.T, ctx context.Context, pool *pgxpool.Pool, id uuid.UUID, wantStatus string, wantAttempts int) {
	t.Helper()

	var status string
	var attempts int
	var lockOwner *string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT status, publish_attempts, lock_owner FROM outbox_events WHERE id = $1`, id).
		Scan(&status, &attempts, &lockOwner))
	require.Equal(t, wantStatus, status)
	require.Equal(t, wantAttempts, attempts)
	require.Nil(t, lockOwner, "finalized rows must not hold a lease")
}

func setupPostgres(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("game"),
		postgrescontainer.WithUsername("game"),
		postgrescontainer.WithPassword("game"),
	)
	require.NoError(t, err)

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		_ = pg.Terminate(ctx)
	}
	return pool, cleanup
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	t.Helper()

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	migrationsDir := resolvePath(t, "../../db/postgres/migrations")
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files, "expected at least one migration .up.sql file")

	sort.Strings(files)

	for _, file := range files {
		contents, readErr := os.ReadFile(file)
		require.NoErrorf(t, readErr, "read migration %s", file)

		if _, execErr := pool.Exec(ctx, string(contents)); execErr != nil {
			require.NoErrorf(t, execErr, "execute migration %s", file)
		}
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(500 * time.Millisecond)
	}
}
