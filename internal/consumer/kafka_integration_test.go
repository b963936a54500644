//go:build integration

package consumer_test

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkacontainer "github.com/testcontainers/testcontainers-go/modules/kafka"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/game/internal/consumer"
	"example.com/game/internal/outbox"
	"example.com/game/internal/persistence/postgres"
)

type dlqRecorder struct {
	mu     sync.Mutex
	writes []kafka.Message
}

func (d *dlqRecorder) WriteMessages(_ context.Context, _ string, msgs ...kafka.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, msgs...)
	return nil
}

type logWriter struct {
	t *testing.T
}

func (lw logWriter) Write(p []byte) (int, error) {
	lw.t.Log(string(p))
	return len(p), nil
}

func TestConsumerMaterializesReadModelFromKafka(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	pool, pgCleanup := setupPostgres(t, ctx)
	defer pgCleanup()
	store := postgres.NewStore(pool)

	broker := setupKafka(t, ctx)
	const topic = "game-events"
	createTopic(t, broker, topic, "game-events.dlq")

	const chatID = -3001
	sess, err := store.CreateGame(ctx, chatID, 10)
	require.NoError(t, err)
	_, err = store.JoinGame(ctx, chatID, 20, "BR", "Brazil")
	require.NoError(t, err)

	eventID := uuid.New()
	env := outbox.Envelope{
		SchemaVersion: outbox.SchemaVersion,
		EventID:       eventID.String(),
		Type:          "player.joined",
		Aggregate:     outbox.Aggregate{Type: "game_session", ID: sess.ID.String()},
		CreatedAt:     outbox.FormatTime(time.Now()),
		Payload:       json.RawMessage(`{"chat_id":-3001,"tg_user_id":20}`),
	}
	value, err := json.Marshal(&env)
	require.NoError(t, err)

	writer := &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	defer writer.Close()

	// The same envelope twice: the second delivery must dedup.
	for i := 0; i < 2; i++ {
		require.NoError(t, writer.WriteMessages(ctx, kafka.Message{
			Key:   env.PartitionKey(),
			Value: value,
			Time:  time.Now().UTC(),
		}))
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         []string{broker},
		GroupID:         "game-consumer-test",
		Topic:           topic,
		MinBytes:        1,
		MaxBytes:        10e6,
		ReadLagInterval: -1,
	})
	defer reader.Close()

	dlq := &dlqRecorder{}
	proc := consumer.NewProcessor(reader, store, dlq,
		consumer.Config{DLQTopic: "game-events.dlq", MaxAttempts: 3},
		consumer.WithLogger(log.New(logWriter{t}, "", 0)))

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = proc.Run(runCtx)
	}()

	require.Eventually(t, func() bool {
		rm, err := store.GetReadModel(ctx, chatID)
		return err == nil && rm != nil && rm.PlayersTotal == 1
	}, 90*time.Second, 250*time.Millisecond, "read model row should appear")

	require.Eventually(t, func() bool {
		consumed, err := store.IsConsumed(ctx, eventID)
		return err == nil && consumed
	}, 30*time.Second, 250*time.Millisecond)

	stop()
	<-done

	var consumedRows int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM consumed_events WHERE event_id = $1`, eventID).Scan(&consumedRows))
	require.Equal(t, 1, consumedRows, "redelivery must not add a second dedup row")
	require.Empty(t, dlq.writes)
}

func setupKafka(t *testing.T, ctx context.Context) string {
	t.Helper()

	kc, err := kafkacontainer.RunContainer(ctx, testcontainers.WithEnv(map[string]string{
		"KAFKA_AUTO_CREATE_TOPICS_ENABLE": "true",
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kc.Terminate(context.Background()) })

	brokers, err := kc.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker string, topics ...string) {
	t.Helper()

	conn, err := kafka.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, topic := range topics {
		configs = append(configs, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: 1,
		})
	}
	require.NoError(t, conn.CreateTopics(configs...))
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
