//go:build integration

package postgres

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/game/internal/consumer"
	"example.com/game/internal/domain"
)

func record(gameID uuid.UUID, eventType string) consumer.ConsumedRecord {
	return consumer.ConsumedRecord{
		EventID:       uuid.New(),
		Topic:         "game-events",
		Partition:     0,
		Offset:        1,
		AggregateType: "game_session",
		AggregateID:   gameID,
		EventType:     eventType,
	}
}

func TestApplyEventMaterializesReadModel(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()
	store := NewStore(pool)

	const chatID = -2001
	sess, err := store.CreateGame(ctx, chatID, 10)
	require.NoError(t, err)
	_, err = store.JoinGame(ctx, chatID, 20, "BR", "Brazil")
	require.NoError(t, err)
	_, err = store.JoinGame(ctx, chatID, 21, "AR", "Argentina")
	require.NoError(t, err)
	_, err = store.SetReady(ctx, chatID, 20)
	require.NoError(t, err)

	rec := record(sess.ID, "player.ready_set")
	require.NoError(t, store.ApplyEvent(ctx, rec))

	rm, err := store.GetReadModel(ctx, chatID)
	require.NoError(t, err)
	require.NotNil(t, rm)
	require.Equal(t, sess.ID, rm.GameID)
	require.Equal(t, domain.StatusLobby, rm.Status)
	require.Equal(t, 2, rm.PlayersTotal)
	require.Equal(t, 2, rm.PlayersActive)
	require.Equal(t, 1, rm.ReadyCount)
	require.Equal(t, 2, rm.ReadyTotal)

	consumed, err := store.IsConsumed(ctx, rec.EventID)
	require.NoError(t, err)
	require.True(t, consumed)
}

func TestApplyEventIsIdempotentAndConvergent(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()
	store := NewStore(pool)

	const chatID = -2002
	sess, err := store.CreateGame(ctx, chatID, 10)
	require.NoError(t, err)

	rec := record(sess.ID, "game.created")
	require.NoError(t, store.ApplyEvent(ctx, rec))
	// Redelivery of the same record converges on the same row.
	require.NoError(t, store.ApplyEvent(ctx, rec))

	var rows int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM game_read_model WHERE chat_id = $1`, chatID).Scan(&rows))
	require.Equal(t, 1, rows)

	// An out-of-order older event still recomputes from current state.
	_, err = store.JoinGame(ctx, chatID, 20, "BR", "Brazil")
	require.NoError(t, err)
	require.NoError(t, store.ApplyEvent(ctx, record(sess.ID, "game.created")))

	rm, err := store.GetReadModel(ctx, chatID)
	require.NoError(t, err)
	require.Equal(t, 1, rm.PlayersTotal)
}

func TestApplyEventMaterializesTerminalStatus(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()
	store := NewStore(pool)

	const chatID = -2003
	sess, err := store.CreateGame(ctx, chatID, 10)
	require.NoError(t, err)
	require.NoError(t, store.ApplyEvent(ctx, record(sess.ID, "game.created")))

	// Terminal transitions keep the row; the view shows the final state.
	_, err = store.FinishGame(ctx, chatID, 10)
	require.NoError(t, err)
	require.NoError(t, store.ApplyEvent(ctx, record(sess.ID, "game.finished")))

	rm, err := store.GetReadModel(ctx, chatID)
	require.NoError(t, err)
	require.NotNil(t, rm)
	require.Equal(t, domain.StatusFinished, rm.Status)
	require.Equal(t, domain.PhaseFinished, rm.CurrentPhase)

	next, err := store.CreateGame(ctx, chatID, 10)
	require.NoError(t, err)
	_, err = store.ArchiveGame(ctx, chatID)
	require.NoError(t, err)
	require.NoError(t, store.ApplyEvent(ctx, record(next.ID, "game.archived")))

	rm, err = store.GetReadModel(ctx, chatID)
	require.NoError(t, err)
	require.NotNil(t, rm)
	require.Equal(t, next.ID, rm.GameID)
	require.Equal(t, domain.StatusArchived, rm.Status)
}

func TestApplyEventDropsRowWhenSessionDeleted(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()
	store := NewStore(pool)

	const chatID = -2005
	sess, err := store.CreateGame(ctx, chatID, 10)
	require.NoError(t, err)
	require.NoError(t, store.ApplyEvent(ctx, record(sess.ID, "game.created")))

	_, err = pool.Exec(ctx, `DELETE FROM game_sessions WHERE id = $1`, sess.ID)
	require.NoError(t, err)

	// A late delivery for a deleted session clears the row and still lands
	// in the dedup log.
	rec := record(sess.ID, "game.created")
	require.NoError(t, store.ApplyEvent(ctx, rec))

	rm, err := store.GetReadModel(ctx, chatID)
	require.NoError(t, err)
	require.Nil(t, rm)

	consumed, err := store.IsConsumed(ctx, rec.EventID)
	require.NoError(t, err)
	require.True(t, consumed)
}

func TestMarkConsumedAlone(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()
	store := NewStore(pool)

	const chatID = -2004
	sess, err := store.CreateGame(ctx, chatID, 10)
	require.NoError(t, err)

	rec := record(sess.ID, "DLQ:phase.changed")
	require.NoError(t, store.MarkConsumed(ctx, rec))
	// Conflict-ignore on redelivery.
	require.NoError(t, store.MarkConsumed(ctx, rec))

	consumed, err := store.IsConsumed(ctx, rec.EventID)
	require.NoError(t, err)
	require.True(t, consumed)

	rm, err := store.GetReadModel(ctx, chatID)
	require.NoError(t, err)
	require.Nil(t, rm, "MarkConsumed must not touch the read model")
}
