package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"example.com/game/internal/consumer"
)

// IsConsumed reports whether the event id is already in the dedup log.
func (s *Store) IsConsumed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM consumed_events WHERE event_id = $1`, eventID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ApplyEvent recomputes the read model for the record's session and inserts
// the consumed-events row in the same transaction. Either both land or
// neither does, which keeps redelivery safe.
func (s *Store) ApplyEvent(ctx context.Context, rec consumer.ConsumedRecord) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := recomputeReadModel(ctx, tx, rec.AggregateID); err != nil {
			return err
		}
		return insertConsumed(ctx, tx, rec)
	})
}

// MarkConsumed inserts the dedup row alone, outside any read-model change.
func (s *Store) MarkConsumed(ctx context.Context, rec consumer.ConsumedRecord) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return insertConsumed(ctx, tx, rec)
	})
}

var _ consumer.Store = (*Store)(nil)

// recomputeReadModel rebuilds the per-chat row from the session's current
// state, terminal statuses included. The recompute is idempotent: applying
// the same event twice, or events out of order, always converges on the
// source tables. Only a deleted session drops its row.
func recomputeReadModel(ctx context.Context, tx pgx.Tx, gameID uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
        INSERT INTO game_read_model
            (chat_id, game_id, status, current_phase, phase_seq, round_num,
             phase_started_at, expires_at, owner_tg_user_id,
             players_total, players_active, ready_count, ready_total, updated_at)
        SELECT s.chat_id, s.id, s.status, s.current_phase, s.phase_seq, s.round_num,
               s.phase_started_at, s.expires_at, s.owner_tg_user_id,
               (SELECT count(*) FROM game_players p
                    WHERE p.game_id = s.id),
               (SELECT count(*) FROM game_players p
                    WHERE p.game_id = s.id AND p.is_active AND NOT p.is_afk),
               (SELECT count(*) FROM game_phase_ready r
                    JOIN game_players p ON p.id = r.player_id
                    WHERE r.game_id = s.id AND r.phase_seq = s.phase_seq
                      AND p.is_active AND NOT p.is_afk),
               (SELECT count(*) FROM game_players p
                    WHERE p.game_id = s.id AND p.is_active AND NOT p.is_afk),
               now()
        FROM game_sessions s
        WHERE s.id = $1
        ON CONFLICT (chat_id) DO UPDATE SET
            game_id          = EXCLUDED.game_id,
            status           = EXCLUDED.status,
            current_phase    = EXCLUDED.current_phase,
            phase_seq        = EXCLUDED.phase_seq,
            round_num        = EXCLUDED.round_num,
            phase_started_at = EXCLUDED.phase_started_at,
            expires_at       = EXCLUDED.expires_at,
            owner_tg_user_id = EXCLUDED.owner_tg_user_id,
            players_total    = EXCLUDED.players_total,
            players_active   = EXCLUDED.players_active,
            ready_count      = EXCLUDED.ready_count,
            ready_total      = EXCLUDED.ready_total,
            updated_at       = EXCLUDED.updated_at`, gameID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		_, err = tx.Exec(ctx, `DELETE FROM game_read_model WHERE game_id = $1`, gameID)
	}
	return err
}

func insertConsumed(ctx context.Context, tx pgx.Tx, rec consumer.ConsumedRecord) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO consumed_events
            (event_id, topic, partition, kafka_offset, aggregate_type, aggregate_id, event_type)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.Topic, rec.Partition, rec.Offset,
		rec.AggregateType, rec.AggregateID, rec.EventType)
	return err
}
