package postgres

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"example.com/game/internal/domain"
)

// OutboxStats summarises the outbox table for the admin surface.
type OutboxStats struct {
	New         int64 `json:"new"`
	Processing  int64 `json:"processing"`
	Sent        int64 `json:"sent"`
	Dead        int64 `json:"dead"`
	Unpublished int64 `json:"unpublished"`
}

// OutboxRow is one outbox event as exposed to operators.
type OutboxRow struct {
	ID          uuid.UUID  `json:"id"`
	EventType   string     `json:"event_type"`
	AggregateID uuid.UUID  `json:"aggregate_id"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   *string    `json:"last_error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// GetReadModel returns the chat's materialized view, or nil when the
// consumer has not produced one.
func (s *Store) GetReadModel(ctx context.Context, chatID int64) (*domain.ReadModelRow, error) {
	var rm domain.ReadModelRow
	err := s.pool.QueryRow(ctx, `
        SELECT chat_id, game_id, status, current_phase, phase_seq, round_num,
               phase_started_at, expires_at, owner_tg_user_id,
               players_total, players_active, ready_count, ready_total, updated_at
        FROM game_read_model
        WHERE chat_id = $1`, chatID).Scan(
		&rm.ChatID, &rm.GameID, &rm.Status, &rm.CurrentPhase, &rm.PhaseSeq, &rm.RoundNum,
		&rm.PhaseStartedAt, &rm.ExpiresAt, &rm.OwnerTgUserID,
		&rm.PlayersTotal, &rm.PlayersActive, &rm.ReadyCount, &rm.ReadyTotal, &rm.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rm, nil
}

// ListAudit pages through the chat's audit trail, newest first, using keyset
// pagination on (created_at, id). The returned cursor is non-nil when more
// rows remain.
func (s *Store) ListAudit(ctx context.Context, chatID int64, cursor *domain.Cursor, limit int) ([]domain.AuditEntry, *domain.Cursor, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
        SELECT id, game_id, chat_id, actor_tg_user_id, action_type,
               COALESCE(phase_seq, 0), COALESCE(round_num, 0), payload, created_at
        FROM game_audit_log
        WHERE chat_id = $1`
	args := []any{chatID}
	if cursor != nil {
		query += ` AND (created_at, id::text) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += ` ORDER BY created_at DESC, id::text DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.GameID, &e.ChatID, &e.ActorTgUserID, &e.ActionType,
			&e.PhaseSeq, &e.RoundNum, &e.Payload, &e.CreatedAt); err != nil {
			return nil, nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if len(entries) > limit {
		entries = entries[:limit]
		last := entries[len(entries)-1]
		next = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID.String()}
	}
	return entries, next, nil
}

// OutboxStats counts outbox rows by status.
func (s *Store) OutboxStats(ctx context.Context) (*OutboxStats, error) {
	var stats OutboxStats
	err := s.pool.QueryRow(ctx, `
        SELECT
            count(*) FILTER (WHERE status = 'new'),
            count(*) FILTER (WHERE status = 'processing'),
            count(*) FILTER (WHERE status = 'sent'),
            count(*) FILTER (WHERE status = 'dead'),
            count(*) FILTER (WHERE published_at IS NULL AND status IN ('new','processing'))
        FROM outbox_events`).Scan(
		&stats.New, &stats.Processing, &stats.Sent, &stats.Dead, &stats.Unpublished)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListOutbox returns the oldest outbox rows, optionally filtered by status.
func (s *Store) ListOutbox(ctx context.Context, status string, limit int) ([]OutboxRow, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
        SELECT id, event_type, aggregate_id, status, publish_attempts,
               last_error, next_retry_at, created_at, published_at
        FROM outbox_events`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		var r OutboxRow
		if err := rows.Scan(&r.ID, &r.EventType, &r.AggregateID, &r.Status, &r.Attempts,
			&r.LastError, &r.NextRetryAt, &r.CreatedAt, &r.PublishedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestSnapshot returns the most recent snapshot for the chat, or nil.
func (s *Store) LatestSnapshot(ctx context.Context, chatID int64) (*domain.Snapshot, error) {
	var snap domain.Snapshot
	err := s.pool.QueryRow(ctx, `
        SELECT id, game_id, chat_id, phase_seq, round_num, snapshot, created_at
        FROM game_state_snapshots
        WHERE chat_id = $1
        ORDER BY created_at DESC
        LIMIT 1`, chatID).Scan(
		&snap.ID, &snap.GameID, &snap.ChatID, &snap.PhaseSeq, &snap.RoundNum,
		&snap.Snapshot, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
