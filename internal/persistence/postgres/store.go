// Package postgres implements the transactional store: the game-session
// aggregate, its children, the outbox, the consumed-events log, and the
// read model.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/game/internal/domain"
	"example.com/game/internal/outbox"
)

// Store provides Postgres-backed persistence for game sessions and the
// event pipeline's tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// withTx runs fn inside one transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const sessionColumns = `id, chat_id, status, owner_tg_user_id, round_num, current_phase,
        phase_seq, phase_started_at, afk_timeout_seconds, created_at, expires_at, archived_at`

func scanSession(row pgx.Row) (*domain.Session, error) {
	var sess domain.Session
	err := row.Scan(&sess.ID, &sess.ChatID, &sess.Status, &sess.OwnerTgUserID, &sess.RoundNum,
		&sess.CurrentPhase, &sess.PhaseSeq, &sess.PhaseStartedAt, &sess.AFKTimeoutSeconds,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.ArchivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

// lockCurrentSession row-locks the chat's current lobby/active session,
// newest first. Returns nil when the chat has no live session.
func lockCurrentSession(ctx context.Context, tx pgx.Tx, chatID int64) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + `
        FROM game_sessions
        WHERE chat_id = $1 AND status IN ('lobby','active')
        ORDER BY created_at DESC
        LIMIT 1
        FOR UPDATE`
	return scanSession(tx.QueryRow(ctx, query, chatID))
}

func insertAudit(ctx context.Context, tx pgx.Tx, gameID any, chatID int64, actor *int64,
	actionType string, phaseSeq, roundNum int, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	const stmt = `INSERT INTO game_audit_log
            (game_id, chat_id, actor_tg_user_id, action_type, phase_seq, round_num, payload)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = tx.Exec(ctx, stmt, gameID, chatID, actor, actionType, phaseSeq, roundNum, body)
	return err
}

func insertSnapshot(ctx context.Context, tx pgx.Tx, sess *domain.Session, source string) error {
	snapshot, err := json.Marshal(map[string]any{
		"status":        sess.Status,
		"current_phase": sess.CurrentPhase,
		"phase_seq":     sess.PhaseSeq,
		"round_num":     sess.RoundNum,
		"source":        source,
	})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	const stmt = `INSERT INTO game_state_snapshots (game_id, chat_id, phase_seq, round_num, snapshot)
        VALUES ($1, $2, $3, $4, $5)`
	_, err = tx.Exec(ctx, stmt, sess.ID, sess.ChatID, sess.PhaseSeq, sess.RoundNum, snapshot)
	return err
}

func deleteReadyMarks(ctx context.Context, tx pgx.Tx, gameID any) error {
	_, err := tx.Exec(ctx, `DELETE FROM game_phase_ready WHERE game_id = $1`, gameID)
	return err
}

// CreateGame archives any prior lobby/active session for the chat, then
// inserts a fresh session in the lobby. The partial unique index on
// (chat_id) over live statuses backs the at-most-one-active invariant.
func (s *Store) CreateGame(ctx context.Context, chatID, ownerTgUserID int64) (*domain.Session, error) {
	var sess *domain.Session
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
            UPDATE game_sessions
            SET status = 'archived', archived_at = now()
            WHERE chat_id = $1 AND status IN ('lobby','active')`, chatID); err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
            INSERT INTO game_sessions
                (chat_id, status, owner_tg_user_id, round_num, current_phase, phase_seq,
                 phase_started_at, afk_timeout_seconds, expires_at)
            VALUES ($1, 'lobby', $2, 0, 'lobby', 0, now(), 300, now() + interval '30 days')
            RETURNING `+sessionColumns, chatID, ownerTgUserID)

		var err error
		if sess, err = scanSession(row); err != nil {
			return err
		}

		if err := insertAudit(ctx, tx, sess.ID, chatID, &ownerTgUserID, "game.created", 0, 0,
			map[string]any{"owner_tg_user_id": ownerTgUserID}); err != nil {
			return err
		}

		return outbox.Emit(ctx, tx, domain.GameCreated{
			SessionID: sess.ID,
			ChatID:    chatID,
			Owner:     ownerTgUserID,
			Status:    string(sess.Status),
			Phase:     string(sess.CurrentPhase),
			PhaseSeq:  sess.PhaseSeq,
		})
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// JoinGame seats the user in the current lobby. Re-joins are rejected, a
// taken country surfaces as ErrCountryTaken.
func (s *Store) JoinGame(ctx context.Context, chatID, tgUserID int64, countryCode, countryName string) (*domain.Player, error) {
	var player *domain.Player
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		sess, err := lockCurrentSession(ctx, tx, chatID)
		if err != nil {
			return err
		}
		if sess == nil {
			return domain.ErrNoActiveSession
		}
		if sess.CurrentPhase != domain.PhaseLobby {
			return domain.ErrWrongPhase
		}

		row := tx.QueryRow(ctx, `
            INSERT INTO game_players (game_id, tg_user_id, country_code, country_name, is_active, is_afk)
            VALUES ($1, $2, $3, $4, true, false)
            ON CONFLICT (game_id, tg_user_id) DO NOTHING
            RETURNING id, joined_at`, sess.ID, tgUserID, countryCode, countryName)

		player = &domain.Player{
			GameID:      sess.ID,
			TgUserID:    tgUserID,
			CountryCode: countryCode,
			CountryName: countryName,
			IsActive:    true,
		}
		if err := row.Scan(&player.ID, &player.JoinedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrAlreadyJoined
			}
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return domain.ErrCountryTaken
			}
			return err
		}

		if err := insertAudit(ctx, tx, sess.ID, chatID, &tgUserID, "player.joined",
			sess.PhaseSeq, sess.RoundNum, map[string]any{
				"player_id":    player.ID,
				"country_code": countryCode,
				"country_name": countryName,
			}); err != nil {
			return err
		}

		return outbox.Emit(ctx, tx, domain.PlayerJoined{
			SessionID:   sess.ID,
			PlayerID:    player.ID,
			TgUserID:    tgUserID,
			CountryCode: countryCode,
			CountryName: countryName,
			ChatID:      chatID,
		})
	})
	if err != nil {
		return nil, err
	}
	return player, nil
}

// SetReady writes a ready mark for the session's current phase_seq. The mark
// is only valid for an active, non-AFK player; repeated calls are no-ops.
func (s *Store) SetReady(ctx context.Context, chatID, tgUserID int64) (*domain.ReadyStatus, error) {
	var status domain.ReadyStatus
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		sess, err := lockCurrentSession(ctx, tx, chatID)
		if err != nil {
			return err
		}
		if sess == nil {
			return domain.ErrNoActiveSession
		}

		var player domain.Player
		err = tx.QueryRow(ctx, `
            SELECT id, is_active, is_afk
            FROM game_players
            WHERE game_id = $1 AND tg_user_id = $2
            LIMIT 1`, sess.ID, tgUserID).Scan(&player.ID, &player.IsActive, &player.IsAFK)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotInGame
			}
			return err
		}
		if !player.IsActive || player.IsAFK {
			return domain.ErrPlayerInactive
		}

		var readyID any
		err = tx.QueryRow(ctx, `
            INSERT INTO game_phase_ready (game_id, player_id, phase_seq)
            VALUES ($1, $2, $3)
            ON CONFLICT (game_id, player_id, phase_seq) DO NOTHING
            RETURNING id`, sess.ID, player.ID, sess.PhaseSeq).Scan(&readyID)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			status.Inserted = false
		case err != nil:
			return err
		default:
			status.Inserted = true
		}

		if status.Inserted {
			if err := insertAudit(ctx, tx, sess.ID, chatID, &tgUserID, "player.ready_set",
				sess.PhaseSeq, sess.RoundNum, map[string]any{"player_id": player.ID}); err != nil {
				return err
			}
			if err := outbox.Emit(ctx, tx, domain.PlayerReadySet{
				SessionID: sess.ID,
				ChatID:    chatID,
				PlayerID:  player.ID,
				TgUserID:  tgUserID,
				PhaseSeq:  sess.PhaseSeq,
			}); err != nil {
				return err
			}
		}

		if err := tx.QueryRow(ctx, `
            SELECT count(*)::int
            FROM game_players
            WHERE game_id = $1 AND is_active AND NOT is_afk`, sess.ID).Scan(&status.ReadyTotal); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
            SELECT count(*)::int
            FROM game_phase_ready r
            JOIN game_players p ON p.id = r.player_id
            WHERE r.game_id = $1 AND r.phase_seq = $2 AND p.is_active AND NOT p.is_afk`,
			sess.ID, sess.PhaseSeq).Scan(&status.ReadyCount)
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// advance applies a phase transition and the bookkeeping every transition
// shares: phase_seq+1, ready marks wiped, snapshot, audit, phase.changed.
func advance(ctx context.Context, tx pgx.Tx, sess *domain.Session, newPhase domain.Phase,
	actor *int64, actionType, snapshotSource string, bumpRound, activate bool) error {

	roundExpr := "round_num"
	if bumpRound {
		roundExpr = "round_num + 1"
	}
	statusExpr := "status"
	if activate {
		statusExpr = "'active'"
	}

	query := fmt.Sprintf(`
        UPDATE game_sessions
        SET status = %s,
            current_phase = $2,
            phase_seq = phase_seq + 1,
            round_num = %s,
            phase_started_at = now()
        WHERE id = $1
        RETURNING status, phase_seq, round_num, phase_started_at`, statusExpr, roundExpr)

	if err := tx.QueryRow(ctx, query, sess.ID, newPhase).Scan(
		&sess.Status, &sess.PhaseSeq, &sess.RoundNum, &sess.PhaseStartedAt); err != nil {
		return err
	}
	sess.CurrentPhase = newPhase

	if err := deleteReadyMarks(ctx, tx, sess.ID); err != nil {
		return err
	}
	if err := insertSnapshot(ctx, tx, sess, snapshotSource); err != nil {
		return err
	}
	if err := insertAudit(ctx, tx, sess.ID, sess.ChatID, actor, actionType,
		sess.PhaseSeq, sess.RoundNum, map[string]any{"new_phase": newPhase}); err != nil {
		return err
	}

	return outbox.Emit(ctx, tx, domain.PhaseChanged{
		SessionID: sess.ID,
		ChatID:    sess.ChatID,
		NewPhase:  string(newPhase),
		PhaseSeq:  sess.PhaseSeq,
		RoundNum:  sess.RoundNum,
	})
}

// AdvancePhase moves the session to the next phase in the round cycle.
func (s *Store) AdvancePhase(ctx context.Context, chatID, actorTgUserID int64) (*domain.Session, error) {
	var sess *domain.Session
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		if sess, err = lockCurrentSession(ctx, tx, chatID); err != nil {
			return err
		}
		if sess == nil {
			return domain.ErrNoActiveSession
		}
		next := domain.NextPhase(sess.CurrentPhase)
		return advance(ctx, tx, sess, next, &actorTgUserID, "phase.changed", "advance_phase", false, false)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// BeginRound activates the session, bumps the round counter, and enters the
// income phase. Emits round.started in addition to phase.changed.
func (s *Store) BeginRound(ctx context.Context, chatID, actorTgUserID int64) (*domain.Session, error) {
	var sess *domain.Session
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		if sess, err = lockCurrentSession(ctx, tx, chatID); err != nil {
			return err
		}
		if sess == nil {
			return domain.ErrNoActiveSession
		}

		if err := advance(ctx, tx, sess, domain.PhaseIncome, &actorTgUserID,
			"round.started", "begin_round", true, true); err != nil {
			return err
		}

		return outbox.Emit(ctx, tx, domain.RoundStarted{
			SessionID: sess.ID,
			ChatID:    chatID,
			RoundNum:  sess.RoundNum,
			PhaseSeq:  sess.PhaseSeq,
		})
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ResolveRound records the round resolution without a phase transition.
func (s *Store) ResolveRound(ctx context.Context, chatID, actorTgUserID int64) (*domain.Session, error) {
	var sess *domain.Session
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		if sess, err = lockCurrentSession(ctx, tx, chatID); err != nil {
			return err
		}
		if sess == nil {
			return domain.ErrNoActiveSession
		}
		if sess.CurrentPhase != domain.PhaseResolve {
			return domain.ErrWrongPhase
		}

		if err := insertSnapshot(ctx, tx, sess, "resolve_round"); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, sess.ID, chatID, &actorTgUserID, "round.resolved",
			sess.PhaseSeq, sess.RoundNum, nil); err != nil {
			return err
		}

		return outbox.Emit(ctx, tx, domain.RoundResolved{
			SessionID: sess.ID,
			ChatID:    chatID,
			RoundNum:  sess.RoundNum,
		})
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// FinishGame terminates the session normally.
func (s *Store) FinishGame(ctx context.Context, chatID, actorTgUserID int64) (*domain.Session, error) {
	var sess *domain.Session
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		if sess, err = lockCurrentSession(ctx, tx, chatID); err != nil {
			return err
		}
		if sess == nil {
			return domain.ErrNoActiveSession
		}

		if _, err := tx.Exec(ctx, `
            UPDATE game_sessions
            SET status = 'finished', current_phase = 'finished',
                phase_seq = phase_seq + 1, phase_started_at = now()
            WHERE id = $1`, sess.ID); err != nil {
			return err
		}
		sess.Status = domain.StatusFinished
		sess.CurrentPhase = domain.PhaseFinished
		sess.PhaseSeq++

		if err := deleteReadyMarks(ctx, tx, sess.ID); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, sess.ID, chatID, &actorTgUserID, "game.finished",
			sess.PhaseSeq, sess.RoundNum, nil); err != nil {
			return err
		}

		return outbox.Emit(ctx, tx, domain.GameFinished{SessionID: sess.ID, ChatID: chatID})
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ArchiveGame is the admin termination path.
func (s *Store) ArchiveGame(ctx context.Context, chatID int64) (*domain.Session, error) {
	var sess *domain.Session
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		if sess, err = lockCurrentSession(ctx, tx, chatID); err != nil {
			return err
		}
		if sess == nil {
			return domain.ErrNoActiveSession
		}

		if err := tx.QueryRow(ctx, `
            UPDATE game_sessions
            SET status = 'archived', archived_at = now()
            WHERE id = $1
            RETURNING archived_at`, sess.ID).Scan(&sess.ArchivedAt); err != nil {
			return err
		}
		sess.Status = domain.StatusArchived

		if err := insertAudit(ctx, tx, sess.ID, chatID, nil, "admin.archive",
			sess.PhaseSeq, sess.RoundNum, nil); err != nil {
			return err
		}

		return outbox.Emit(ctx, tx, domain.GameArchived{SessionID: sess.ID, ChatID: chatID})
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// SnapshotGame captures the current read-model row (falling back to the
// session projection when the consumer has not materialized one yet) as an
// append-only snapshot.
func (s *Store) SnapshotGame(ctx context.Context, chatID int64) (*domain.Snapshot, error) {
	var snap domain.Snapshot
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		sess, err := lockCurrentSession(ctx, tx, chatID)
		if err != nil {
			return err
		}
		if sess == nil {
			return domain.ErrNoActiveSession
		}

		var body []byte
		err = tx.QueryRow(ctx, `
            SELECT to_jsonb(rm) FROM game_read_model rm WHERE rm.chat_id = $1`, chatID).Scan(&body)
		if errors.Is(err, pgx.ErrNoRows) {
			body, err = json.Marshal(map[string]any{
				"status":        sess.Status,
				"current_phase": sess.CurrentPhase,
				"phase_seq":     sess.PhaseSeq,
				"round_num":     sess.RoundNum,
				"source":        "admin_snapshot",
			})
		}
		if err != nil {
			return err
		}

		if err := tx.QueryRow(ctx, `
            INSERT INTO game_state_snapshots (game_id, chat_id, phase_seq, round_num, snapshot)
            VALUES ($1, $2, $3, $4, $5)
            RETURNING id, created_at`,
			sess.ID, chatID, sess.PhaseSeq, sess.RoundNum, body).Scan(&snap.ID, &snap.CreatedAt); err != nil {
			return err
		}
		snap.GameID = sess.ID
		snap.ChatID = chatID
		snap.PhaseSeq = sess.PhaseSeq
		snap.RoundNum = sess.RoundNum
		snap.Snapshot = body

		if err := insertAudit(ctx, tx, sess.ID, chatID, nil, "admin.snapshot",
			sess.PhaseSeq, sess.RoundNum, nil); err != nil {
			return err
		}

		return outbox.Emit(ctx, tx, domain.SnapshotCreated{
			SessionID: sess.ID,
			ChatID:    chatID,
			PhaseSeq:  sess.PhaseSeq,
			RoundNum:  sess.RoundNum,
		})
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

var _ domain.GameRepository = (*Store)(nil)
