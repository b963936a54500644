package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AggregateTypeGameSession is the only aggregate type emitted by this service.
const AggregateTypeGameSession = "game_session"

// Event type identifiers as they appear on the wire.
const (
	TypeGameCreated     = "game.created"
	TypePlayerJoined    = "player.joined"
	TypePlayerReadySet  = "player.ready_set"
	TypePhaseChanged    = "phase.changed"
	TypeRoundStarted    = "round.started"
	TypeRoundResolved   = "round.resolved"
	TypeSnapshotCreated = "snapshot.created"
	TypeGameFinished    = "game.finished"
	TypeGameArchived    = "game.archived"
)

// mustHaveIdemTypes lists events that can be re-emitted on command retry and
// therefore require a storage-level dedup key. admin.* types are covered by
// prefix.
var mustHaveIdemTypes = map[string]struct{}{
	TypeGameCreated:     {},
	TypePlayerJoined:    {},
	TypePhaseChanged:    {},
	TypeRoundStarted:    {},
	TypeRoundResolved:   {},
	TypeSnapshotCreated: {},
	TypeGameFinished:    {},
	TypeGameArchived:    {},
}

// RequiresIdempotencyKey reports whether the event type must carry a
// non-empty idempotency key at emission.
func RequiresIdempotencyKey(eventType string) bool {
	if strings.HasPrefix(eventType, "admin.") {
		return true
	}
	_, ok := mustHaveIdemTypes[eventType]
	return ok
}

// Event is the tagged-union contract the outbox writer accepts: a closed set
// of payload shapes, each knowing its type, aggregate, and dedup key. The
// struct itself marshals to the wire payload; the session id is excluded via
// a json:"-" tag on every shape.
type Event interface {
	EventType() string
	AggregateID() uuid.UUID
	IdempotencyKey() string
}

// GameCreated is emitted once per new session.
type GameCreated struct {
	SessionID uuid.UUID `json:"-"`
	ChatID    int64     `json:"chat_id"`
	Owner     int64     `json:"owner"`
	Status    string    `json:"status"`
	Phase     string    `json:"phase"`
	PhaseSeq  int       `json:"phase_seq"`
}

func (e GameCreated) EventType() string      { return TypeGameCreated }
func (e GameCreated) AggregateID() uuid.UUID { return e.SessionID }
func (e GameCreated) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s", TypeGameCreated, e.SessionID)
}

// PlayerJoined is emitted when a seat is actually taken (conflict-ignored
// re-joins do not emit).
type PlayerJoined struct {
	SessionID   uuid.UUID `json:"-"`
	PlayerID    uuid.UUID `json:"player_id"`
	TgUserID    int64     `json:"tg_user_id"`
	CountryCode string    `json:"country_code"`
	CountryName string    `json:"country_name"`
	ChatID      int64     `json:"chat_id"`
}

func (e PlayerJoined) EventType() string      { return TypePlayerJoined }
func (e PlayerJoined) AggregateID() uuid.UUID { return e.SessionID }
func (e PlayerJoined) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%d", TypePlayerJoined, e.SessionID, e.TgUserID)
}

// PlayerReadySet is emitted when a fresh ready mark is written.
type PlayerReadySet struct {
	SessionID uuid.UUID `json:"-"`
	ChatID    int64     `json:"chat_id"`
	PlayerID  uuid.UUID `json:"player_id"`
	TgUserID  int64     `json:"tg_user_id"`
	PhaseSeq  int       `json:"phase_seq"`
}

func (e PlayerReadySet) EventType() string      { return TypePlayerReadySet }
func (e PlayerReadySet) AggregateID() uuid.UUID { return e.SessionID }
func (e PlayerReadySet) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%s:%d", TypePlayerReadySet, e.SessionID, e.PlayerID, e.PhaseSeq)
}

// PhaseChanged is emitted on every phase_seq increment.
type PhaseChanged struct {
	SessionID uuid.UUID `json:"-"`
	ChatID    int64     `json:"chat_id"`
	NewPhase  string    `json:"new_phase"`
	PhaseSeq  int       `json:"phase_seq"`
	RoundNum  int       `json:"round_num"`
}

func (e PhaseChanged) EventType() string      { return TypePhaseChanged }
func (e PhaseChanged) AggregateID() uuid.UUID { return e.SessionID }
func (e PhaseChanged) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%d", TypePhaseChanged, e.SessionID, e.PhaseSeq)
}

// RoundStarted is emitted alongside PhaseChanged when a round begins.
type RoundStarted struct {
	SessionID uuid.UUID `json:"-"`
	ChatID    int64     `json:"chat_id"`
	RoundNum  int       `json:"round_num"`
	PhaseSeq  int       `json:"phase_seq"`
}

func (e RoundStarted) EventType() string      { return TypeRoundStarted }
func (e RoundStarted) AggregateID() uuid.UUID { return e.SessionID }
func (e RoundStarted) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%d", TypeRoundStarted, e.SessionID, e.RoundNum)
}

// RoundResolved is emitted when the resolve phase completes.
type RoundResolved struct {
	SessionID uuid.UUID `json:"-"`
	ChatID    int64     `json:"chat_id"`
	RoundNum  int       `json:"round_num"`
}

func (e RoundResolved) EventType() string      { return TypeRoundResolved }
func (e RoundResolved) AggregateID() uuid.UUID { return e.SessionID }
func (e RoundResolved) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%d", TypeRoundResolved, e.SessionID, e.RoundNum)
}

// SnapshotCreated is emitted by the admin snapshot operation.
type SnapshotCreated struct {
	SessionID uuid.UUID `json:"-"`
	ChatID    int64     `json:"chat_id"`
	PhaseSeq  int       `json:"phase_seq"`
	RoundNum  int       `json:"round_num"`
}

func (e SnapshotCreated) EventType() string      { return TypeSnapshotCreated }
func (e SnapshotCreated) AggregateID() uuid.UUID { return e.SessionID }
func (e SnapshotCreated) IdempotencyKey() string {
	return fmt.Sprintf("admin.snapshot:%s:%d:%d", e.SessionID, e.PhaseSeq, e.RoundNum)
}

// GameFinished is emitted when the session terminates normally.
type GameFinished struct {
	SessionID uuid.UUID `json:"-"`
	ChatID    int64     `json:"chat_id"`
}

func (e GameFinished) EventType() string      { return TypeGameFinished }
func (e GameFinished) AggregateID() uuid.UUID { return e.SessionID }
func (e GameFinished) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s", TypeGameFinished, e.SessionID)
}

// GameArchived is emitted by the admin archive operation.
type GameArchived struct {
	SessionID uuid.UUID `json:"-"`
	ChatID    int64     `json:"chat_id"`
}

func (e GameArchived) EventType() string      { return TypeGameArchived }
func (e GameArchived) AggregateID() uuid.UUID { return e.SessionID }
func (e GameArchived) IdempotencyKey() string {
	return fmt.Sprintf("admin.archive:%s", e.SessionID)
}
