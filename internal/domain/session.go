// Package domain defines the game-session aggregate and the command service.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoActiveSession is returned when a chat has no session in lobby or active state.
	ErrNoActiveSession = errors.New("no active game session for chat")
	// ErrNotInGame is returned when the acting user is not a player of the session.
	ErrNotInGame = errors.New("player not in game")
	// ErrPlayerInactive is returned when the player is inactive or marked AFK.
	ErrPlayerInactive = errors.New("player is inactive or afk")
	// ErrWrongPhase is returned when a command requires a different current phase.
	ErrWrongPhase = errors.New("command not allowed in current phase")
	// ErrAlreadyJoined is returned when the user already holds a seat in the session.
	ErrAlreadyJoined = errors.New("player already joined")
	// ErrCountryTaken is returned when the requested country is held by another player.
	ErrCountryTaken = errors.New("country already taken")
)

// Status is the lifecycle state of a game session.
type Status string

const (
	StatusLobby    Status = "lobby"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
	StatusArchived Status = "archived"
)

// Phase is the current phase of a game session.
type Phase string

const (
	PhaseLobby        Phase = "lobby"
	PhaseIncome       Phase = "income"
	PhaseEvent        Phase = "event"
	PhaseWorldArena   Phase = "world_arena"
	PhaseNegotiations Phase = "negotiations"
	PhaseOrders       Phase = "orders"
	PhaseResolve      Phase = "resolve"
	PhaseFinished     Phase = "finished"
)

// roundPhases is the in-round cycle; lobby and finished sit outside it.
var roundPhases = []Phase{
	PhaseIncome,
	PhaseEvent,
	PhaseWorldArena,
	PhaseNegotiations,
	PhaseOrders,
	PhaseResolve,
}

// NextPhase returns the phase that follows p. The round cycle wraps from
// resolve back to income; lobby enters the cycle at income; finished is
// terminal.
func NextPhase(p Phase) Phase {
	switch p {
	case PhaseLobby:
		return PhaseIncome
	case PhaseFinished:
		return PhaseFinished
	}
	for i, rp := range roundPhases {
		if rp == p {
			return roundPhases[(i+1)%len(roundPhases)]
		}
	}
	return PhaseIncome
}

// Session is the game-session aggregate row.
type Session struct {
	ID                uuid.UUID
	ChatID            int64
	Status            Status
	OwnerTgUserID     int64
	RoundNum          int
	CurrentPhase      Phase
	PhaseSeq          int
	PhaseStartedAt    time.Time
	AFKTimeoutSeconds int
	CreatedAt         time.Time
	ExpiresAt         time.Time
	ArchivedAt        *time.Time
}

// Player is a seat in a session, unique per user and per country.
type Player struct {
	ID           uuid.UUID
	GameID       uuid.UUID
	TgUserID     int64
	CountryCode  string
	CountryName  string
	JoinedAt     time.Time
	IsActive     bool
	IsAFK        bool
	LastActionAt *time.Time
}

// ReadyStatus reports the ready-check tally after a SetReady command.
type ReadyStatus struct {
	Inserted   bool
	ReadyCount int
	ReadyTotal int
}

// ReadModelRow is the denormalized per-chat view maintained by the consumer.
type ReadModelRow struct {
	ChatID         int64
	GameID         uuid.UUID
	Status         Status
	CurrentPhase   Phase
	PhaseSeq       int
	RoundNum       int
	PhaseStartedAt time.Time
	ExpiresAt      time.Time
	OwnerTgUserID  int64
	PlayersTotal   int
	PlayersActive  int
	ReadyCount     int
	ReadyTotal     int
	UpdatedAt      time.Time
}

// AuditEntry is one append-only audit row. Audit rows carry no idempotency
// key; command retries are deduplicated upstream by the aggregate guard.
type AuditEntry struct {
	ID            uuid.UUID
	GameID        uuid.UUID
	ChatID        int64
	ActorTgUserID *int64
	ActionType    string
	PhaseSeq      int
	RoundNum      int
	Payload       []byte
	CreatedAt     time.Time
}

// Snapshot is an append-only capture of the session state.
type Snapshot struct {
	ID        uuid.UUID
	GameID    uuid.UUID
	ChatID    int64
	PhaseSeq  int
	RoundNum  int
	Snapshot  []byte
	CreatedAt time.Time
}

// Cursor models the pagination token for audit listings.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}
