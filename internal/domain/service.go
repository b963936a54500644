package domain

import (
	"context"
	"errors"
	"fmt"
)

// GameRepository captures the transactional command operations. Each method
// runs one database transaction that locks the chat's current session,
// validates preconditions, mutates the aggregate, appends an audit row, and
// emits outbox events.
type GameRepository interface {
	CreateGame(ctx context.Context, chatID, ownerTgUserID int64) (*Session, error)
	JoinGame(ctx context.Context, chatID, tgUserID int64, countryCode, countryName string) (*Player, error)
	SetReady(ctx context.Context, chatID, tgUserID int64) (*ReadyStatus, error)
	AdvancePhase(ctx context.Context, chatID, actorTgUserID int64) (*Session, error)
	BeginRound(ctx context.Context, chatID, actorTgUserID int64) (*Session, error)
	ResolveRound(ctx context.Context, chatID, actorTgUserID int64) (*Session, error)
	FinishGame(ctx context.Context, chatID, actorTgUserID int64) (*Session, error)
	ArchiveGame(ctx context.Context, chatID int64) (*Session, error)
	SnapshotGame(ctx context.Context, chatID int64) (*Snapshot, error)
}

// CommandResult is what a command returns to its caller. Domain rejections
// come back as OK=false with a user-visible reason; infrastructure failures
// stay Go errors and never carry user-facing text.
type CommandResult struct {
	OK      bool
	Message string
}

// Service orchestrates game commands over the repository.
type Service struct {
	repo GameRepository
}

// NewService constructs a Service.
func NewService(repo GameRepository) *Service {
	return &Service{repo: repo}
}

// rejectionMessage maps domain sentinel errors to user-visible reasons.
func rejectionMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrNoActiveSession):
		return "No active game in this chat. Create one first.", true
	case errors.Is(err, ErrNotInGame):
		return "You are not in this game. Join and pick a country first.", true
	case errors.Is(err, ErrPlayerInactive):
		return "You are inactive or AFK and cannot act right now.", true
	case errors.Is(err, ErrWrongPhase):
		return "This command is not allowed in the current phase.", true
	case errors.Is(err, ErrAlreadyJoined):
		return "You already joined this game.", true
	case errors.Is(err, ErrCountryTaken):
		return "That country is already taken.", true
	}
	return "", false
}

func resultFor(err error) (*CommandResult, error) {
	if err == nil {
		return &CommandResult{OK: true}, nil
	}
	if msg, ok := rejectionMessage(err); ok {
		return &CommandResult{OK: false, Message: msg}, nil
	}
	return nil, err
}

// CreateGame archives any prior lobby/active session for the chat and
// creates a fresh one in the lobby.
func (s *Service) CreateGame(ctx context.Context, chatID, ownerTgUserID int64) (*CommandResult, error) {
	sess, err := s.repo.CreateGame(ctx, chatID, ownerTgUserID)
	if err != nil {
		return resultFor(err)
	}
	return &CommandResult{OK: true, Message: fmt.Sprintf("Game created. Session %s is in the lobby.", sess.ID)}, nil
}

// JoinGame seats the user in the chat's current lobby.
func (s *Service) JoinGame(ctx context.Context, chatID, tgUserID int64, countryCode, countryName string) (*CommandResult, error) {
	player, err := s.repo.JoinGame(ctx, chatID, tgUserID, countryCode, countryName)
	if err != nil {
		return resultFor(err)
	}
	return &CommandResult{OK: true, Message: fmt.Sprintf("Joined as %s.", player.CountryName)}, nil
}

// SetReady records the player's readiness for the session's current phase.
func (s *Service) SetReady(ctx context.Context, chatID, tgUserID int64) (*CommandResult, error) {
	status, err := s.repo.SetReady(ctx, chatID, tgUserID)
	if err != nil {
		return resultFor(err)
	}
	return &CommandResult{
		OK:      true,
		Message: fmt.Sprintf("Ready accepted: %d/%d.", status.ReadyCount, status.ReadyTotal),
	}, nil
}

// AdvancePhase moves the session to the next phase in the round cycle.
func (s *Service) AdvancePhase(ctx context.Context, chatID, actorTgUserID int64) (*CommandResult, error) {
	sess, err := s.repo.AdvancePhase(ctx, chatID, actorTgUserID)
	if err != nil {
		return resultFor(err)
	}
	return &CommandResult{OK: true, Message: fmt.Sprintf("Phase changed to %s (seq=%d).", sess.CurrentPhase, sess.PhaseSeq)}, nil
}

// BeginRound activates the session and starts the next round at income.
func (s *Service) BeginRound(ctx context.Context, chatID, actorTgUserID int64) (*CommandResult, error) {
	sess, err := s.repo.BeginRound(ctx, chatID, actorTgUserID)
	if err != nil {
		return resultFor(err)
	}
	return &CommandResult{OK: true, Message: fmt.Sprintf("Round %d started.", sess.RoundNum)}, nil
}

// ResolveRound records the resolution of the current round.
func (s *Service) ResolveRound(ctx context.Context, chatID, actorTgUserID int64) (*CommandResult, error) {
	sess, err := s.repo.ResolveRound(ctx, chatID, actorTgUserID)
	if err != nil {
		return resultFor(err)
	}
	return &CommandResult{OK: true, Message: fmt.Sprintf("Round %d resolved.", sess.RoundNum)}, nil
}

// FinishGame terminates the session normally.
func (s *Service) FinishGame(ctx context.Context, chatID, actorTgUserID int64) (*CommandResult, error) {
	if _, err := s.repo.FinishGame(ctx, chatID, actorTgUserID); err != nil {
		return resultFor(err)
	}
	return &CommandResult{OK: true, Message: "Game finished."}, nil
}

// ArchiveGame is the admin termination path.
func (s *Service) ArchiveGame(ctx context.Context, chatID int64) (*CommandResult, error) {
	if _, err := s.repo.ArchiveGame(ctx, chatID); err != nil {
		return resultFor(err)
	}
	return &CommandResult{OK: true, Message: "Game archived."}, nil
}

// SnapshotGame captures the current session state as an append-only snapshot.
func (s *Service) SnapshotGame(ctx context.Context, chatID int64) (*CommandResult, error) {
	snap, err := s.repo.SnapshotGame(ctx, chatID)
	if err != nil {
		return resultFor(err)
	}
	return &CommandResult{OK: true, Message: fmt.Sprintf("Snapshot taken at phase_seq=%d.", snap.PhaseSeq)}, nil
}
