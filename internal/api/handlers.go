// Package api exposes the HTTP surface of the game service: command
// endpoints over the domain service and read-only admin queries over the
// store.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/game/internal/domain"
	"example.com/game/internal/persistence"
	"example.com/game/internal/persistence/postgres"
)

// Queries is the read-only store contract the admin endpoints need.
type Queries interface {
	GetReadModel(ctx context.Context, chatID int64) (*domain.ReadModelRow, error)
	ListAudit(ctx context.Context, chatID int64, cursor *domain.Cursor, limit int) ([]domain.AuditEntry, *domain.Cursor, error)
	OutboxStats(ctx context.Context) (*postgres.OutboxStats, error)
	ListOutbox(ctx context.Context, status string, limit int) ([]postgres.OutboxRow, error)
	LatestSnapshot(ctx context.Context, chatID int64) (*domain.Snapshot, error)
}

// Handler coordinates HTTP requests with the domain service and store.
type Handler struct {
	service *domain.Service
	queries Queries
	token   string
	logger  *log.Logger
}

// NewHandler builds a Handler. An empty token disables all endpoints except
// /healthz; the API never runs open.
func NewHandler(service *domain.Service, queries Queries, token string) *Handler {
	return &Handler{
		service: service,
		queries: queries,
		token:   token,
		logger:  log.New(log.Writer(), "[api] ", log.LstdFlags),
	}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/commands/", h.auth(h.command))
	mux.HandleFunc("/admin/sessions", h.auth(h.getSession))
	mux.HandleFunc("/admin/audit", h.auth(h.listAudit))
	mux.HandleFunc("/admin/outbox", h.auth(h.outbox))
	mux.HandleFunc("/admin/snapshots/latest", h.auth(h.latestSnapshot))
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// auth enforces the static bearer token on everything but /healthz.
func (h *Handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" {
			writeError(w, http.StatusServiceUnavailable, "unconfigured", "admin API token is not set")
			return
		}
		raw := r.Header.Get("Authorization")
		got, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

// CommandRequest is the payload for POST /v1/commands/{name}.
type CommandRequest struct {
	ChatID      int64  `json:"chat_id"`
	TgUserID    int64  `json:"tg_user_id"`
	CountryCode string `json:"country_code"`
	CountryName string `json:"country_name"`
}

// CommandResponse mirrors domain.CommandResult on the wire.
type CommandResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) command(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/v1/commands/")

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if req.ChatID == 0 {
		writeError(w, http.StatusBadRequest, "validation_failed", "chat_id is required")
		return
	}

	ctx := r.Context()
	var (
		res *domain.CommandResult
		err error
	)
	switch name {
	case "create":
		res, err = h.service.CreateGame(ctx, req.ChatID, req.TgUserID)
	case "join":
		if strings.TrimSpace(req.CountryCode) == "" || strings.TrimSpace(req.CountryName) == "" {
			writeError(w, http.StatusBadRequest, "validation_failed", "country_code and country_name are required")
			return
		}
		res, err = h.service.JoinGame(ctx, req.ChatID, req.TgUserID, req.CountryCode, req.CountryName)
	case "ready":
		res, err = h.service.SetReady(ctx, req.ChatID, req.TgUserID)
	case "advance":
		res, err = h.service.AdvancePhase(ctx, req.ChatID, req.TgUserID)
	case "begin_round":
		res, err = h.service.BeginRound(ctx, req.ChatID, req.TgUserID)
	case "resolve":
		res, err = h.service.ResolveRound(ctx, req.ChatID, req.TgUserID)
	case "finish":
		res, err = h.service.FinishGame(ctx, req.ChatID, req.TgUserID)
	case "archive":
		res, err = h.service.ArchiveGame(ctx, req.ChatID)
	case "snapshot":
		res, err = h.service.SnapshotGame(ctx, req.ChatID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown command")
		return
	}
	if err != nil {
		h.logger.Printf("command %s failed (chat_id=%d): %v", name, req.ChatID, err)
		writeError(w, http.StatusInternalServerError, "server_error", "command failed")
		return
	}
	writeJSON(w, http.StatusOK, CommandResponse{OK: res.OK, Message: res.Message})
}

// SessionView exposes the read-model row.
type SessionView struct {
	ChatID         int64     `json:"chat_id"`
	GameID         string    `json:"game_id"`
	Status         string    `json:"status"`
	CurrentPhase   string    `json:"current_phase"`
	PhaseSeq       int       `json:"phase_seq"`
	RoundNum       int       `json:"round_num"`
	PhaseStartedAt time.Time `json:"phase_started_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	OwnerTgUserID  int64     `json:"owner_tg_user_id"`
	PlayersTotal   int       `json:"players_total"`
	PlayersActive  int       `json:"players_active"`
	ReadyCount     int       `json:"ready_count"`
	ReadyTotal     int       `json:"ready_total"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	chatID, ok := chatIDParam(w, r)
	if !ok {
		return
	}

	rm, err := h.queries.GetReadModel(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if rm == nil {
		writeError(w, http.StatusNotFound, "not_found", "no read-model row for chat")
		return
	}
	writeJSON(w, http.StatusOK, SessionView{
		ChatID:         rm.ChatID,
		GameID:         rm.GameID.String(),
		Status:         string(rm.Status),
		CurrentPhase:   string(rm.CurrentPhase),
		PhaseSeq:       rm.PhaseSeq,
		RoundNum:       rm.RoundNum,
		PhaseStartedAt: rm.PhaseStartedAt,
		ExpiresAt:      rm.ExpiresAt,
		OwnerTgUserID:  rm.OwnerTgUserID,
		PlayersTotal:   rm.PlayersTotal,
		PlayersActive:  rm.PlayersActive,
		ReadyCount:     rm.ReadyCount,
		ReadyTotal:     rm.ReadyTotal,
		UpdatedAt:      rm.UpdatedAt,
	})
}

// AuditView exposes one audit row.
type AuditView struct {
	ID            string          `json:"id"`
	GameID        string          `json:"game_id"`
	ChatID        int64           `json:"chat_id"`
	ActorTgUserID *int64          `json:"actor_tg_user_id,omitempty"`
	ActionType    string          `json:"action_type"`
	PhaseSeq      int             `json:"phase_seq"`
	RoundNum      int             `json:"round_num"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ListAuditResponse packages audit results.
type ListAuditResponse struct {
	Items      []AuditView `json:"items"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	chatID, ok := chatIDParam(w, r)
	if !ok {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	entries, next, err := h.queries.ListAudit(r.Context(), chatID, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]AuditView, 0, len(entries))
	for _, e := range entries {
		items = append(items, AuditView{
			ID:            e.ID.String(),
			GameID:        e.GameID.String(),
			ChatID:        e.ChatID,
			ActorTgUserID: e.ActorTgUserID,
			ActionType:    e.ActionType,
			PhaseSeq:      e.PhaseSeq,
			RoundNum:      e.RoundNum,
			Payload:       json.RawMessage(e.Payload),
			CreatedAt:     e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, ListAuditResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

// OutboxResponse merges per-status counts with the oldest matching rows.
type OutboxResponse struct {
	Stats *postgres.OutboxStats `json:"stats"`
	Items []postgres.OutboxRow  `json:"items"`
}

func (h *Handler) outbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	status := r.URL.Query().Get("status")
	switch status {
	case "", "new", "processing", "sent", "dead":
	default:
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid status filter")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	stats, err := h.queries.OutboxStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	items, err := h.queries.ListOutbox(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if items == nil {
		items = []postgres.OutboxRow{}
	}
	writeJSON(w, http.StatusOK, OutboxResponse{Stats: stats, Items: items})
}

// SnapshotView exposes one snapshot row.
type SnapshotView struct {
	ID        string          `json:"id"`
	GameID    string          `json:"game_id"`
	ChatID    int64           `json:"chat_id"`
	PhaseSeq  int             `json:"phase_seq"`
	RoundNum  int             `json:"round_num"`
	Snapshot  json.RawMessage `json:"snapshot"`
	CreatedAt time.Time       `json:"created_at"`
}

func (h *Handler) latestSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	chatID, ok := chatIDParam(w, r)
	if !ok {
		return
	}

	snap, err := h.queries.LatestSnapshot(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "not_found", "no snapshot for chat")
		return
	}
	writeJSON(w, http.StatusOK, SnapshotView{
		ID:        snap.ID.String(),
		GameID:    snap.GameID.String(),
		ChatID:    snap.ChatID,
		PhaseSeq:  snap.PhaseSeq,
		RoundNum:  snap.RoundNum,
		Snapshot:  json.RawMessage(snap.Snapshot),
		CreatedAt: snap.CreatedAt,
	})
}

func chatIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("chat_id")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "missing chat_id parameter")
		return 0, false
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid chat_id parameter")
		return 0, false
	}
	return chatID, true
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}
