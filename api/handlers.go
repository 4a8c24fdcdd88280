package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"number-duel-server/config"
	"number-duel-server/game"
	"number-duel-server/matcherrors"
	"number-duel-server/matchmaking"
	"number-duel-server/sequence"
	"number-duel-server/storage"
)

const (
	defaultLeaderboardLimit = 100
	maxLeaderboardLimit     = 1000
)

var errBadBody = matcherrors.Validation("invalid request body")

// PushHub is the websocket side of the server.
type PushHub interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Connected() int
}

// Handler holds dependencies for API handlers.
type Handler struct {
	Config     *config.Config
	Matchmaker *matchmaking.Matchmaker
	Engine     *game.Engine
	Solo       *game.SoloSessions
	Store      storage.Store
	Hub        PushHub
	now        func() time.Time
}

// NewHandler creates a new API handler with the given dependencies.
func NewHandler(cfg *config.Config, mm *matchmaking.Matchmaker, engine *game.Engine, solo *game.SoloSessions, store storage.Store, hub PushHub) *Handler {
	return &Handler{
		Config:     cfg,
		Matchmaker: mm,
		Engine:     engine,
		Solo:       solo,
		Store:      store,
		Hub:        hub,
		now:        time.Now,
	}
}

// Routes builds the HTTP router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.Config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	r.Get("/ws", h.Hub.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Route("/matchmaking", func(r chi.Router) {
			r.Post("/join", h.JoinQueue)
			r.Post("/leave", h.LeaveQueue)
			r.Post("/finish", h.FinishMatch)
		})
		r.Route("/matches/{matchId}", func(r chi.Router) {
			r.Get("/", h.GetMatch)
			r.Post("/submit", h.SubmitAnswer)
		})
		r.Get("/high-score", h.GetHighScore)
		r.Post("/high-score", h.SaveHighScore)
		r.Get("/leaderboards", h.Leaderboard)
		r.Route("/solo", func(r chi.Router) {
			r.Post("/start", h.StartSolo)
			r.Post("/{runId}/submit", h.SubmitSolo)
		})
	})
	return r
}

type playerRequest struct {
	PlayerID string `json:"playerId"`
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": h.Hub.Connected()})
}

// JoinQueue enters matchmaking.
func (h *Handler) JoinQueue(w http.ResponseWriter, r *http.Request) {
	var req playerRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Matchmaker.JoinQueue(r.Context(), req.PlayerID)
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]any{"matched": res.Status != matchmaking.JoinQueued, "message": res.Message()}
	if res.Match != nil {
		body["matchId"] = res.Match.ID
		body["opponentId"] = res.OpponentID
	} else {
		body["queueId"] = res.QueueID
	}
	writeJSON(w, http.StatusOK, body)
}

// LeaveQueue removes the caller's waiting entry.
func (h *Handler) LeaveQueue(w http.ResponseWriter, r *http.Request) {
	var req playerRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Matchmaker.LeaveQueue(r.Context(), req.PlayerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": res.Removed, "message": res.Message()})
}

// FinishMatch ends a match administratively.
func (h *Handler) FinishMatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MatchID  string `json:"matchId"`
		WinnerID string `json:"winnerId"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.Engine.FinishMatch(r.Context(), req.MatchID, req.WinnerID); err != nil {
		writeError(w, err)
		return
	}
	var winner any
	if req.WinnerID != "" {
		winner = req.WinnerID
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Match finished", "matchId": req.MatchID, "winnerId": winner})
}

// GetMatch returns a match with its rounds.
func (h *Handler) GetMatch(w http.ResponseWriter, r *http.Request) {
	view, err := h.Engine.GetMatch(r.Context(), chi.URLParam(r, "matchId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// SubmitAnswer records an answer. A missing answer counts as a timeout.
func (h *Handler) SubmitAnswer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerID string `json:"playerId"`
		Answer   *int   `json:"answer"`
	}
	if !decode(w, r, &req) {
		return
	}
	answer := sequence.Sentinel
	if req.Answer != nil {
		answer = *req.Answer
	}
	res, err := h.Engine.SubmitAnswer(r.Context(), chi.URLParam(r, "matchId"), req.PlayerID, answer)
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]any{
		"success":        true,
		"roundCompleted": res.RoundCompleted,
		"isCorrect":      res.IsCorrect,
	}
	if res.WaitingForOpponent {
		body["waitingForOpponent"] = true
	} else {
		body["match"] = res.Match
		body["round"] = res.Round
		body["nextRoundNeeded"] = res.NextRoundNeeded
		if res.DifficultyIncrease != nil {
			body["difficultyIncrease"] = res.DifficultyIncrease
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// GetHighScore returns the caller's best single-player score.
func (h *Handler) GetHighScore(w http.ResponseWriter, r *http.Request) {
	best, err := h.Solo.GetHighScore(r.Context(), r.URL.Query().Get("playerId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"highScore": best})
}

// SaveHighScore records a single-player score.
func (h *Handler) SaveHighScore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerID string `json:"playerId"`
		Score    *int   `json:"score"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Score == nil {
		writeError(w, matcherrors.ErrInvalidScore)
		return
	}
	hs, err := h.Solo.SaveHighScore(r.Context(), req.PlayerID, *req.Score)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hs)
}

// Leaderboard returns a page of the weekly, daily or single-player ranking.
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := storage.LeaderboardKind(q.Get("type"))
	if !kind.Valid() {
		writeError(w, matcherrors.ErrInvalidBoard)
		return
	}
	limit := defaultLeaderboardLimit
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxLeaderboardLimit {
		writeError(w, matcherrors.ErrLimitTooLarge)
		return
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	offset = max(offset, 0)

	now := h.now()
	query := storage.LeaderboardQuery{Kind: kind, Limit: limit, Offset: offset}
	switch kind {
	case storage.LeaderboardWeekly:
		query.Since = now.AddDate(0, 0, -7)
	case storage.LeaderboardDaily:
		query.Since = now.Add(-24 * time.Hour)
	}

	entries, total, err := h.Store.Leaderboard(r.Context(), query)
	if err != nil {
		slog.Error("leaderboard query failed", "tag", "api", "type", kind, "err", err)
		writeError(w, matcherrors.Infrastructure("failed to fetch leaderboard", err))
		return
	}
	if entries == nil {
		entries = []storage.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type":          kind,
		"entries":       entries,
		"updated_at":    now.UTC().Format(time.RFC3339),
		"total_entries": total,
	})
}

// StartSolo begins a single-player run.
func (h *Handler) StartSolo(w http.ResponseWriter, r *http.Request) {
	var req playerRequest
	if !decode(w, r, &req) {
		return
	}
	view, err := h.Solo.Start(r.Context(), req.PlayerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// SubmitSolo answers the current round of a single-player run.
func (h *Handler) SubmitSolo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answer *int `json:"answer"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Solo.Submit(r.Context(), chi.URLParam(r, "runId"), req.Answer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errBadBody)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "tag", "api", "err", err)
	}
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch matcherrors.KindOf(err) {
	case matcherrors.KindValidation:
		return http.StatusBadRequest
	case matcherrors.KindNotFound:
		return http.StatusNotFound
	case matcherrors.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": matcherrors.Message(err)})
}
