package game

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"number-duel-server/config"
	"number-duel-server/difficulty"
	"number-duel-server/matcherrors"
	"number-duel-server/sequence"
	"number-duel-server/storage"
)

// SoloRun is one single-player game: rounds continue while the player
// answers correctly, the first wrong or late answer ends the run.
type SoloRun struct {
	ID              string
	PlayerID        string
	Round           int
	CompletedRounds int
	Difficulty      difficulty.Settings
	Sequence        []int
	Deadline        time.Time
	StartedAt       time.Time
	Over            bool

	correctSum int
	window     time.Duration
}

// NewSoloRun starts a run at round 1 with base difficulty. window is the
// answer time allowed after the sequence has been displayed.
func NewSoloRun(playerID string, seq sequence.Source, window time.Duration, now time.Time) *SoloRun {
	r := &SoloRun{
		ID:         uuid.NewString(),
		PlayerID:   playerID,
		StartedAt:  now,
		window:     window,
		Difficulty: difficulty.Base(),
	}
	r.deal(seq, now)
	return r
}

func (r *SoloRun) deal(seq sequence.Source, now time.Time) {
	r.Round++
	r.Sequence = seq.Generate(r.Difficulty.SequenceLength)
	r.correctSum = sequence.Sum(r.Sequence)
	display := time.Duration(len(r.Sequence)) * r.Difficulty.DisplayInterval
	r.Deadline = now.Add(display + r.window)
}

// Submit scores answer for the current round. A correct answer deals the
// next round, anything else (including a late answer) ends the run.
// It returns nil when the run was already over.
func (r *SoloRun) Submit(answer int, seq sequence.Source, now time.Time) *difficulty.Increase {
	if r.Over {
		return nil
	}
	if now.After(r.Deadline) || answer != r.correctSum {
		r.Over = true
		return nil
	}
	r.CompletedRounds++
	before := r.Difficulty
	r.Difficulty = difficulty.For(r.CompletedRounds)
	r.deal(seq, now)
	return difficulty.Change(before, r.Difficulty)
}

// Expire ends the run if its deadline has passed. It reports whether the
// run ended now.
func (r *SoloRun) Expire(now time.Time) bool {
	if r.Over || !now.After(r.Deadline) {
		return false
	}
	r.Over = true
	return true
}

// FinalScore is the number of rounds answered correctly.
func (r *SoloRun) FinalScore() int { return r.CompletedRounds }

// SoloView is the client-facing state of a live run.
type SoloView struct {
	RunID           string              `json:"runId"`
	Round           int                 `json:"round"`
	CompletedRounds int                 `json:"completedRounds"`
	Sequence        []int               `json:"sequence"`
	Difficulty      difficulty.Settings `json:"difficulty"`
	DeadlineUnixMs  int64               `json:"deadlineUnixMs"`
}

func (r *SoloRun) view() *SoloView {
	return &SoloView{
		RunID:           r.ID,
		Round:           r.Round,
		CompletedRounds: r.CompletedRounds,
		Sequence:        append([]int(nil), r.Sequence...),
		Difficulty:      r.Difficulty,
		DeadlineUnixMs:  r.Deadline.UnixMilli(),
	}
}

// SoloResult is returned for every single-player answer. Next is set while
// the run continues; the score fields are set once it is over.
type SoloResult struct {
	IsCorrect          bool                 `json:"isCorrect"`
	GameOver           bool                 `json:"gameOver"`
	Next               *SoloView            `json:"next,omitempty"`
	DifficultyIncrease *difficulty.Increase `json:"difficultyIncrease,omitempty"`
	FinalScore         int                  `json:"finalScore"`
	HighScore          int                  `json:"highScore,omitempty"`
	IsNewRecord        bool                 `json:"isNewRecord"`
}

// HighScore is the outcome of recording a single-player score.
type HighScore struct {
	HighScore   int  `json:"highScore"`
	IsNewRecord bool `json:"isNewRecord"`
}

// SoloSessions keeps live single-player runs in memory. Scores of finished
// runs go to the store.
type SoloSessions struct {
	mu   sync.Mutex
	runs map[string]*SoloRun

	store    storage.Store
	seq      sequence.Source
	window   time.Duration
	ttl      time.Duration
	maxIDLen int
	now      func() time.Time
}

// NewSoloSessions creates a new SoloSessions.
func NewSoloSessions(cfg *config.Config, store storage.Store, seq sequence.Source) *SoloSessions {
	return &SoloSessions{
		runs:     make(map[string]*SoloRun),
		store:    store,
		seq:      seq,
		window:   cfg.AnswerTimeout() + cfg.RoundGrace(),
		ttl:      cfg.SoloRunTTL(),
		maxIDLen: cfg.MaxPlayerIDLength,
		now:      time.Now,
	}
}

// Start begins a new run for playerID.
func (s *SoloSessions) Start(_ context.Context, playerID string) (*SoloView, error) {
	pid, err := matcherrors.PlayerID(playerID, s.maxIDLen)
	if err != nil {
		return nil, err
	}
	run := NewSoloRun(pid, s.seq, s.window, s.now())

	s.mu.Lock()
	s.runs[run.ID] = run
	v := run.view()
	s.mu.Unlock()

	slog.Debug("solo run started", "tag", "solo", "runId", run.ID, "player", pid)
	return v, nil
}

// Submit answers the current round of runID. A nil answer counts as a
// timeout.
func (s *SoloSessions) Submit(ctx context.Context, runID string, answer *int) (*SoloResult, error) {
	a := sequence.Sentinel
	if answer != nil {
		a = *answer
	}

	s.mu.Lock()
	run, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return nil, matcherrors.ErrRunNotFound
	}
	if run.Over {
		s.mu.Unlock()
		return nil, matcherrors.ErrRunOver
	}
	inc := run.Submit(a, s.seq, s.now())
	res := &SoloResult{IsCorrect: !run.Over, FinalScore: run.FinalScore()}
	if !run.Over {
		res.Next = run.view()
		res.DifficultyIncrease = inc
		s.mu.Unlock()
		return res, nil
	}
	delete(s.runs, runID)
	s.mu.Unlock()

	res.GameOver = true
	hs, err := s.SaveHighScore(ctx, run.PlayerID, run.FinalScore())
	if err != nil {
		return nil, err
	}
	res.HighScore = hs.HighScore
	res.IsNewRecord = hs.IsNewRecord
	slog.Info("solo run over", "tag", "solo", "runId", runID, "player", run.PlayerID,
		"score", res.FinalScore, "record", res.IsNewRecord)
	return res, nil
}

// ExpireRuns ends runs whose deadline passed and drops runs older than the
// session TTL, saving the score of each expired run.
func (s *SoloSessions) ExpireRuns(ctx context.Context) int {
	now := s.now()
	var ended []*SoloRun

	s.mu.Lock()
	for id, run := range s.runs {
		if run.Expire(now) || now.Sub(run.StartedAt) > s.ttl {
			ended = append(ended, run)
			delete(s.runs, id)
		}
	}
	s.mu.Unlock()

	for _, run := range ended {
		if _, err := s.SaveHighScore(ctx, run.PlayerID, run.FinalScore()); err != nil {
			slog.Error("failed to save expired solo score", "tag", "solo", "runId", run.ID, "err", err)
		}
	}
	if len(ended) > 0 {
		slog.Info("expired solo runs", "tag", "solo", "count", len(ended))
	}
	return len(ended)
}

// Live returns the number of runs in progress.
func (s *SoloSessions) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// GetHighScore returns the best recorded score of playerID, 0 if none.
func (s *SoloSessions) GetHighScore(ctx context.Context, playerID string) (int, error) {
	pid, err := matcherrors.PlayerID(playerID, s.maxIDLen)
	if err != nil {
		return 0, err
	}
	best, err := s.store.GetHighScore(ctx, pid)
	if err != nil {
		slog.Error("high score lookup failed", "tag", "solo", "player", pid, "err", err)
		return 0, matcherrors.Infrastructure("failed to fetch high score", err)
	}
	return best, nil
}

// SaveHighScore records score and returns the player's best.
func (s *SoloSessions) SaveHighScore(ctx context.Context, playerID string, score int) (*HighScore, error) {
	pid, err := matcherrors.PlayerID(playerID, s.maxIDLen)
	if err != nil {
		return nil, err
	}
	if score < 0 {
		return nil, matcherrors.ErrInvalidScore
	}
	best, isNew, err := s.store.SaveHighScore(ctx, pid, score, s.now())
	if err != nil {
		slog.Error("high score save failed", "tag", "solo", "player", pid, "err", err)
		return nil, matcherrors.Infrastructure("failed to update high score", err)
	}
	return &HighScore{HighScore: best, IsNewRecord: isNew}, nil
}
