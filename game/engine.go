package game

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"number-duel-server/config"
	"number-duel-server/difficulty"
	"number-duel-server/matcherrors"
	"number-duel-server/notify"
	"number-duel-server/sequence"
	"number-duel-server/storage"
)

// AnswerSubmitted is pushed when the first of two answers arrives.
type AnswerSubmitted struct {
	PlayerID           string `json:"playerId"`
	IsCorrect          bool   `json:"isCorrect"`
	WaitingForOpponent bool   `json:"waitingForOpponent"`
}

// RoundCompleted is pushed once per resolved round.
type RoundCompleted struct {
	Round              *storage.Round       `json:"round"`
	Match              *storage.Match       `json:"match"`
	NextRoundNeeded    bool                 `json:"nextRoundNeeded"`
	DifficultyIncrease *difficulty.Increase `json:"difficultyIncrease,omitempty"`
}

// MatchAbandoned is pushed when the server gives up on a match.
type MatchAbandoned struct {
	MatchID string `json:"matchId"`
	Reason  string `json:"reason"`
}

// SubmitResult describes the effect of one answer.
type SubmitResult struct {
	IsCorrect          bool
	WaitingForOpponent bool
	RoundCompleted     bool
	NextRoundNeeded    bool
	Round              *storage.Round
	Match              *storage.Match
	NextRound          *storage.Round
	DifficultyIncrease *difficulty.Increase
}

// MatchView is the full state of a match, used by clients that missed events.
type MatchView struct {
	Match        *storage.Match  `json:"match"`
	CurrentRound *storage.Round  `json:"currentRound,omitempty"`
	Rounds       []storage.Round `json:"rounds"`
}

// Engine records answers and resolves rounds. All state lives in the store;
// an Engine holds no per-match memory and may run on many instances.
type Engine struct {
	store         storage.Store
	notifier      notify.Notifier
	seq           sequence.Source
	maxIDLen      int
	answerTimeout time.Duration
	grace         time.Duration
	now           func() time.Time
}

// NewEngine creates a new Engine.
func NewEngine(cfg *config.Config, store storage.Store, n notify.Notifier, seq sequence.Source) *Engine {
	if n == nil {
		n = notify.Nop
	}
	return &Engine{
		store:         store,
		notifier:      n,
		seq:           seq,
		maxIDLen:      cfg.MaxPlayerIDLength,
		answerTimeout: cfg.AnswerTimeout(),
		grace:         cfg.RoundGrace(),
		now:           time.Now,
	}
}

// SubmitAnswer records playerID's answer for the current round of matchID.
// The transaction that fills the second slot resolves the round: a single
// correct player wins, otherwise the match moves to the next round.
func (e *Engine) SubmitAnswer(ctx context.Context, matchID, playerID string, answer int) (*SubmitResult, error) {
	if err := checkMatchID(matchID); err != nil {
		return nil, err
	}
	pid, err := matcherrors.PlayerID(playerID, e.maxIDLen)
	if err != nil {
		return nil, err
	}
	return e.submit(ctx, matchID, pid, answer, nil)
}

// roundGuard vetoes a submission after the match and its current round are
// locked and loaded.
type roundGuard func(match *storage.Match, round *storage.Round, now time.Time) error

// submitTimeout records the timeout sentinel for player in round number,
// provided that round is still the current one and its deadline has passed.
func (e *Engine) submitTimeout(ctx context.Context, matchID, player string, number int) (*SubmitResult, error) {
	return e.submit(ctx, matchID, player, sequence.Sentinel, func(match *storage.Match, round *storage.Round, now time.Time) error {
		if match.CurrentRound != number || now.Before(e.RoundDeadline(match, round)) {
			return matcherrors.ErrRoundMoved
		}
		return nil
	})
}

func (e *Engine) submit(ctx context.Context, matchID, pid string, answer int, guard roundGuard) (*SubmitResult, error) {
	now := e.now()

	var res *SubmitResult
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		res = nil
		match, err := tx.LockMatch(ctx, matchID)
		if errors.Is(err, storage.ErrNotFound) {
			return matcherrors.ErrMatchNotFound
		}
		if err != nil {
			return err
		}
		if match.Status != storage.MatchActive {
			return matcherrors.ErrMatchNotActive
		}
		slot, ok := match.SlotFor(pid)
		if !ok {
			return matcherrors.ErrNotInMatch
		}

		round, err := tx.GetRound(ctx, match.ID, match.CurrentRound)
		if errors.Is(err, storage.ErrNotFound) {
			return matcherrors.ErrRoundNotFound
		}
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(match, round, now); err != nil {
				return err
			}
		}
		if round.Completed() {
			return matcherrors.ErrRoundCompleted
		}
		if round.Answered(slot) {
			return matcherrors.ErrAlreadySubmitted
		}

		correct := answer == round.CorrectSum
		wrote, err := tx.RecordAnswer(ctx, round.ID, slot, answer, correct, now)
		if err != nil {
			return err
		}
		if !wrote {
			return matcherrors.ErrAlreadySubmitted
		}
		round.Fill(slot, answer, correct, now)

		res = &SubmitResult{IsCorrect: correct, Round: round, Match: match}
		if !round.Answered(slot.Other()) {
			res.WaitingForOpponent = true
			return nil
		}
		return e.resolve(ctx, tx, match, round, now, res)
	})
	if err != nil {
		var me *matcherrors.Error
		if errors.As(err, &me) {
			return nil, err
		}
		slog.Error("submit answer failed", "tag", "game", "matchId", matchID, "player", pid, "err", err)
		return nil, matcherrors.Infrastructure("failed to submit answer", err)
	}

	if res.WaitingForOpponent {
		e.publish(ctx, notify.MatchChannel(matchID), notify.Event{
			Name: notify.EventAnswerSubmitted,
			Data: AnswerSubmitted{PlayerID: pid, IsCorrect: res.IsCorrect, WaitingForOpponent: true},
		})
		return res, nil
	}

	if res.Match.Status == storage.MatchCompleted {
		slog.Info("match completed", "tag", "game", "matchId", matchID, "winner", *res.Match.WinnerID,
			"rounds", res.Match.CompletedRounds)
	} else {
		slog.Debug("round resolved", "tag", "game", "matchId", matchID, "next", res.Match.CurrentRound)
	}
	e.publish(ctx, notify.MatchChannel(matchID), notify.Event{
		Name: notify.EventRoundCompleted,
		Data: RoundCompleted{
			Round:              res.Round,
			Match:              res.Match,
			NextRoundNeeded:    res.NextRoundNeeded,
			DifficultyIncrease: res.DifficultyIncrease,
		},
	})
	return res, nil
}

// resolve runs inside the submitting transaction once both slots are filled.
func (e *Engine) resolve(ctx context.Context, tx storage.Tx, match *storage.Match, round *storage.Round, now time.Time, res *SubmitResult) error {
	if err := tx.CompleteRound(ctx, round.ID, now); err != nil {
		return err
	}
	round.CompletedAt = &now
	res.RoundCompleted = true

	before := match.Difficulty()
	match.CompletedRounds++
	match.UpdatedAt = now

	p1, p2 := round.Correct(storage.SlotPlayer1), round.Correct(storage.SlotPlayer2)
	var winner string
	switch {
	case p1 && !p2:
		winner = match.Player1ID
	case p2 && !p1:
		winner = match.Player2ID
	}

	if winner != "" {
		match.Status = storage.MatchCompleted
		match.WinnerID = &winner
		return tx.UpdateMatch(ctx, match)
	}

	next := difficulty.For(match.CompletedRounds)
	match.CurrentRound++
	match.SetDifficulty(next)
	if err := tx.UpdateMatch(ctx, match); err != nil {
		return err
	}
	nr := storage.NewRound(match.ID, match.CurrentRound, e.seq.Generate(next.SequenceLength), now)
	if err := tx.InsertRound(ctx, nr); err != nil {
		return err
	}
	res.NextRoundNeeded = true
	res.NextRound = nr
	res.DifficultyIncrease = difficulty.Change(before, next)
	return nil
}

// GetMatch returns the match with its rounds.
func (e *Engine) GetMatch(ctx context.Context, matchID string) (*MatchView, error) {
	if err := checkMatchID(matchID); err != nil {
		return nil, err
	}
	match, err := e.store.GetMatch(ctx, matchID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, matcherrors.ErrMatchNotFound
	}
	if err != nil {
		return nil, matcherrors.Infrastructure("failed to load match", err)
	}
	rounds, err := e.store.ListRounds(ctx, matchID)
	if err != nil {
		return nil, matcherrors.Infrastructure("failed to load rounds", err)
	}
	view := &MatchView{Match: match, Rounds: rounds}
	for i := range rounds {
		if rounds[i].RoundNumber == match.CurrentRound {
			view.CurrentRound = &rounds[i]
		}
	}
	return view, nil
}

// FinishMatch marks a waiting or active match completed. winnerID may be
// empty; when set it must name one of the players.
func (e *Engine) FinishMatch(ctx context.Context, matchID, winnerID string) error {
	if err := checkMatchID(matchID); err != nil {
		return err
	}
	var winner *string
	if winnerID != "" {
		match, err := e.store.GetMatch(ctx, matchID)
		if errors.Is(err, storage.ErrNotFound) {
			return matcherrors.ErrMatchFinished
		}
		if err != nil {
			return matcherrors.Infrastructure("failed to load match", err)
		}
		if _, ok := match.SlotFor(winnerID); !ok {
			return matcherrors.ErrInvalidWinner
		}
		winner = &winnerID
	}
	ok, err := e.store.FinishMatch(ctx, matchID, storage.MatchCompleted, winner, e.now())
	if err != nil {
		return matcherrors.Infrastructure("failed to finish match", err)
	}
	if !ok {
		return matcherrors.ErrMatchFinished
	}
	slog.Info("match finished", "tag", "game", "matchId", matchID, "winner", winnerID)
	return nil
}

// RoundDeadline is the latest time the server waits for answers: display
// time, the answer window and a grace period for slow clients.
func (e *Engine) RoundDeadline(match *storage.Match, round *storage.Round) time.Time {
	display := time.Duration(len(round.Sequence)) * time.Duration(match.DisplayIntervalMS) * time.Millisecond
	return round.CreatedAt.Add(display + e.answerTimeout + e.grace)
}

// SweepOverdueRounds submits the timeout sentinel for players who let a
// round's deadline pass. A round nobody answered abandons its match.
func (e *Engine) SweepOverdueRounds(ctx context.Context) (int, error) {
	now := e.now()
	open, err := e.store.OpenRounds(ctx, now.Add(-e.answerTimeout))
	if err != nil {
		return 0, err
	}
	timedOut := 0
	for i := range open {
		match, round := &open[i].Match, &open[i].Round
		if now.Before(e.RoundDeadline(match, round)) {
			continue
		}
		if !round.Answered(storage.SlotPlayer1) && !round.Answered(storage.SlotPlayer2) {
			number := round.RoundNumber
			e.abandon(ctx, match.ID, "no answers before deadline", func(ctx context.Context, tx storage.Tx, m *storage.Match, now time.Time) (bool, error) {
				if m.CurrentRound != number {
					return false, nil
				}
				r, err := tx.GetRound(ctx, m.ID, number)
				if err != nil {
					return false, err
				}
				unanswered := !r.Answered(storage.SlotPlayer1) && !r.Answered(storage.SlotPlayer2)
				return unanswered && !r.Completed() && !now.Before(e.RoundDeadline(m, r)), nil
			})
			continue
		}
		for _, slot := range []storage.Slot{storage.SlotPlayer1, storage.SlotPlayer2} {
			if round.Answered(slot) {
				continue
			}
			player := match.Player1ID
			if slot == storage.SlotPlayer2 {
				player = match.Player2ID
			}
			_, err := e.submitTimeout(ctx, match.ID, player, round.RoundNumber)
			switch {
			case err == nil:
				timedOut++
				slog.Info("answer timed out", "tag", "game", "matchId", match.ID, "player", player, "round", round.RoundNumber)
			case matcherrors.KindOf(err) == matcherrors.KindInfrastructure:
				slog.Error("timeout submission failed", "tag", "game", "matchId", match.ID, "err", err)
			default:
				slog.Debug("timeout skipped", "tag", "game", "matchId", match.ID, "err", err)
			}
		}
	}
	return timedOut, nil
}

// AbandonIdleMatches abandons active matches without activity for idle.
func (e *Engine) AbandonIdleMatches(ctx context.Context, idle time.Duration) (int, error) {
	cutoff := e.now().Add(-idle)
	matches, err := e.store.IdleMatches(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range matches {
		if e.abandon(ctx, m.ID, "idle", idleSince(cutoff)) {
			n++
		}
	}
	return n, nil
}

// idleSince confirms that neither the match nor its current round has been
// touched at or after cutoff.
func idleSince(cutoff time.Time) stillStale {
	return func(ctx context.Context, tx storage.Tx, m *storage.Match, _ time.Time) (bool, error) {
		if !m.UpdatedAt.Before(cutoff) {
			return false, nil
		}
		r, err := tx.GetRound(ctx, m.ID, m.CurrentRound)
		if errors.Is(err, storage.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		for _, at := range []*time.Time{r.Player1SubmittedAt, r.Player2SubmittedAt} {
			if at != nil && !at.Before(cutoff) {
				return false, nil
			}
		}
		return true, nil
	}
}

// stillStale re-checks, under the match lock, a decision made from an
// earlier unlocked read.
type stillStale func(ctx context.Context, tx storage.Tx, match *storage.Match, now time.Time) (bool, error)

// abandon ends an active match when check still holds inside the locking
// transaction. It reports whether the match was abandoned.
func (e *Engine) abandon(ctx context.Context, matchID, reason string, check stillStale) bool {
	now := e.now()
	abandoned := false
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		abandoned = false
		match, err := tx.LockMatch(ctx, matchID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if match.Status != storage.MatchActive {
			return nil
		}
		ok, err := check(ctx, tx, match, now)
		if err != nil || !ok {
			return err
		}
		match.Status = storage.MatchAbandoned
		match.UpdatedAt = now
		if err := tx.UpdateMatch(ctx, match); err != nil {
			return err
		}
		abandoned = true
		return nil
	})
	if err != nil {
		slog.Error("failed to abandon match", "tag", "game", "matchId", matchID, "err", err)
		return false
	}
	if !abandoned {
		slog.Debug("abandon skipped, match moved on", "tag", "game", "matchId", matchID, "reason", reason)
		return false
	}
	slog.Info("match abandoned", "tag", "game", "matchId", matchID, "reason", reason)
	e.publish(ctx, notify.MatchChannel(matchID), notify.Event{
		Name: notify.EventMatchAbandoned,
		Data: MatchAbandoned{MatchID: matchID, Reason: reason},
	})
	return true
}

func (e *Engine) publish(ctx context.Context, channel string, ev notify.Event) {
	if err := e.notifier.Publish(ctx, channel, ev); err != nil {
		slog.Warn("notification failed", "tag", "game", "channel", channel, "event", ev.Name, "err", err)
	}
}

func checkMatchID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return matcherrors.ErrInvalidMatchID
	}
	return nil
}
