package matchmaking

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"number-duel-server/config"
	"number-duel-server/matcherrors"
	"number-duel-server/notify"
	"number-duel-server/sequence"
	"number-duel-server/storage"
)

// JoinStatus is the outcome of JoinQueue.
type JoinStatus string

const (
	JoinQueued  JoinStatus = "queued"
	JoinMatched JoinStatus = "matched"
	JoinActive  JoinStatus = "already_active"
)

// JoinResult describes what JoinQueue did for the caller.
type JoinResult struct {
	Status     JoinStatus
	Match      *storage.Match
	OpponentID string
	QueueID    string
}

// Message is a human-readable summary for clients.
func (r *JoinResult) Message() string {
	switch r.Status {
	case JoinMatched:
		return "Match found"
	case JoinActive:
		return "Already in an active match"
	default:
		return "Waiting for opponent"
	}
}

// LeaveResult reports whether a waiting entry was removed.
type LeaveResult struct {
	Removed bool
}

// Message is a human-readable summary for clients.
func (r *LeaveResult) Message() string {
	if r.Removed {
		return "Left matchmaking queue"
	}
	return "Not in matchmaking queue"
}

// MatchFound is the payload sent to the player who was already waiting.
type MatchFound struct {
	MatchID    string `json:"matchId"`
	OpponentID string `json:"opponentId"`
}

// Matchmaker pairs players through the shared store. Every decision is taken
// inside one store transaction, so any number of server instances can run
// side by side.
type Matchmaker struct {
	store    storage.Store
	notifier notify.Notifier
	seq      sequence.Source
	maxIDLen int
	now      func() time.Time
}

// NewMatchmaker creates a new Matchmaker.
func NewMatchmaker(cfg *config.Config, store storage.Store, n notify.Notifier, seq sequence.Source) *Matchmaker {
	if n == nil {
		n = notify.Nop
	}
	return &Matchmaker{
		store:    store,
		notifier: n,
		seq:      seq,
		maxIDLen: cfg.MaxPlayerIDLength,
		now:      time.Now,
	}
}

// JoinQueue returns the caller's active match, pairs them with the oldest
// waiting player, or leaves them waiting. Repeated calls are idempotent.
func (m *Matchmaker) JoinQueue(ctx context.Context, playerID string) (*JoinResult, error) {
	id, err := matcherrors.PlayerID(playerID, m.maxIDLen)
	if err != nil {
		return nil, err
	}
	now := m.now()

	var res *JoinResult
	err = m.store.InTx(ctx, func(tx storage.Tx) error {
		res = nil
		if err := tx.LockQueue(ctx); err != nil {
			return err
		}

		active, err := tx.ActiveMatchForPlayer(ctx, id)
		if err == nil {
			res = &JoinResult{Status: JoinActive, Match: active, OpponentID: active.Opponent(id)}
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		waiting, err := tx.WaitingEntry(ctx, id)
		if err == nil {
			res = &JoinResult{Status: JoinQueued, QueueID: waiting.ID}
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		opponent, err := tx.ClaimOpponent(ctx, id, now)
		if err == nil {
			match := storage.NewMatch(opponent.PlayerID, id, now)
			if err := tx.InsertMatch(ctx, match); err != nil {
				return err
			}
			res = &JoinResult{Status: JoinMatched, Match: match, OpponentID: opponent.PlayerID}
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		entry := storage.NewQueueEntry(id, now)
		if err := tx.InsertQueueEntry(ctx, entry); err != nil {
			return err
		}
		res = &JoinResult{Status: JoinQueued, QueueID: entry.ID}
		return nil
	})
	if err != nil {
		slog.Error("join queue failed", "tag", "matchmaking", "player", id, "err", err)
		return nil, matcherrors.Infrastructure("failed to join queue", err)
	}

	switch res.Status {
	case JoinMatched:
		if err := m.startMatch(ctx, res.Match, now); err != nil {
			return nil, err
		}
		slog.Info("match created", "tag", "matchmaking", "matchId", res.Match.ID,
			"player1", res.Match.Player1ID, "player2", res.Match.Player2ID)
		m.publish(ctx, notify.PlayerChannel(res.OpponentID), notify.Event{
			Name: notify.EventMatchFound,
			Data: MatchFound{MatchID: res.Match.ID, OpponentID: id},
		})
	case JoinQueued:
		slog.Debug("player waiting", "tag", "matchmaking", "player", id, "queueId", res.QueueID)
	}
	return res, nil
}

// startMatch persists round 1. If that fails the match is abandoned so that
// neither player is stuck in a match without a round.
func (m *Matchmaker) startMatch(ctx context.Context, match *storage.Match, now time.Time) error {
	round := storage.NewRound(match.ID, 1, m.seq.Generate(match.SequenceLength), now)
	err := m.store.InsertRound(ctx, round)
	if err == nil {
		return nil
	}
	slog.Error("failed to create first round", "tag", "matchmaking", "matchId", match.ID, "err", err)

	cctx := context.WithoutCancel(ctx)
	if _, aerr := m.store.FinishMatch(cctx, match.ID, storage.MatchAbandoned, nil, m.now()); aerr != nil {
		slog.Error("failed to abandon match", "tag", "matchmaking", "matchId", match.ID, "err", aerr)
	} else {
		match.Status = storage.MatchAbandoned
	}
	return matcherrors.Infrastructure(matcherrors.ErrRoundNotPersisted.Message, err)
}

// LeaveQueue removes the caller's waiting entry. Matches are never affected.
func (m *Matchmaker) LeaveQueue(ctx context.Context, playerID string) (*LeaveResult, error) {
	id, err := matcherrors.PlayerID(playerID, m.maxIDLen)
	if err != nil {
		return nil, err
	}
	removed, err := m.store.LeaveQueue(ctx, id)
	if err != nil {
		slog.Error("leave queue failed", "tag", "matchmaking", "player", id, "err", err)
		return nil, matcherrors.Infrastructure("failed to leave queue", err)
	}
	return &LeaveResult{Removed: removed}, nil
}

// ExpireStale marks entries waiting longer than ttl as expired.
func (m *Matchmaker) ExpireStale(ctx context.Context, ttl time.Duration) (int64, error) {
	n, err := m.store.ExpireQueue(ctx, m.now().Add(-ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("expired queue entries", "tag", "matchmaking", "count", n)
	}
	return n, nil
}

func (m *Matchmaker) publish(ctx context.Context, channel string, ev notify.Event) {
	if err := m.notifier.Publish(ctx, channel, ev); err != nil {
		slog.Warn("notification failed", "tag", "matchmaking", "channel", channel, "event", ev.Name, "err", err)
	}
}
