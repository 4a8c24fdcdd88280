package storage

import (
	"context"
	"time"
)

// Store persists queue entries, matches, rounds and single-player scores.
// Multi-step protocols run inside InTx; everything else is a single statement.
type Store interface {
	// InTx runs fn in one transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Read
	GetMatch(ctx context.Context, id string) (*Match, error)
	GetRound(ctx context.Context, matchID string, number int) (*Round, error)
	ListRounds(ctx context.Context, matchID string) ([]Round, error)
	IdleMatches(ctx context.Context, updatedBefore time.Time) ([]Match, error)
	OpenRounds(ctx context.Context, createdBefore time.Time) ([]OpenRound, error)
	GetHighScore(ctx context.Context, playerID string) (int, error)
	Leaderboard(ctx context.Context, q LeaderboardQuery) ([]LeaderboardEntry, int, error)

	// Write
	InsertRound(ctx context.Context, r *Round) error
	LeaveQueue(ctx context.Context, playerID string) (bool, error)
	// FinishMatch moves a waiting or active match to status. It reports false
	// when the match does not exist or is already terminal.
	FinishMatch(ctx context.Context, id string, status MatchStatus, winnerID *string, at time.Time) (bool, error)
	ExpireQueue(ctx context.Context, joinedBefore time.Time) (int64, error)
	// SaveHighScore keeps the maximum of the stored and submitted score.
	SaveHighScore(ctx context.Context, playerID string, score int, at time.Time) (best int, isNew bool, err error)

	// Lifecycle
	Close()
}

// Tx is the set of operations available inside InTx.
type Tx interface {
	// LockQueue serialises pairing decisions until the transaction ends.
	LockQueue(ctx context.Context) error
	ActiveMatchForPlayer(ctx context.Context, playerID string) (*Match, error)
	WaitingEntry(ctx context.Context, playerID string) (*QueueEntry, error)
	// ClaimOpponent marks the oldest waiting entry of another player as matched
	// and returns it, or ErrNotFound when nobody is waiting.
	ClaimOpponent(ctx context.Context, playerID string, at time.Time) (*QueueEntry, error)
	InsertQueueEntry(ctx context.Context, e *QueueEntry) error
	InsertMatch(ctx context.Context, m *Match) error

	// LockMatch reads the match and holds it until the transaction ends.
	LockMatch(ctx context.Context, id string) (*Match, error)
	GetRound(ctx context.Context, matchID string, number int) (*Round, error)
	// RecordAnswer fills slot only if it is empty and reports whether it wrote.
	RecordAnswer(ctx context.Context, roundID string, slot Slot, answer int, correct bool, at time.Time) (bool, error)
	CompleteRound(ctx context.Context, roundID string, at time.Time) error
	UpdateMatch(ctx context.Context, m *Match) error
	InsertRound(ctx context.Context, r *Round) error
}
