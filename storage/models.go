package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"number-duel-server/difficulty"
	"number-duel-server/sequence"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// QueueStatus is the lifecycle state of a matchmaking queue entry.
type QueueStatus string

const (
	QueueWaiting QueueStatus = "waiting"
	QueueMatched QueueStatus = "matched"
	QueueExpired QueueStatus = "expired"
)

// MatchStatus is the lifecycle state of a match.
type MatchStatus string

const (
	MatchWaiting   MatchStatus = "waiting"
	MatchActive    MatchStatus = "active"
	MatchCompleted MatchStatus = "completed"
	MatchAbandoned MatchStatus = "abandoned"
)

// Terminal reports whether no further transitions are allowed.
func (s MatchStatus) Terminal() bool {
	return s == MatchCompleted || s == MatchAbandoned
}

// QueueEntry records a player waiting for an opponent.
type QueueEntry struct {
	ID        string      `json:"id"`
	PlayerID  string      `json:"player_id"`
	Status    QueueStatus `json:"status"`
	JoinedAt  time.Time   `json:"joined_at"`
	MatchedAt *time.Time  `json:"matched_at,omitempty"`
}

// NewQueueEntry returns a waiting entry for playerID.
func NewQueueEntry(playerID string, now time.Time) *QueueEntry {
	return &QueueEntry{ID: uuid.NewString(), PlayerID: playerID, Status: QueueWaiting, JoinedAt: now}
}

// Match is a two-player contest. DisplayIntervalMS, SequenceLength and
// LastDifficultyType hold the difficulty of the current round.
type Match struct {
	ID                 string      `json:"id"`
	Player1ID          string      `json:"player1_id"`
	Player2ID          string      `json:"player2_id"`
	Status             MatchStatus `json:"status"`
	WinnerID           *string     `json:"winner_id,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	CurrentRound       int         `json:"current_round"`
	CurrentTurn        *string     `json:"current_turn,omitempty"`
	CompletedRounds    int         `json:"completed_rounds"`
	SequenceLength     int         `json:"sequence_length"`
	DisplayIntervalMS  int         `json:"display_interval"`
	LastDifficultyType *string     `json:"last_difficulty_type"`
}

// NewMatch returns an active match at round 1 with base difficulty.
func NewMatch(player1, player2 string, now time.Time) *Match {
	m := &Match{
		ID:           uuid.NewString(),
		Player1ID:    player1,
		Player2ID:    player2,
		Status:       MatchActive,
		CreatedAt:    now,
		UpdatedAt:    now,
		CurrentRound: 1,
	}
	m.SetDifficulty(difficulty.Base())
	return m
}

// Difficulty returns the settings stored on the match.
func (m *Match) Difficulty() difficulty.Settings {
	s := difficulty.Settings{
		SequenceLength:  m.SequenceLength,
		DisplayInterval: time.Duration(m.DisplayIntervalMS) * time.Millisecond,
	}
	if m.LastDifficultyType != nil {
		s.LastType = difficulty.Type(*m.LastDifficultyType)
	}
	return s
}

// SetDifficulty copies s onto the match columns.
func (m *Match) SetDifficulty(s difficulty.Settings) {
	m.SequenceLength = s.SequenceLength
	m.DisplayIntervalMS = int(s.DisplayInterval.Milliseconds())
	m.LastDifficultyType = nil
	if s.LastType != difficulty.TypeNone {
		t := string(s.LastType)
		m.LastDifficultyType = &t
	}
}

// SlotFor returns the answer slot of playerID, or false if the player is not
// in the match.
func (m *Match) SlotFor(playerID string) (Slot, bool) {
	switch playerID {
	case m.Player1ID:
		return SlotPlayer1, true
	case m.Player2ID:
		return SlotPlayer2, true
	}
	return 0, false
}

// Opponent returns the other player's id.
func (m *Match) Opponent(playerID string) string {
	if playerID == m.Player1ID {
		return m.Player2ID
	}
	return m.Player1ID
}

// Slot identifies which player's answer columns of a round are addressed.
type Slot int

const (
	SlotPlayer1 Slot = 1
	SlotPlayer2 Slot = 2
)

// Other returns the opposing slot.
func (s Slot) Other() Slot {
	if s == SlotPlayer1 {
		return SlotPlayer2
	}
	return SlotPlayer1
}

// Round is one sequence both players of a match answer.
type Round struct {
	ID                 string     `json:"id"`
	MatchID            string     `json:"match_id"`
	RoundNumber        int        `json:"round_number"`
	Sequence           []int      `json:"sequence"`
	CorrectSum         int        `json:"correct_sum"`
	Player1Answer      *int       `json:"player1_answer,omitempty"`
	Player2Answer      *int       `json:"player2_answer,omitempty"`
	Player1Correct     *bool      `json:"player1_correct,omitempty"`
	Player2Correct     *bool      `json:"player2_correct,omitempty"`
	Player1SubmittedAt *time.Time `json:"player1_submitted_at,omitempty"`
	Player2SubmittedAt *time.Time `json:"player2_submitted_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// NewRound returns an open round for seq; the correct sum is computed from it.
func NewRound(matchID string, number int, seq []int, now time.Time) *Round {
	return &Round{
		ID:          uuid.NewString(),
		MatchID:     matchID,
		RoundNumber: number,
		Sequence:    seq,
		CorrectSum:  sequence.Sum(seq),
		CreatedAt:   now,
	}
}

// Answered reports whether slot has been filled.
func (r *Round) Answered(slot Slot) bool {
	if slot == SlotPlayer1 {
		return r.Player1Answer != nil
	}
	return r.Player2Answer != nil
}

// Correct reports the recorded correctness of slot; an empty slot is false.
func (r *Round) Correct(slot Slot) bool {
	c := r.Player1Correct
	if slot == SlotPlayer2 {
		c = r.Player2Correct
	}
	return c != nil && *c
}

// Fill records an answer in memory, mirroring Tx.RecordAnswer.
func (r *Round) Fill(slot Slot, answer int, correct bool, at time.Time) {
	a, c, t := answer, correct, at
	if slot == SlotPlayer1 {
		r.Player1Answer, r.Player1Correct, r.Player1SubmittedAt = &a, &c, &t
		return
	}
	r.Player2Answer, r.Player2Correct, r.Player2SubmittedAt = &a, &c, &t
}

// Completed reports whether the round has been resolved.
func (r *Round) Completed() bool { return r.CompletedAt != nil }

// OpenRound pairs an unresolved round with its active match.
type OpenRound struct {
	Match Match
	Round Round
}

// LeaderboardKind selects a ranking.
type LeaderboardKind string

const (
	LeaderboardWeekly       LeaderboardKind = "weekly"
	LeaderboardDaily        LeaderboardKind = "daily"
	LeaderboardSinglePlayer LeaderboardKind = "singleplayer"
)

// Valid reports whether k names a known leaderboard.
func (k LeaderboardKind) Valid() bool {
	switch k {
	case LeaderboardWeekly, LeaderboardDaily, LeaderboardSinglePlayer:
		return true
	}
	return false
}

// LeaderboardQuery selects a page of a leaderboard. Since bounds the window
// of the weekly and daily boards and is ignored for single-player.
type LeaderboardQuery struct {
	Kind   LeaderboardKind
	Since  time.Time
	Limit  int
	Offset int
}

// LeaderboardEntry is one ranked player.
type LeaderboardEntry struct {
	Rank        int        `json:"rank"`
	PlayerID    string     `json:"player_id"`
	Score       int        `json:"score"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}
