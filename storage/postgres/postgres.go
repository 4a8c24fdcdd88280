// Package postgres implements storage.Store on PostgreSQL via pgxpool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"number-duel-server/storage"
)

// queueLockKey is the advisory lock taken by LockQueue.
const queueLockKey int64 = 0x6e756d6475656c

const createTableSQL = `
CREATE TABLE IF NOT EXISTS matchmaking_queue (
	id         UUID PRIMARY KEY,
	player_id  TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'waiting' CHECK (status IN ('waiting', 'matched', 'expired')),
	joined_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	matched_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_waiting_player ON matchmaking_queue(player_id) WHERE status = 'waiting';
CREATE INDEX IF NOT EXISTS idx_queue_status_joined ON matchmaking_queue(status, joined_at);
CREATE TABLE IF NOT EXISTS matches (
	id                   UUID PRIMARY KEY,
	player1_id           TEXT NOT NULL,
	player2_id           TEXT NOT NULL,
	status               TEXT NOT NULL CHECK (status IN ('waiting', 'active', 'completed', 'abandoned')),
	winner_id            TEXT,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	current_round        INT NOT NULL DEFAULT 1,
	current_turn         TEXT,
	completed_rounds     INT NOT NULL DEFAULT 0,
	sequence_length      INT NOT NULL DEFAULT 5,
	display_interval     INT NOT NULL DEFAULT 1000,
	last_difficulty_type TEXT CHECK (last_difficulty_type IN ('sequence', 'timing'))
);
CREATE INDEX IF NOT EXISTS idx_matches_player1_status ON matches(player1_id, status);
CREATE INDEX IF NOT EXISTS idx_matches_player2_status ON matches(player2_id, status);
CREATE INDEX IF NOT EXISTS idx_matches_winner_updated ON matches(winner_id, updated_at) WHERE status = 'completed';
CREATE TABLE IF NOT EXISTS match_rounds (
	id                   UUID PRIMARY KEY,
	match_id             UUID NOT NULL REFERENCES matches(id) ON DELETE CASCADE,
	round_number         INT NOT NULL,
	sequence             JSONB NOT NULL,
	correct_sum          INT NOT NULL,
	player1_answer       INT,
	player2_answer       INT,
	player1_correct      BOOLEAN,
	player2_correct      BOOLEAN,
	player1_submitted_at TIMESTAMPTZ,
	player2_submitted_at TIMESTAMPTZ,
	completed_at         TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (match_id, round_number)
);
CREATE INDEX IF NOT EXISTS idx_match_rounds_open ON match_rounds(created_at) WHERE completed_at IS NULL;
CREATE TABLE IF NOT EXISTS single_player_scores (
	player_id  TEXT PRIMARY KEY,
	high_score INT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_single_player_scores_high ON single_player_scores(high_score DESC);
`

const matchColumns = `id, player1_id, player2_id, status, winner_id, created_at, updated_at,
	current_round, current_turn, completed_rounds, sequence_length, display_interval, last_difficulty_type`

const roundColumns = `id, match_id, round_number, sequence, correct_sum, player1_answer, player2_answer,
	player1_correct, player2_correct, player1_submitted_at, player2_submitted_at, completed_at, created_at`

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists matchmaking state in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	if databaseURL == "" {
		return nil, errors.New("postgres: database URL is empty")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	slog.Info("connected to Postgres", "tag", "storage")
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// InTx runs fn inside a read-committed transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetMatch(ctx context.Context, id string) (*storage.Match, error) {
	return getMatch(ctx, s.pool, id, false)
}

func (s *Store) GetRound(ctx context.Context, matchID string, number int) (*storage.Round, error) {
	return getRound(ctx, s.pool, matchID, number)
}

func (s *Store) InsertRound(ctx context.Context, r *storage.Round) error {
	return insertRound(ctx, s.pool, r)
}

// ListRounds returns the rounds of a match in round order.
func (s *Store) ListRounds(ctx context.Context, matchID string) ([]storage.Round, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+roundColumns+` FROM match_rounds WHERE match_id = $1 ORDER BY round_number`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []storage.Round{}
	for rows.Next() {
		var rr roundRow
		if err := rows.Scan(rr.dest()...); err != nil {
			return nil, err
		}
		r, err := rr.round()
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// LeaveQueue deletes the player's waiting entry.
func (s *Store) LeaveQueue(ctx context.Context, playerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM matchmaking_queue WHERE player_id = $1 AND status = 'waiting'`, playerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) FinishMatch(ctx context.Context, id string, status storage.MatchStatus, winnerID *string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE matches SET status = $2, winner_id = COALESCE($3, winner_id), updated_at = $4
		WHERE id = $1 AND status IN ('waiting', 'active')`,
		id, string(status), winnerID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ExpireQueue marks waiting entries that joined before the cutoff as expired.
func (s *Store) ExpireQueue(ctx context.Context, joinedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE matchmaking_queue SET status = 'expired' WHERE status = 'waiting' AND joined_at < $1`, joinedBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// IdleMatches returns active matches not updated since the cutoff.
func (s *Store) IdleMatches(ctx context.Context, updatedBefore time.Time) ([]storage.Match, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+matchColumns+` FROM matches WHERE status = 'active' AND updated_at < $1 ORDER BY updated_at`, updatedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.Match
	for rows.Next() {
		var mr matchRow
		if err := rows.Scan(mr.dest()...); err != nil {
			return nil, err
		}
		out = append(out, *mr.match())
	}
	return out, rows.Err()
}

// OpenRounds returns the unresolved current rounds of active matches created
// before the cutoff.
func (s *Store) OpenRounds(ctx context.Context, createdBefore time.Time) ([]storage.OpenRound, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.player1_id, m.player2_id, m.status, m.winner_id, m.created_at, m.updated_at,
			m.current_round, m.current_turn, m.completed_rounds, m.sequence_length, m.display_interval, m.last_difficulty_type,
			r.id, r.match_id, r.round_number, r.sequence, r.correct_sum, r.player1_answer, r.player2_answer,
			r.player1_correct, r.player2_correct, r.player1_submitted_at, r.player2_submitted_at, r.completed_at, r.created_at
		FROM match_rounds r
		JOIN matches m ON m.id = r.match_id
		WHERE m.status = 'active' AND r.completed_at IS NULL AND r.round_number = m.current_round AND r.created_at < $1
		ORDER BY r.created_at`,
		createdBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.OpenRound
	for rows.Next() {
		var mr matchRow
		var rr roundRow
		if err := rows.Scan(append(mr.dest(), rr.dest()...)...); err != nil {
			return nil, err
		}
		r, err := rr.round()
		if err != nil {
			return nil, err
		}
		out = append(out, storage.OpenRound{Match: *mr.match(), Round: *r})
	}
	return out, rows.Err()
}

// GetHighScore returns 0 for players without a recorded score.
func (s *Store) GetHighScore(ctx context.Context, playerID string) (int, error) {
	var score int
	err := s.pool.QueryRow(ctx, `SELECT high_score FROM single_player_scores WHERE player_id = $1`, playerID).Scan(&score)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return score, err
}

func (s *Store) SaveHighScore(ctx context.Context, playerID string, score int, at time.Time) (int, bool, error) {
	var best int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO single_player_scores (player_id, high_score, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (player_id) DO UPDATE SET high_score = EXCLUDED.high_score, updated_at = EXCLUDED.updated_at
		WHERE single_player_scores.high_score < EXCLUDED.high_score
		RETURNING high_score`,
		playerID, score, at).Scan(&best)
	if err == nil {
		return best, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}
	best, err = s.GetHighScore(ctx, playerID)
	return best, false, err
}

// Leaderboard returns one page of the requested ranking and the total number
// of ranked players.
func (s *Store) Leaderboard(ctx context.Context, q storage.LeaderboardQuery) ([]storage.LeaderboardEntry, int, error) {
	var source string
	var args []any
	switch q.Kind {
	case storage.LeaderboardSinglePlayer:
		source = `SELECT player_id, high_score AS score, updated_at AS last_updated FROM single_player_scores`
	case storage.LeaderboardWeekly, storage.LeaderboardDaily:
		source = `SELECT winner_id AS player_id, COUNT(*)::INT AS score, MAX(updated_at) AS last_updated
			FROM matches WHERE status = 'completed' AND winner_id IS NOT NULL AND updated_at >= $1
			GROUP BY winner_id`
		args = append(args, q.Since)
	default:
		return nil, 0, fmt.Errorf("unknown leaderboard %q", q.Kind)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM (`+source+`) board`, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT RANK() OVER (ORDER BY score DESC)::INT, player_id, score, last_updated
		FROM (%s) board
		ORDER BY score DESC, player_id
		LIMIT $%d OFFSET $%d`, source, n+1, n+2),
		append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	entries := []storage.LeaderboardEntry{}
	for rows.Next() {
		var e storage.LeaderboardEntry
		var last time.Time
		if err := rows.Scan(&e.Rank, &e.PlayerID, &e.Score, &last); err != nil {
			return nil, 0, err
		}
		if q.Kind == storage.LeaderboardSinglePlayer {
			e.LastUpdated = &last
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// txStore implements storage.Tx on a pgx transaction.
type txStore struct {
	tx pgx.Tx
}

func (t *txStore) LockQueue(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, queueLockKey)
	return err
}

func (t *txStore) ActiveMatchForPlayer(ctx context.Context, playerID string) (*storage.Match, error) {
	var mr matchRow
	err := t.tx.QueryRow(ctx, `
		SELECT `+matchColumns+` FROM matches
		WHERE status = 'active' AND (player1_id = $1 OR player2_id = $1)
		ORDER BY created_at DESC LIMIT 1`, playerID).Scan(mr.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return mr.match(), nil
}

func (t *txStore) WaitingEntry(ctx context.Context, playerID string) (*storage.QueueEntry, error) {
	return scanQueueEntry(t.tx.QueryRow(ctx, `
		SELECT id, player_id, status, joined_at, matched_at FROM matchmaking_queue
		WHERE player_id = $1 AND status = 'waiting'`, playerID))
}

func (t *txStore) ClaimOpponent(ctx context.Context, playerID string, at time.Time) (*storage.QueueEntry, error) {
	return scanQueueEntry(t.tx.QueryRow(ctx, `
		UPDATE matchmaking_queue SET status = 'matched', matched_at = $2
		WHERE id = (
			SELECT id FROM matchmaking_queue
			WHERE status = 'waiting' AND player_id <> $1
			ORDER BY joined_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, player_id, status, joined_at, matched_at`, playerID, at))
}

func (t *txStore) InsertQueueEntry(ctx context.Context, e *storage.QueueEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO matchmaking_queue (id, player_id, status, joined_at) VALUES ($1, $2, $3, $4)`,
		e.ID, e.PlayerID, string(e.Status), e.JoinedAt)
	return err
}

func (t *txStore) InsertMatch(ctx context.Context, m *storage.Match) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO matches (`+matchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		m.ID, m.Player1ID, m.Player2ID, string(m.Status), m.WinnerID, m.CreatedAt, m.UpdatedAt,
		m.CurrentRound, m.CurrentTurn, m.CompletedRounds, m.SequenceLength, m.DisplayIntervalMS, m.LastDifficultyType)
	return err
}

func (t *txStore) LockMatch(ctx context.Context, id string) (*storage.Match, error) {
	return getMatch(ctx, t.tx, id, true)
}

func (t *txStore) GetRound(ctx context.Context, matchID string, number int) (*storage.Round, error) {
	return getRound(ctx, t.tx, matchID, number)
}

func (t *txStore) RecordAnswer(ctx context.Context, roundID string, slot storage.Slot, answer int, correct bool, at time.Time) (bool, error) {
	p := slotPrefix(slot)
	tag, err := t.tx.Exec(ctx, fmt.Sprintf(`
		UPDATE match_rounds SET %[1]s_answer = $2, %[1]s_correct = $3, %[1]s_submitted_at = $4
		WHERE id = $1 AND %[1]s_answer IS NULL AND completed_at IS NULL`, p),
		roundID, answer, correct, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txStore) CompleteRound(ctx context.Context, roundID string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE match_rounds SET completed_at = $2 WHERE id = $1 AND completed_at IS NULL`, roundID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *txStore) UpdateMatch(ctx context.Context, m *storage.Match) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE matches SET status = $2, winner_id = $3, updated_at = $4, current_round = $5, current_turn = $6,
			completed_rounds = $7, sequence_length = $8, display_interval = $9, last_difficulty_type = $10
		WHERE id = $1`,
		m.ID, string(m.Status), m.WinnerID, m.UpdatedAt, m.CurrentRound, m.CurrentTurn,
		m.CompletedRounds, m.SequenceLength, m.DisplayIntervalMS, m.LastDifficultyType)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *txStore) InsertRound(ctx context.Context, r *storage.Round) error {
	return insertRound(ctx, t.tx, r)
}

func getMatch(ctx context.Context, q querier, id string, forUpdate bool) (*storage.Match, error) {
	sql := `SELECT ` + matchColumns + ` FROM matches WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var mr matchRow
	err := q.QueryRow(ctx, sql, id).Scan(mr.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return mr.match(), nil
}

func getRound(ctx context.Context, q querier, matchID string, number int) (*storage.Round, error) {
	var rr roundRow
	err := q.QueryRow(ctx, `SELECT `+roundColumns+` FROM match_rounds WHERE match_id = $1 AND round_number = $2`,
		matchID, number).Scan(rr.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rr.round()
}

func insertRound(ctx context.Context, q querier, r *storage.Round) error {
	seq, err := json.Marshal(r.Sequence)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
		INSERT INTO match_rounds (id, match_id, round_number, sequence, correct_sum, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.MatchID, r.RoundNumber, seq, r.CorrectSum, r.CreatedAt)
	return err
}

func scanQueueEntry(row pgx.Row) (*storage.QueueEntry, error) {
	var e storage.QueueEntry
	var status string
	err := row.Scan(&e.ID, &e.PlayerID, &status, &e.JoinedAt, &e.MatchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Status = storage.QueueStatus(status)
	return &e, nil
}

func slotPrefix(slot storage.Slot) string {
	if slot == storage.SlotPlayer2 {
		return "player2"
	}
	return "player1"
}

type matchRow struct {
	m      storage.Match
	status string
}

func (r *matchRow) dest() []any {
	return []any{&r.m.ID, &r.m.Player1ID, &r.m.Player2ID, &r.status, &r.m.WinnerID, &r.m.CreatedAt, &r.m.UpdatedAt,
		&r.m.CurrentRound, &r.m.CurrentTurn, &r.m.CompletedRounds, &r.m.SequenceLength, &r.m.DisplayIntervalMS, &r.m.LastDifficultyType}
}

func (r *matchRow) match() *storage.Match {
	r.m.Status = storage.MatchStatus(r.status)
	return &r.m
}

type roundRow struct {
	r   storage.Round
	seq []byte
}

func (r *roundRow) dest() []any {
	return []any{&r.r.ID, &r.r.MatchID, &r.r.RoundNumber, &r.seq, &r.r.CorrectSum, &r.r.Player1Answer, &r.r.Player2Answer,
		&r.r.Player1Correct, &r.r.Player2Correct, &r.r.Player1SubmittedAt, &r.r.Player2SubmittedAt, &r.r.CompletedAt, &r.r.CreatedAt}
}

func (r *roundRow) round() (*storage.Round, error) {
	if err := json.Unmarshal(r.seq, &r.r.Sequence); err != nil {
		return nil, fmt.Errorf("decode sequence of round %s: %w", r.r.ID, err)
	}
	return &r.r, nil
}
