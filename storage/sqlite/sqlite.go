// Package sqlite implements storage.Store on an embedded SQLite database.
// It serialises all access through one connection, which makes every
// transaction a single-writer critical section.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
	"number-duel-server/storage"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS matchmaking_queue (
	id         TEXT PRIMARY KEY,
	player_id  TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'waiting' CHECK (status IN ('waiting', 'matched', 'expired')),
	joined_at  INTEGER NOT NULL,
	matched_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_waiting_player ON matchmaking_queue(player_id) WHERE status = 'waiting';
CREATE INDEX IF NOT EXISTS idx_queue_status_joined ON matchmaking_queue(status, joined_at);
CREATE TABLE IF NOT EXISTS matches (
	id                   TEXT PRIMARY KEY,
	player1_id           TEXT NOT NULL,
	player2_id           TEXT NOT NULL,
	status               TEXT NOT NULL CHECK (status IN ('waiting', 'active', 'completed', 'abandoned')),
	winner_id            TEXT,
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL,
	current_round        INTEGER NOT NULL DEFAULT 1,
	current_turn         TEXT,
	completed_rounds     INTEGER NOT NULL DEFAULT 0,
	sequence_length      INTEGER NOT NULL DEFAULT 5,
	display_interval     INTEGER NOT NULL DEFAULT 1000,
	last_difficulty_type TEXT CHECK (last_difficulty_type IN ('sequence', 'timing'))
);
CREATE INDEX IF NOT EXISTS idx_matches_player1_status ON matches(player1_id, status);
CREATE INDEX IF NOT EXISTS idx_matches_player2_status ON matches(player2_id, status);
CREATE TABLE IF NOT EXISTS match_rounds (
	id                   TEXT PRIMARY KEY,
	match_id             TEXT NOT NULL REFERENCES matches(id) ON DELETE CASCADE,
	round_number         INTEGER NOT NULL,
	sequence             TEXT NOT NULL,
	correct_sum          INTEGER NOT NULL,
	player1_answer       INTEGER,
	player2_answer       INTEGER,
	player1_correct      INTEGER,
	player2_correct      INTEGER,
	player1_submitted_at INTEGER,
	player2_submitted_at INTEGER,
	completed_at         INTEGER,
	created_at           INTEGER NOT NULL,
	UNIQUE (match_id, round_number)
);
CREATE TABLE IF NOT EXISTS single_player_scores (
	player_id  TEXT PRIMARY KEY,
	high_score INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
`

const matchColumns = `id, player1_id, player2_id, status, winner_id, created_at, updated_at,
	current_round, current_turn, completed_rounds, sequence_length, display_interval, last_difficulty_type`

const roundColumns = `id, match_id, round_number, sequence, correct_sum, player1_answer, player2_answer,
	player1_correct, player2_correct, player1_submitted_at, player2_submitted_at, completed_at, created_at`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Store persists matchmaking state in a SQLite file.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite: storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	slog.Info("opened SQLite store", "tag", "storage", "path", path)
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() {
	if s != nil && s.db != nil {
		_ = s.db.Close()
	}
}

// InTx runs fn in a transaction on the single connection.
func (s *Store) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetMatch(ctx context.Context, id string) (*storage.Match, error) {
	return getMatch(ctx, s.db, id)
}

func (s *Store) GetRound(ctx context.Context, matchID string, number int) (*storage.Round, error) {
	return getRound(ctx, s.db, matchID, number)
}

func (s *Store) InsertRound(ctx context.Context, r *storage.Round) error {
	return insertRound(ctx, s.db, r)
}

func (s *Store) ListRounds(ctx context.Context, matchID string) ([]storage.Round, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+roundColumns+` FROM match_rounds WHERE match_id = ? ORDER BY round_number`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []storage.Round{}
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) LeaveQueue(ctx context.Context, playerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM matchmaking_queue WHERE player_id = ? AND status = 'waiting'`, playerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) FinishMatch(ctx context.Context, id string, status storage.MatchStatus, winnerID *string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE matches SET status = ?, winner_id = COALESCE(?, winner_id), updated_at = ?
		WHERE id = ? AND status IN ('waiting', 'active')`,
		string(status), nullString(winnerID), toMillis(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) ExpireQueue(ctx context.Context, joinedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE matchmaking_queue SET status = 'expired' WHERE status = 'waiting' AND joined_at < ?`, toMillis(joinedBefore))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) IdleMatches(ctx context.Context, updatedBefore time.Time) ([]storage.Match, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE status = 'active' AND updated_at < ? ORDER BY updated_at`, toMillis(updatedBefore))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *Store) OpenRounds(ctx context.Context, createdBefore time.Time) ([]storage.OpenRound, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.player1_id, m.player2_id, m.status, m.winner_id, m.created_at, m.updated_at,
			m.current_round, m.current_turn, m.completed_rounds, m.sequence_length, m.display_interval, m.last_difficulty_type,
			r.id, r.match_id, r.round_number, r.sequence, r.correct_sum, r.player1_answer, r.player2_answer,
			r.player1_correct, r.player2_correct, r.player1_submitted_at, r.player2_submitted_at, r.completed_at, r.created_at
		FROM match_rounds r
		JOIN matches m ON m.id = r.match_id
		WHERE m.status = 'active' AND r.completed_at IS NULL AND r.round_number = m.current_round AND r.created_at < ?
		ORDER BY r.created_at`,
		toMillis(createdBefore))
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

func (s *Store) GetHighScore(ctx context.Context, playerID string) (int, error) {
	var score int
	err := s.db.QueryRowContext(ctx, `SELECT high_score FROM single_player_scores WHERE player_id = ?`, playerID).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return score, err
}

func (s *Store) SaveHighScore(ctx context.Context, playerID string, score int, at time.Time) (int, bool, error) {
	var best int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO single_player_scores (player_id, high_score, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (player_id) DO UPDATE SET high_score = excluded.high_score, updated_at = excluded.updated_at
		WHERE single_player_scores.high_score < excluded.high_score
		RETURNING high_score`,
		playerID, score, toMillis(at)).Scan(&best)
	if err == nil {
		return best, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}
	best, err = s.GetHighScore(ctx, playerID)
	return best, false, err
}

func (s *Store) Leaderboard(ctx context.Context, q storage.LeaderboardQuery) ([]storage.LeaderboardEntry, int, error) {
	var source string
	var args []any
	switch q.Kind {
	case storage.LeaderboardSinglePlayer:
		source = `SELECT player_id, high_score AS score, updated_at AS last_updated FROM single_player_scores`
	case storage.LeaderboardWeekly, storage.LeaderboardDaily:
		source = `SELECT winner_id AS player_id, COUNT(*) AS score, MAX(updated_at) AS last_updated
			FROM matches WHERE status = 'completed' AND winner_id IS NOT NULL AND updated_at >= ?
			GROUP BY winner_id`
		args = append(args, toMillis(q.Since))
	default:
		return nil, 0, fmt.Errorf("unknown leaderboard %q", q.Kind)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM (`+source+`) board`, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT RANK() OVER (ORDER BY score DESC), player_id, score, last_updated
		FROM (`+source+`) board
		ORDER BY score DESC, player_id
		LIMIT ? OFFSET ?`,
		append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	entries := []storage.LeaderboardEntry{}
	for rows.Next() {
		var e storage.LeaderboardEntry
		var last int64
		if err := rows.Scan(&e.Rank, &e.PlayerID, &e.Score, &last); err != nil {
			return nil, 0, err
		}
		if q.Kind == storage.LeaderboardSinglePlayer {
			t := fromMillis(last)
			e.LastUpdated = &t
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// txStore implements storage.Tx on a database/sql transaction.
type txStore struct {
	tx *sql.Tx
}

// LockQueue is a no-op: the store's only connection is already held.
func (t *txStore) LockQueue(ctx context.Context) error {
	return ctx.Err()
}

func (t *txStore) ActiveMatchForPlayer(ctx context.Context, playerID string) (*storage.Match, error) {
	return scanMatch(t.tx.QueryRowContext(ctx, `
		SELECT `+matchColumns+` FROM matches
		WHERE status = 'active' AND (player1_id = ? OR player2_id = ?)
		ORDER BY created_at DESC LIMIT 1`, playerID, playerID))
}

func (t *txStore) WaitingEntry(ctx context.Context, playerID string) (*storage.QueueEntry, error) {
	return scanQueueEntry(t.tx.QueryRowContext(ctx, `
		SELECT id, player_id, status, joined_at, matched_at FROM matchmaking_queue
		WHERE player_id = ? AND status = 'waiting'`, playerID))
}

func (t *txStore) ClaimOpponent(ctx context.Context, playerID string, at time.Time) (*storage.QueueEntry, error) {
	return scanQueueEntry(t.tx.QueryRowContext(ctx, `
		UPDATE matchmaking_queue SET status = 'matched', matched_at = ?
		WHERE id = (
			SELECT id FROM matchmaking_queue
			WHERE status = 'waiting' AND player_id <> ?
			ORDER BY joined_at, rowid
			LIMIT 1
		)
		RETURNING id, player_id, status, joined_at, matched_at`, toMillis(at), playerID))
}

func (t *txStore) InsertQueueEntry(ctx context.Context, e *storage.QueueEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO matchmaking_queue (id, player_id, status, joined_at) VALUES (?, ?, ?, ?)`,
		e.ID, e.PlayerID, string(e.Status), toMillis(e.JoinedAt))
	return err
}

func (t *txStore) InsertMatch(ctx context.Context, m *storage.Match) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO matches (`+matchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Player1ID, m.Player2ID, string(m.Status), nullString(m.WinnerID), toMillis(m.CreatedAt), toMillis(m.UpdatedAt),
		m.CurrentRound, nullString(m.CurrentTurn), m.CompletedRounds, m.SequenceLength, m.DisplayIntervalMS, nullString(m.LastDifficultyType))
	return err
}

func (t *txStore) LockMatch(ctx context.Context, id string) (*storage.Match, error) {
	return getMatch(ctx, t.tx, id)
}

func (t *txStore) GetRound(ctx context.Context, matchID string, number int) (*storage.Round, error) {
	return getRound(ctx, t.tx, matchID, number)
}

func (t *txStore) RecordAnswer(ctx context.Context, roundID string, slot storage.Slot, answer int, correct bool, at time.Time) (bool, error) {
	p := "player1"
	if slot == storage.SlotPlayer2 {
		p = "player2"
	}
	res, err := t.tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE match_rounds SET %[1]s_answer = ?, %[1]s_correct = ?, %[1]s_submitted_at = ?
		WHERE id = ? AND %[1]s_answer IS NULL AND completed_at IS NULL`, p),
		answer, correct, toMillis(at), roundID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *txStore) CompleteRound(ctx context.Context, roundID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE match_rounds SET completed_at = ? WHERE id = ? AND completed_at IS NULL`, toMillis(at), roundID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *txStore) UpdateMatch(ctx context.Context, m *storage.Match) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE matches SET status = ?, winner_id = ?, updated_at = ?, current_round = ?, current_turn = ?,
			completed_rounds = ?, sequence_length = ?, display_interval = ?, last_difficulty_type = ?
		WHERE id = ?`,
		string(m.Status), nullString(m.WinnerID), toMillis(m.UpdatedAt), m.CurrentRound, nullString(m.CurrentTurn),
		m.CompletedRounds, m.SequenceLength, m.DisplayIntervalMS, nullString(m.LastDifficultyType), m.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *txStore) InsertRound(ctx context.Context, r *storage.Round) error {
	return insertRound(ctx, t.tx, r)
}

func getMatch(ctx context.Context, q querier, id string) (*storage.Match, error) {
	return scanMatch(q.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = ?`, id))
}

func getRound(ctx context.Context, q querier, matchID string, number int) (*storage.Round, error) {
	return scanRound(q.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM match_rounds WHERE match_id = ? AND round_number = ?`, matchID, number))
}

func insertRound(ctx context.Context, q querier, r *storage.Round) error {
	seq, err := json.Marshal(r.Sequence)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO match_rounds (id, match_id, round_number, sequence, correct_sum, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.MatchID, r.RoundNumber, string(seq), r.CorrectSum, toMillis(r.CreatedAt))
	return err
}

func scanMatch(row scanner) (*storage.Match, error) {
	var mr matchRow
	if err := row.Scan(mr.dest()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return mr.match(), nil
}

func scanRound(row scanner) (*storage.Round, error) {
	var rr roundRow
	if err := row.Scan(rr.dest()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return rr.round()
}

func scanQueueEntry(row scanner) (*storage.QueueEntry, error) {
	var e storage.QueueEntry
	var status string
	var joined int64
	var matched sql.NullInt64
	if err := row.Scan(&e.ID, &e.PlayerID, &status, &joined, &matched); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	e.Status = storage.QueueStatus(status)
	e.JoinedAt = fromMillis(joined)
	e.MatchedAt = timePtr(matched)
	return &e, nil
}

type matchRow struct {
	m                      storage.Match
	status                 string
	winner, turn, lastType sql.NullString
	createdAt, updatedAt   int64
}

func (r *matchRow) dest() []any {
	return []any{&r.m.ID, &r.m.Player1ID, &r.m.Player2ID, &r.status, &r.winner, &r.createdAt, &r.updatedAt,
		&r.m.CurrentRound, &r.turn, &r.m.CompletedRounds, &r.m.SequenceLength, &r.m.DisplayIntervalMS, &r.lastType}
}

func (r *matchRow) match() *storage.Match {
	r.m.Status = storage.MatchStatus(r.status)
	r.m.WinnerID = stringPtr(r.winner)
	r.m.CurrentTurn = stringPtr(r.turn)
	r.m.LastDifficultyType = stringPtr(r.lastType)
	r.m.CreatedAt = fromMillis(r.createdAt)
	r.m.UpdatedAt = fromMillis(r.updatedAt)
	return &r.m
}

type roundRow struct {
	r                       storage.Round
	seq                     string
	p1Answer, p2Answer      sql.NullInt64
	p1Correct, p2Correct    sql.NullBool
	p1At, p2At, completedAt sql.NullInt64
	createdAt               int64
}

func (r *roundRow) dest() []any {
	return []any{&r.r.ID, &r.r.MatchID, &r.r.RoundNumber, &r.seq, &r.r.CorrectSum, &r.p1Answer, &r.p2Answer,
		&r.p1Correct, &r.p2Correct, &r.p1At, &r.p2At, &r.completedAt, &r.createdAt}
}

func (r *roundRow) round() (*storage.Round, error) {
	if err := json.Unmarshal([]byte(r.seq), &r.r.Sequence); err != nil {
		return nil, fmt.Errorf("decode sequence of round %s: %w", r.r.ID, err)
	}
	r.r.Player1Answer = intPtr(r.p1Answer)
	r.r.Player2Answer = intPtr(r.p2Answer)
	r.r.Player1Correct = boolPtr(r.p1Correct)
	r.r.Player2Correct = boolPtr(r.p2Correct)
	r.r.Player1SubmittedAt = timePtr(r.p1At)
	r.r.Player2SubmittedAt = timePtr(r.p2At)
	r.r.CompletedAt = timePtr(r.completedAt)
	r.r.CreatedAt = fromMillis(r.createdAt)
	return &r.r, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func boolPtr(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
