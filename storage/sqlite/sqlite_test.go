package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"number-duel-server/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "duel.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func insertMatch(t *testing.T, s *Store, m *storage.Match) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx storage.Tx) error {
		return tx.InsertMatch(context.Background(), m)
	})
	if err != nil {
		t.Fatalf("insert match: %v", err)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertQueueEntry(ctx, storage.NewQueueEntry("alice", time.Now())); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	removed, err := s.LeaveQueue(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Error("expected rolled back entry to be absent")
	}
}

func TestClaimOpponentOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	err := s.InTx(ctx, func(tx storage.Tx) error {
		for i, p := range []string{"bob", "carol"} {
			if err := tx.InsertQueueEntry(ctx, storage.NewQueueEntry(p, base.Add(time.Duration(i)*time.Second))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	var claimed *storage.QueueEntry
	err = s.InTx(ctx, func(tx storage.Tx) error {
		var err error
		claimed, err = tx.ClaimOpponent(ctx, "dave", time.Now())
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if claimed.PlayerID != "bob" || claimed.Status != storage.QueueMatched || claimed.MatchedAt == nil {
		t.Errorf("expected bob claimed as matched, got %+v", claimed)
	}
}

func TestClaimOpponentSkipsSelf(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertQueueEntry(ctx, storage.NewQueueEntry("alice", time.Now())); err != nil {
			return err
		}
		_, err := tx.ClaimOpponent(ctx, "alice", time.Now())
		return err
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestWaitingEntryUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertQueueEntry(ctx, storage.NewQueueEntry("alice", time.Now())); err != nil {
			return err
		}
		return tx.InsertQueueEntry(ctx, storage.NewQueueEntry("alice", time.Now()))
	})
	if err == nil {
		t.Error("expected second waiting entry to violate the unique index")
	}
}

func TestRecordAnswerFillsSlotOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := storage.NewMatch("p1", "p2", time.Now())
	insertMatch(t, s, m)
	r := storage.NewRound(m.ID, 1, []int{3, -5, 8, 2, -1}, time.Now())
	if err := s.InsertRound(ctx, r); err != nil {
		t.Fatal(err)
	}

	var first, second bool
	err := s.InTx(ctx, func(tx storage.Tx) error {
		var err error
		if first, err = tx.RecordAnswer(ctx, r.ID, storage.SlotPlayer1, 7, true, time.Now()); err != nil {
			return err
		}
		second, err = tx.RecordAnswer(ctx, r.ID, storage.SlotPlayer1, 9, false, time.Now())
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if !first || second {
		t.Errorf("expected first write only, got first=%v second=%v", first, second)
	}

	got, err := s.GetRound(ctx, m.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Player1Answer == nil || *got.Player1Answer != 7 || !got.Correct(storage.SlotPlayer1) {
		t.Errorf("expected answer 7 marked correct, got %+v", got)
	}
	if got.Answered(storage.SlotPlayer2) {
		t.Error("expected slot 2 empty")
	}
	if len(got.Sequence) != 5 || got.CorrectSum != 7 {
		t.Errorf("unexpected sequence %v sum %d", got.Sequence, got.CorrectSum)
	}
}

func TestUpdateMatchAndLock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := storage.NewMatch("p1", "p2", time.Now())
	insertMatch(t, s, m)

	err := s.InTx(ctx, func(tx storage.Tx) error {
		locked, err := tx.LockMatch(ctx, m.ID)
		if err != nil {
			return err
		}
		winner := "p2"
		locked.Status = storage.MatchCompleted
		locked.WinnerID = &winner
		locked.CompletedRounds = 4
		return tx.UpdateMatch(ctx, locked)
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMatch(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.MatchCompleted || got.WinnerID == nil || *got.WinnerID != "p2" || got.CompletedRounds != 4 {
		t.Errorf("unexpected match %+v", got)
	}
}

func TestGetMatchNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetMatch(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFinishMatchOnlyFromActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := storage.NewMatch("p1", "p2", time.Now())
	insertMatch(t, s, m)

	ok, err := s.FinishMatch(ctx, m.ID, storage.MatchAbandoned, nil, time.Now())
	if err != nil || !ok {
		t.Fatalf("expected first finish to succeed, got %v %v", ok, err)
	}
	ok, err = s.FinishMatch(ctx, m.ID, storage.MatchCompleted, nil, time.Now())
	if err != nil || ok {
		t.Errorf("expected second finish to be rejected, got %v %v", ok, err)
	}
}

func TestExpireQueue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	err := s.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.InsertQueueEntry(ctx, storage.NewQueueEntry("old", now.Add(-10*time.Minute))); err != nil {
			return err
		}
		return tx.InsertQueueEntry(ctx, storage.NewQueueEntry("new", now))
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.ExpireQueue(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired entry, got %d", n)
	}
	if removed, _ := s.LeaveQueue(ctx, "old"); removed {
		t.Error("expected expired entry to no longer be waiting")
	}
	if removed, _ := s.LeaveQueue(ctx, "new"); !removed {
		t.Error("expected fresh entry to still be waiting")
	}
}

func TestOpenRoundsAndIdleMatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	m := storage.NewMatch("p1", "p2", past)
	insertMatch(t, s, m)
	if err := s.InsertRound(ctx, storage.NewRound(m.ID, 1, []int{1, 2}, past)); err != nil {
		t.Fatal(err)
	}

	open, err := s.OpenRounds(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].Match.ID != m.ID || open[0].Round.RoundNumber != 1 {
		t.Fatalf("expected one open round, got %+v", open)
	}

	idle, err := s.IdleMatches(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(idle) != 1 || idle[0].ID != m.ID {
		t.Errorf("expected idle match, got %+v", idle)
	}
}

func TestSaveHighScoreKeepsMaximum(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	steps := []struct {
		score  int
		best   int
		record bool
	}{
		{4, 4, true},
		{2, 4, false},
		{4, 4, false},
		{9, 9, true},
	}
	for _, st := range steps {
		best, isNew, err := s.SaveHighScore(ctx, "solo", st.score, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		if best != st.best || isNew != st.record {
			t.Errorf("score %d: expected (%d, %v), got (%d, %v)", st.score, st.best, st.record, best, isNew)
		}
	}
	if got, _ := s.GetHighScore(ctx, "solo"); got != 9 {
		t.Errorf("expected 9, got %d", got)
	}
	if got, _ := s.GetHighScore(ctx, "nobody"); got != 0 {
		t.Errorf("expected 0 for unknown player, got %d", got)
	}
}

func TestLeaderboards(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	winners := []string{"ann", "ann", "ben", "cat", "cat", "cat"}
	for _, w := range winners {
		m := storage.NewMatch(w, "loser", now)
		m.Status = storage.MatchCompleted
		winner := w
		m.WinnerID = &winner
		insertMatch(t, s, m)
	}
	stale := storage.NewMatch("ben", "loser", now.AddDate(0, 0, -10))
	stale.Status = storage.MatchCompleted
	ben := "ben"
	stale.WinnerID = &ben
	insertMatch(t, s, stale)

	entries, total, err := s.Leaderboard(ctx, storage.LeaderboardQuery{
		Kind: storage.LeaderboardWeekly, Since: now.AddDate(0, 0, -7), Limit: 2, Offset: 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Errorf("expected 3 ranked players, got %d", total)
	}
	if len(entries) != 2 || entries[0].PlayerID != "cat" || entries[0].Score != 3 || entries[0].Rank != 1 {
		t.Fatalf("unexpected first page %+v", entries)
	}
	if entries[1].PlayerID != "ann" || entries[1].Rank != 2 || entries[1].LastUpdated != nil {
		t.Errorf("unexpected second entry %+v", entries[1])
	}

	entries, _, err = s.Leaderboard(ctx, storage.LeaderboardQuery{
		Kind: storage.LeaderboardWeekly, Since: now.AddDate(0, 0, -7), Limit: 10, Offset: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].PlayerID != "ben" || entries[0].Rank != 3 || entries[0].Score != 1 {
		t.Errorf("unexpected offset page %+v", entries)
	}

	if _, _, err := s.SaveHighScore(ctx, "solo", 12, now); err != nil {
		t.Fatal(err)
	}
	entries, total, err = s.Leaderboard(ctx, storage.LeaderboardQuery{Kind: storage.LeaderboardSinglePlayer, Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(entries) != 1 || entries[0].Score != 12 || entries[0].LastUpdated == nil {
		t.Errorf("unexpected single-player board %+v (total %d)", entries, total)
	}
}
