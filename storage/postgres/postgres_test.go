package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"number-duel-server/storage"
)

// setupTestStore connects to DATABASE_TEST_URL, skipping when it is unset.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("DATABASE_TEST_URL")
	if url == "" {
		t.Skip("DATABASE_TEST_URL not set, skipping Postgres test")
	}
	s, err := New(context.Background(), url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestClaimAndResolve(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	waiting, joiner := "pg-"+uuid.NewString(), "pg-"+uuid.NewString()
	now := time.Now()

	err := s.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.LockQueue(ctx); err != nil {
			return err
		}
		return tx.InsertQueueEntry(ctx, storage.NewQueueEntry(waiting, now.Add(-time.Hour)))
	})
	if err != nil {
		t.Fatal(err)
	}

	var match *storage.Match
	err = s.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.LockQueue(ctx); err != nil {
			return err
		}
		opp, err := tx.ClaimOpponent(ctx, joiner, now)
		if err != nil {
			return err
		}
		match = storage.NewMatch(opp.PlayerID, joiner, now)
		return tx.InsertMatch(ctx, match)
	})
	if err != nil {
		t.Fatal(err)
	}
	if match.Player1ID != waiting {
		// Another waiting entry from a concurrent run may be older.
		t.Logf("claimed %s instead of %s", match.Player1ID, waiting)
	}

	round := storage.NewRound(match.ID, 1, []int{4, -2, 9}, now)
	if err := s.InsertRound(ctx, round); err != nil {
		t.Fatal(err)
	}

	var wrote, again bool
	err = s.InTx(ctx, func(tx storage.Tx) error {
		m, err := tx.LockMatch(ctx, match.ID)
		if err != nil {
			return err
		}
		if wrote, err = tx.RecordAnswer(ctx, round.ID, storage.SlotPlayer2, 11, true, now); err != nil {
			return err
		}
		if again, err = tx.RecordAnswer(ctx, round.ID, storage.SlotPlayer2, 3, false, now); err != nil {
			return err
		}
		if err := tx.CompleteRound(ctx, round.ID, now); err != nil {
			return err
		}
		m.Status = storage.MatchCompleted
		m.WinnerID = &joiner
		m.CompletedRounds = 1
		return tx.UpdateMatch(ctx, m)
	})
	if err != nil {
		t.Fatal(err)
	}
	if !wrote || again {
		t.Errorf("expected a single write, got %v %v", wrote, again)
	}

	got, err := s.GetRound(ctx, match.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.CorrectSum != 11 || len(got.Sequence) != 3 || !got.Completed() || !got.Correct(storage.SlotPlayer2) {
		t.Errorf("unexpected round %+v", got)
	}
	m, err := s.GetMatch(ctx, match.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != storage.MatchCompleted || m.WinnerID == nil || *m.WinnerID != joiner {
		t.Errorf("unexpected match %+v", m)
	}
}

func TestHighScoreAndNotFound(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	player := "pg-" + uuid.NewString()

	if best, isNew, err := s.SaveHighScore(ctx, player, 5, time.Now()); err != nil || best != 5 || !isNew {
		t.Fatalf("expected new record 5, got %d %v %v", best, isNew, err)
	}
	if best, isNew, err := s.SaveHighScore(ctx, player, 3, time.Now()); err != nil || best != 5 || isNew {
		t.Errorf("expected record to stay 5, got %d %v %v", best, isNew, err)
	}
	if _, err := s.GetMatch(ctx, uuid.NewString()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
