package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"number-duel-server/config"
	"number-duel-server/matcherrors"
	"number-duel-server/notify"
	"number-duel-server/sequence"
	"number-duel-server/storage"
	"number-duel-server/storage/sqlite"
)

func newTestMatchmaker(t *testing.T) (*Matchmaker, *sqlite.Store, *notify.Recorder) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "mm.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(store.Close)
	rec := &notify.Recorder{}
	return NewMatchmaker(config.Defaults(), store, rec, sequence.NewSeededGenerator(1, 1)), store, rec
}

func TestJoinQueueWaitsThenMatches(t *testing.T) {
	mm, store, rec := newTestMatchmaker(t)
	ctx := context.Background()

	first, err := mm.JoinQueue(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != JoinQueued || first.QueueID == "" {
		t.Fatalf("expected queued with queue id, got %+v", first)
	}

	second, err := mm.JoinQueue(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != JoinMatched {
		t.Fatalf("expected matched, got %s", second.Status)
	}
	m := second.Match
	if m.Player1ID != "alice" || m.Player2ID != "bob" || second.OpponentID != "alice" {
		t.Errorf("expected alice vs bob, got %s vs %s (opponent %s)", m.Player1ID, m.Player2ID, second.OpponentID)
	}
	if m.Status != storage.MatchActive || m.CurrentRound != 1 || m.CompletedRounds != 0 {
		t.Errorf("unexpected match state %+v", m)
	}

	round, err := store.GetRound(ctx, m.ID, 1)
	if err != nil {
		t.Fatalf("expected round 1 to exist: %v", err)
	}
	if len(round.Sequence) != 5 || round.CorrectSum != sequence.Sum(round.Sequence) {
		t.Errorf("unexpected round 1 %+v", round)
	}

	found := rec.Named(notify.EventMatchFound)
	if len(found) != 1 || found[0].Channel != "player-alice" {
		t.Fatalf("expected one match-found on player-alice, got %+v", found)
	}
	payload, ok := found[0].Event.Data.(MatchFound)
	if !ok || payload.MatchID != m.ID || payload.OpponentID != "bob" {
		t.Errorf("unexpected payload %+v", found[0].Event.Data)
	}
}

func TestJoinQueueIdempotentWhileWaiting(t *testing.T) {
	mm, _, _ := newTestMatchmaker(t)
	ctx := context.Background()

	a, err := mm.JoinQueue(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	b, err := mm.JoinQueue(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != JoinQueued || b.QueueID != a.QueueID {
		t.Errorf("expected same queue id %s, got %+v", a.QueueID, b)
	}
}

func TestJoinQueueReturnsActiveMatch(t *testing.T) {
	mm, store, _ := newTestMatchmaker(t)
	ctx := context.Background()

	mustJoin(t, mm, "alice")
	matched := mustJoin(t, mm, "bob")

	for _, p := range []string{"alice", "bob"} {
		res := mustJoin(t, mm, p)
		if res.Status != JoinActive || res.Match.ID != matched.Match.ID {
			t.Errorf("%s: expected already_active for %s, got %+v", p, matched.Match.ID, res)
		}
	}

	rounds, err := store.ListRounds(ctx, matched.Match.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rounds) != 1 {
		t.Errorf("expected rejoin not to create rounds, got %d", len(rounds))
	}
}

func TestJoinQueueValidation(t *testing.T) {
	mm, _, _ := newTestMatchmaker(t)

	if _, err := mm.JoinQueue(context.Background(), "  "); matcherrors.KindOf(err) != matcherrors.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestLeaveQueue(t *testing.T) {
	mm, _, _ := newTestMatchmaker(t)
	ctx := context.Background()

	mustJoin(t, mm, "alice")
	res, err := mm.LeaveQueue(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Removed {
		t.Error("expected entry to be removed")
	}

	res, err = mm.LeaveQueue(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if res.Removed {
		t.Error("expected second leave to report removed=false")
	}

	// alice left, so bob must wait instead of matching her.
	if got := mustJoin(t, mm, "bob"); got.Status != JoinQueued {
		t.Errorf("expected bob to wait, got %s", got.Status)
	}
}

func TestLeaveQueueKeepsMatch(t *testing.T) {
	mm, store, _ := newTestMatchmaker(t)
	ctx := context.Background()

	mustJoin(t, mm, "alice")
	matched := mustJoin(t, mm, "bob")

	res, err := mm.LeaveQueue(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if res.Removed {
		t.Error("expected no waiting entry once matched")
	}
	m, err := store.GetMatch(ctx, matched.Match.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != storage.MatchActive {
		t.Errorf("expected match to stay active, got %s", m.Status)
	}
}

func TestConcurrentJoinsPairEveryone(t *testing.T) {
	mm, _, _ := newTestMatchmaker(t)
	ctx := context.Background()
	const players = 10

	results := make([]*JoinResult, players)
	errs := make([]error, players)
	var wg sync.WaitGroup
	for i := 0; i < players; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = mm.JoinQueue(ctx, fmt.Sprintf("p%d", i))
		}(i)
	}
	wg.Wait()

	matches := map[string]int{}
	queued := 0
	for i, r := range results {
		if errs[i] != nil {
			t.Fatalf("p%d: %v", i, errs[i])
		}
		switch r.Status {
		case JoinMatched:
			matches[r.Match.ID]++
		case JoinQueued:
			queued++
		}
	}
	if len(matches) != players/2 || queued != players/2 {
		t.Fatalf("expected %d matches and %d waiting joins, got %d and %d", players/2, players/2, len(matches), queued)
	}

	// Every waiting player now sees exactly one active match, and opponents
	// name each other.
	seen := map[string]bool{}
	opponentOf := map[string]string{}
	for i := 0; i < players; i++ {
		id := fmt.Sprintf("p%d", i)
		r := mustJoin(t, mm, id)
		if r.Status != JoinActive {
			t.Fatalf("%s: expected already_active, got %s", id, r.Status)
		}
		if r.OpponentID == "" || r.OpponentID == id {
			t.Fatalf("%s: unexpected opponent %q", id, r.OpponentID)
		}
		seen[r.Match.ID] = true
		opponentOf[id] = r.OpponentID
	}
	if len(seen) != players/2 {
		t.Errorf("expected %d distinct matches, got %d", players/2, len(seen))
	}
	for id, opp := range opponentOf {
		if opponentOf[opp] != id {
			t.Errorf("%s plays %s, but %s plays %s", id, opp, opp, opponentOf[opp])
		}
	}
}

type failingRounds struct {
	storage.Store
}

func (f failingRounds) InsertRound(context.Context, *storage.Round) error {
	return errors.New("disk full")
}

func TestJoinQueueAbandonsMatchWhenRoundFails(t *testing.T) {
	_, store, rec := newTestMatchmaker(t)
	ctx := context.Background()
	mm := NewMatchmaker(config.Defaults(), failingRounds{store}, rec, sequence.NewSeededGenerator(1, 1))

	mustJoin(t, mm, "alice")
	_, err := mm.JoinQueue(ctx, "bob")
	if !errors.Is(err, matcherrors.ErrRoundNotPersisted) {
		t.Fatalf("expected ErrRoundNotPersisted, got %v", err)
	}
	if len(rec.Named(notify.EventMatchFound)) != 0 {
		t.Error("expected no match-found for an abandoned match")
	}

	// The abandoned match must not trap either player.
	if got := mustJoin(t, mm, "bob"); got.Status != JoinQueued {
		t.Errorf("expected bob to be queued after abandon, got %s", got.Status)
	}
}

func TestExpireStale(t *testing.T) {
	mm, _, _ := newTestMatchmaker(t)
	ctx := context.Background()

	mustJoin(t, mm, "alice")
	n, err := mm.ExpireStale(ctx, -time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired entry, got %d", n)
	}
	if got := mustJoin(t, mm, "bob"); got.Status != JoinQueued {
		t.Errorf("expected bob to wait after alice expired, got %s", got.Status)
	}
}

func mustJoin(t *testing.T, mm *Matchmaker, player string) *JoinResult {
	t.Helper()
	res, err := mm.JoinQueue(context.Background(), player)
	if err != nil {
		t.Fatalf("join %s: %v", player, err)
	}
	return res
}
