package memory

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"live-quiz-service/internal/domain"
)

func mutation(game, user, question string, delta int64) domain.ScoreMutation {
	return domain.ScoreMutation{GameID: game, UserID: user, Attempt: domain.LiveAttempt, QuestionUID: question, Delta: delta}
}

func TestApplyScoreRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := NewScoreStore(nil)
	if _, err := s.EnsureParticipant(ctx, "g1", domain.Profile{UserID: "u1"}, domain.TargetLive); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	first, err := s.ApplyScore(ctx, mutation("g1", "u1", "q1", 500))
	if err != nil || !first.Accepted || first.NewScore != 500 {
		t.Fatalf("first submission: %+v err=%v", first, err)
	}
	second, err := s.ApplyScore(ctx, mutation("g1", "u1", "q1", 500))
	if err != nil || second.Accepted || second.NewScore != 500 {
		t.Fatalf("duplicate must be rejected without change: %+v err=%v", second, err)
	}
}

func TestApplyScoreUnknownParticipant(t *testing.T) {
	s := NewScoreStore(nil)
	if _, err := s.ApplyScore(context.Background(), mutation("g1", "ghost", "q1", 1)); !errors.Is(err, domain.ErrUnknownParticipant) {
		t.Fatalf("expected unknown participant, got %v", err)
	}
}

func TestConcurrentApplyScoreSumsExactly(t *testing.T) {
	ctx := context.Background()
	s := NewScoreStore(nil)
	if _, err := s.EnsureParticipant(ctx, "g1", domain.Profile{UserID: "u1"}, domain.TargetLive); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	rnd := rand.New(rand.NewSource(7))
	deltas := make([]int64, 50)
	var want int64
	for i := range deltas {
		deltas[i] = rnd.Int63n(1000) + 1
		want += deltas[i]
	}

	var wg sync.WaitGroup
	for i, d := range deltas {
		wg.Add(1)
		go func(i int, d int64) {
			defer wg.Done()
			if _, err := s.ApplyScore(ctx, mutation("g1", "u1", "q"+string(rune('A'+i)), d)); err != nil {
				t.Errorf("apply: %v", err)
			}
		}(i, d)
	}
	wg.Wait()

	rec, err := s.Participant(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("participant: %v", err)
	}
	if rec.LiveScore != want {
		t.Fatalf("expected %d, got %d", want, rec.LiveScore)
	}
	entry, err := s.RankOf(ctx, "g1", domain.TargetLive, "u1")
	if err != nil || entry.Score != want {
		t.Fatalf("leaderboard out of sync: %+v err=%v", entry, err)
	}
}

func TestLiveAndDeferredStaySeparate(t *testing.T) {
	ctx := context.Background()
	s := NewScoreStore(nil)
	if _, err := s.EnsureParticipant(ctx, "g1", domain.Profile{UserID: "u1"}, domain.TargetLive); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := s.ApplyScore(ctx, mutation("g1", "u1", "q1", 300)); err != nil {
		t.Fatalf("live: %v", err)
	}

	n, err := s.NextAttempt(ctx, "g1", "u1")
	if err != nil || n != 1 {
		t.Fatalf("next attempt: %d %v", n, err)
	}
	deferred := domain.ScoreMutation{GameID: "g1", UserID: "u1", Attempt: domain.Attempt{Target: domain.TargetDeferred, Number: n}, QuestionUID: "q1", Delta: 800}
	out, err := s.ApplyScore(ctx, deferred)
	if err != nil || !out.Accepted || out.NewScore != 800 {
		t.Fatalf("deferred answer to a question already answered live must count: %+v %v", out, err)
	}

	rec, _ := s.Participant(ctx, "g1", "u1")
	if rec.LiveScore != 300 || rec.DeferredScore != 800 {
		t.Fatalf("scores crossed: live=%d deferred=%d", rec.LiveScore, rec.DeferredScore)
	}

	stale := deferred
	stale.Attempt.Number = 2
	if _, err := s.ApplyScore(ctx, stale); !errors.Is(err, domain.ErrUnknownAttempt) {
		t.Fatalf("expected unknown attempt, got %v", err)
	}
}

func TestDeferredBoardKeepsBestAttempt(t *testing.T) {
	ctx := context.Background()
	s := NewScoreStore(nil)
	if _, err := s.EnsureParticipant(ctx, "g1", domain.Profile{UserID: "u1"}, domain.TargetDeferred); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	apply := func(attempt int, q string, delta int64) {
		t.Helper()
		m := domain.ScoreMutation{GameID: "g1", UserID: "u1", Attempt: domain.Attempt{Target: domain.TargetDeferred, Number: attempt}, QuestionUID: q, Delta: delta}
		if _, err := s.ApplyScore(ctx, m); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	a1, _ := s.NextAttempt(ctx, "g1", "u1")
	apply(a1, "q1", 80)
	a2, _ := s.NextAttempt(ctx, "g1", "u1")
	apply(a2, "q1", 60)

	entry, err := s.RankOf(ctx, "g1", domain.TargetDeferred, "u1")
	if err != nil || entry.Score != 80 {
		t.Fatalf("expected best attempt 80, got %+v err=%v", entry, err)
	}
	if n, _ := s.Count(ctx, "g1", domain.TargetLive); n != 0 {
		t.Fatalf("replay-only participant must not appear live, got %d", n)
	}
}

func TestTopNOrderingAndTies(t *testing.T) {
	ctx := context.Background()
	s := NewScoreStore(nil)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.EnsureParticipant(ctx, "g1", domain.Profile{UserID: id, Username: id}, domain.TargetLive); err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}
	_, _ = s.ApplyScore(ctx, mutation("g1", "b", "q1", 100))
	_, _ = s.ApplyScore(ctx, mutation("g1", "c", "q1", 100))
	_, _ = s.ApplyScore(ctx, mutation("g1", "a", "q1", 50))

	top, err := s.TopN(ctx, "g1", domain.TargetLive, 0)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	got := []string{top[0].UserID, top[1].UserID, top[2].UserID}
	if got[0] != "b" || got[1] != "c" || got[2] != "a" {
		t.Fatalf("expected b (earlier tie), c, a; got %v", got)
	}
	for i, e := range top {
		if e.Rank != int64(i+1) {
			t.Fatalf("rank mismatch at %d: %+v", i, e)
		}
	}

	two, _ := s.TopN(ctx, "g1", domain.TargetLive, 2)
	if len(two) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(two))
	}
}

func TestConcurrentReadersSeeNoDuplicates(t *testing.T) {
	ctx := context.Background()
	s := NewScoreStore(nil)
	const users = 20
	for i := 0; i < users; i++ {
		id := string(rune('a' + i))
		if _, err := s.EnsureParticipant(ctx, "g1", domain.Profile{UserID: id}, domain.TargetLive); err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for q := 0; q < 10; q++ {
				_, _ = s.ApplyScore(ctx, mutation("g1", string(rune('a'+i)), string(rune('A'+q)), int64(i+q+1)))
			}
		}(i)
	}
	for r := 0; r < 50; r++ {
		top, _ := s.TopN(ctx, "g1", domain.TargetLive, 0)
		seen := make(map[string]bool, len(top))
		for _, e := range top {
			if seen[e.UserID] {
				t.Fatalf("participant %s listed twice", e.UserID)
			}
			seen[e.UserID] = true
		}
		if len(top) != users {
			t.Fatalf("expected %d entries, got %d", users, len(top))
		}
	}
	wg.Wait()
}

func TestScoreArchiveMaxMerge(t *testing.T) {
	ctx := context.Background()
	for _, order := range [][]int64{{80, 60}, {60, 80}} {
		a := NewScoreArchive()
		for _, v := range order {
			if err := a.MaxMerge(ctx, "g1", []domain.DurableScore{{GameID: "g1", UserID: "u1", DeferredScore: v}}); err != nil {
				t.Fatalf("merge: %v", err)
			}
		}
		row, ok, _ := a.Get(ctx, "g1", "u1")
		if !ok || row.DeferredScore != 80 {
			t.Fatalf("order %v: expected 80, got %+v", order, row)
		}
	}
}
