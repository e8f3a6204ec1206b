package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/memory"
)

type flakyArchive struct {
	mu       sync.Mutex
	failures int
	calls    int
	inner    *memory.ScoreArchive
}

func (a *flakyArchive) MaxMerge(ctx context.Context, gameID string, rows []domain.DurableScore) error {
	a.mu.Lock()
	a.calls++
	fail := a.failures > 0
	if fail {
		a.failures--
	}
	a.mu.Unlock()
	if fail {
		return errors.New("connection refused")
	}
	return a.inner.MaxMerge(ctx, gameID, rows)
}

func seedStore(t *testing.T) *memory.ScoreStore {
	t.Helper()
	ctx := context.Background()
	store := memory.NewScoreStore(nil)
	if _, err := store.EnsureParticipant(ctx, "g1", domain.Profile{UserID: "u1", Username: "Ada"}, domain.TargetLive); err != nil {
		t.Fatalf("ensure participant: %v", err)
	}
	if _, err := store.ApplyScore(ctx, domain.ScoreMutation{GameID: "g1", UserID: "u1", Attempt: domain.LiveAttempt, QuestionUID: "q1", Delta: 700}); err != nil {
		t.Fatalf("apply score: %v", err)
	}
	return store
}

func TestRunOnceFlushesDirtyGames(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	archive := memory.NewScoreArchive()
	f := NewFlusher(store, archive, Options{Retries: 1, RetryInterval: time.Millisecond}, nil)

	flushed, err := f.RunOnce(ctx)
	if err != nil || flushed != 1 {
		t.Fatalf("expected one flushed game, got %d err=%v", flushed, err)
	}
	row, ok, _ := archive.Get(ctx, "g1", "u1")
	if !ok || row.LiveScore != 700 || row.Username != "Ada" {
		t.Fatalf("unexpected archived row: %+v ok=%v", row, ok)
	}

	flushed, err = f.RunOnce(ctx)
	if err != nil || flushed != 0 {
		t.Fatalf("clean store must flush nothing, got %d err=%v", flushed, err)
	}
}

func TestFlushRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	archive := &flakyArchive{failures: 2, inner: memory.NewScoreArchive()}
	f := NewFlusher(store, archive, Options{Retries: 3, RetryInterval: time.Millisecond}, nil)

	if _, err := f.RunOnce(ctx); err != nil {
		t.Fatalf("expected retries to recover, got %v", err)
	}
	if archive.calls != 3 {
		t.Fatalf("expected 3 archive calls, got %d", archive.calls)
	}
}

func TestFailedGameStaysDirty(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	archive := &flakyArchive{failures: 10, inner: memory.NewScoreArchive()}
	f := NewFlusher(store, archive, Options{Retries: 1, RetryInterval: time.Millisecond}, nil)

	_, err := f.RunOnce(ctx)
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected storage error, got %v", err)
	}
	dirty, _ := store.TakeDirty(ctx)
	if len(dirty) != 1 || dirty[0] != "g1" {
		t.Fatalf("failed game must be re-marked dirty, got %v", dirty)
	}
}

func TestStopRunsFinalCycle(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	archive := memory.NewScoreArchive()
	f := NewFlusher(store, archive, Options{Interval: time.Hour}, nil)

	f.Start(ctx)
	f.Stop(ctx)

	if _, ok, _ := archive.Get(ctx, "g1", "u1"); !ok {
		t.Fatalf("expected final flush on stop")
	}
}
