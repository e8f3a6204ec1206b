// Package worker copies scores from the fast store into durable storage.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/logger"
	"live-quiz-service/internal/metrics"
)

// Source is the fast store side of a flush.
type Source interface {
	TakeDirty(ctx context.Context) ([]string, error)
	MarkDirty(ctx context.Context, gameID string) error
	Participants(ctx context.Context, gameID string) ([]domain.ParticipantRecord, error)
}

// Archive is the durable side. MaxMerge must keep the greater of the stored
// and the candidate values, so an older flush never lowers a score.
type Archive interface {
	MaxMerge(ctx context.Context, gameID string, rows []domain.DurableScore) error
}

// Options configures a Flusher.
type Options struct {
	Interval      time.Duration
	Retries       int
	RetryInterval time.Duration
	BatchSize     int
}

// Flusher periodically flushes games whose scores changed.
type Flusher struct {
	source  Source
	archive Archive
	opts    Options
	log     *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

func NewFlusher(source Source, archive Archive, opts Options, log *slog.Logger) *Flusher {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	return &Flusher{
		source:  source,
		archive: archive,
		opts:    opts,
		log:     logger.WithComponent(log, "flush"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the background flush loop.
func (f *Flusher) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	f.running = true
	f.log.Info("flush worker started", "interval", f.opts.Interval)
	go f.run(ctx)
}

// Stop ends the loop and runs a last flush cycle.
func (f *Flusher) Stop(ctx context.Context) {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	close(f.stopCh)
	<-f.doneCh
	f.RunOnce(ctx)
	f.log.Info("flush worker stopped")
}

func (f *Flusher) run(ctx context.Context) {
	defer close(f.doneCh)

	ticker := time.NewTicker(f.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.RunOnce(ctx)
		}
	}
}

// RunOnce flushes every dirty game. Games that fail stay dirty for the next
// cycle. It returns the number of flushed games.
func (f *Flusher) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	games, err := f.source.TakeDirty(ctx)
	if err != nil {
		metrics.FlushCycles.WithLabelValues("error").Inc()
		f.log.Error("failed to list dirty games", "error", err)
		return 0, domain.NewStorageError("take dirty", err)
	}
	if len(games) == 0 {
		return 0, nil
	}

	var errs []error
	flushed := 0
	for _, gameID := range games {
		if err := f.FlushGame(ctx, gameID); err != nil {
			errs = append(errs, err)
			f.log.Error("failed to flush game", "game_id", gameID, "error", err)
			if markErr := f.source.MarkDirty(context.WithoutCancel(ctx), gameID); markErr != nil {
				f.log.Error("failed to re-mark game dirty", "game_id", gameID, "error", markErr)
			}
			continue
		}
		flushed++
	}

	outcome := "ok"
	if len(errs) > 0 {
		outcome = "error"
	}
	metrics.FlushCycles.WithLabelValues(outcome).Inc()
	f.log.Info("flush cycle completed", "duration", time.Since(start), "flushed", flushed, "errors", len(errs))
	return flushed, errors.Join(errs...)
}

// FlushGame max-merges every participant of gameID into the archive in batches.
func (f *Flusher) FlushGame(ctx context.Context, gameID string) error {
	records, err := f.source.Participants(ctx, gameID)
	if err != nil {
		return domain.NewStorageError("read participants", err)
	}
	rows := make([]domain.DurableScore, 0, len(records))
	for _, rec := range records {
		rows = append(rows, domain.DurableScore{
			GameID:        gameID,
			UserID:        rec.Profile.UserID,
			Username:      rec.Profile.Username,
			LiveScore:     rec.LiveScore,
			DeferredScore: rec.DeferredScore,
			Attempts:      rec.Attempts,
		})
	}

	for start := 0; start < len(rows); start += f.opts.BatchSize {
		end := min(start+f.opts.BatchSize, len(rows))
		batch := rows[start:end]
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = f.opts.RetryInterval
		b.MaxElapsedTime = 0
		policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(f.opts.Retries, 0))), ctx)
		err := backoff.RetryNotify(func() error {
			return f.archive.MaxMerge(ctx, gameID, batch)
		}, policy, func(err error, wait time.Duration) {
			f.log.Warn("archive write failed, retrying", "game_id", gameID, "wait", wait, "error", err)
		})
		if err != nil {
			return domain.NewStorageError("max merge", err)
		}
	}
	f.log.Debug("flushed game", "game_id", gameID, "participants", len(rows))
	return nil
}
