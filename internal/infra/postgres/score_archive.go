package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"live-quiz-service/internal/domain"
)

const maxMergeSQL = `
INSERT INTO participant_scores (game_id, user_id, username, live_score, deferred_score, attempts, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (game_id, user_id) DO UPDATE SET
	username       = EXCLUDED.username,
	live_score     = GREATEST(participant_scores.live_score, EXCLUDED.live_score),
	deferred_score = GREATEST(participant_scores.deferred_score, EXCLUDED.deferred_score),
	attempts       = GREATEST(participant_scores.attempts, EXCLUDED.attempts),
	updated_at     = now()`

// ScoreArchive is the durable score table. Writes never lower a stored value.
type ScoreArchive struct {
	pool *pgxpool.Pool
}

func NewScoreArchive(pool *pgxpool.Pool) *ScoreArchive {
	return &ScoreArchive{pool: pool}
}

// MaxMerge upserts rows in one batch round trip.
func (a *ScoreArchive) MaxMerge(ctx context.Context, gameID string, rows []domain.DurableScore) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(maxMergeSQL, gameID, row.UserID, row.Username, row.LiveScore, row.DeferredScore, row.Attempts)
	}

	br := a.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return domain.NewStorageError("max merge", err)
		}
	}
	return nil
}

// Get returns the archived row of a participant.
func (a *ScoreArchive) Get(ctx context.Context, gameID, userID string) (domain.DurableScore, bool, error) {
	row := domain.DurableScore{GameID: gameID, UserID: userID}
	err := a.pool.QueryRow(ctx,
		`SELECT username, live_score, deferred_score, attempts
		   FROM participant_scores WHERE game_id = $1 AND user_id = $2`,
		gameID, userID,
	).Scan(&row.Username, &row.LiveScore, &row.DeferredScore, &row.Attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DurableScore{}, false, nil
	}
	if err != nil {
		return domain.DurableScore{}, false, domain.NewStorageError("get score", err)
	}
	return row, true, nil
}
