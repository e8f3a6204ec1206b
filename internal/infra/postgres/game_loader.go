package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"live-quiz-service/internal/domain"
)

// GameLoader reads game instances from Postgres. Questions are stored as
// JSONB next to the instance row.
type GameLoader struct {
	pool *pgxpool.Pool
}

func NewGameLoader(pool *pgxpool.Pool) *GameLoader {
	return &GameLoader{pool: pool}
}

func (l *GameLoader) LoadGame(ctx context.Context, code string) (domain.GameInstance, error) {
	var (
		game      domain.GameInstance
		mode      string
		status    string
		questions []byte
	)
	err := l.pool.QueryRow(ctx,
		`SELECT id, access_code, mode, status, questions, created_at
		   FROM game_instances WHERE access_code = $1`, code,
	).Scan(&game.ID, &game.AccessCode, &mode, &status, &questions, &game.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.GameInstance{}, fmt.Errorf("%w: %s", domain.ErrGameNotFound, code)
	}
	if err != nil {
		return domain.GameInstance{}, domain.NewStorageError("load game", err)
	}
	if err := json.Unmarshal(questions, &game.Questions); err != nil {
		return domain.GameInstance{}, fmt.Errorf("%w: game %s: %v", domain.ErrMalformedQuestion, code, err)
	}
	game.Mode = domain.PlayMode(mode)
	game.Status = domain.GameStatus(status)
	return game, nil
}

// UpdateStatus moves a game forward. The guard on the prior status makes
// concurrent writers safe: only one of them can win a transition.
func (l *GameLoader) UpdateStatus(ctx context.Context, code string, status domain.GameStatus) error {
	prior := domain.PriorStatuses(status)
	allowed := make([]string, 0, len(prior))
	for _, s := range prior {
		allowed = append(allowed, string(s))
	}

	tag, err := l.pool.Exec(ctx,
		`UPDATE game_instances SET status = $2, updated_at = now()
		  WHERE access_code = $1 AND status = ANY($3)`,
		code, string(status), allowed,
	)
	if err != nil {
		return domain.NewStorageError("update status", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = l.pool.QueryRow(ctx, `SELECT status FROM game_instances WHERE access_code = $1`, code).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrGameNotFound, code)
	}
	if err != nil {
		return domain.NewStorageError("read status", err)
	}
	if domain.GameStatus(current) == status {
		return nil
	}
	return domain.StatusTransitionError(domain.GameStatus(current), status)
}

// SaveGame inserts or replaces a game instance. Used by seeding and tests.
func (l *GameLoader) SaveGame(ctx context.Context, game domain.GameInstance) error {
	questions, err := json.Marshal(game.Questions)
	if err != nil {
		return err
	}
	if game.Status == "" {
		game.Status = domain.GameStatusPending
	}
	_, err = l.pool.Exec(ctx,
		`INSERT INTO game_instances (id, access_code, mode, status, questions)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		   SET access_code = EXCLUDED.access_code,
		       mode = EXCLUDED.mode,
		       status = EXCLUDED.status,
		       questions = EXCLUDED.questions,
		       updated_at = now()`,
		game.ID, game.AccessCode, string(game.Mode), string(game.Status), questions,
	)
	if err != nil {
		return domain.NewStorageError("save game", err)
	}
	return nil
}
