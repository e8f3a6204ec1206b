package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/config"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/kafka"
	"live-quiz-service/internal/infra/memory"
	"live-quiz-service/internal/infra/postgres"
	redisinfra "live-quiz-service/internal/infra/redis"
	"live-quiz-service/internal/worker"
)

// scoreBackend is a score store the flush worker can drain.
type scoreBackend interface {
	app.ScoreStore
	worker.Source
}

// backends are the stores picked from configuration: Redis when an address
// is set, Postgres when a URL is set, in-memory otherwise.
type backends struct {
	games   app.GameRepository
	scores  scoreBackend
	states  app.RoomStateStore
	rooms   app.RoomRegistry
	archive worker.Archive
	events  *kafka.Publisher

	redis *redis.Client
	pool  *pgxpool.Pool
}

func openBackends(ctx context.Context, cfg config.Config, log *slog.Logger) (*backends, error) {
	b := &backends{}

	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.pool = pool
	}
	if cfg.Redis.Addr != "" {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := b.redis.Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	var loader memory.GameLoader = memory.NewStaticGameLoader(sampleGames()...)
	b.archive = memory.NewScoreArchive()
	if b.pool != nil {
		loader = postgres.NewGameLoader(b.pool)
		b.archive = postgres.NewScoreArchive(b.pool)
	}

	gameTTL := config.DurationOr(cfg.Cache.GameTTL, 10*time.Minute)
	redisTTL := config.DurationOr(cfg.Redis.TTL, 24*time.Hour)
	if b.redis != nil {
		b.games = redisinfra.NewGameCache(b.redis, loader, gameTTL)
		b.scores = redisinfra.NewScoreStore(b.redis, redisTTL)
		b.states = redisinfra.NewRoomStateStore(b.redis, redisTTL)
		b.rooms = redisinfra.NewRoomRegistry(b.redis, redisTTL, instanceID())
	} else {
		b.games = memory.NewGameCache(loader, gameTTL)
		b.scores = memory.NewScoreStore(nil)
		b.states = memory.NewRoomStateStore()
		b.rooms = memory.NewRoomRegistry()
	}

	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := kafka.Dial(cfg.Kafka, log)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("connect kafka: %w", err)
		}
		b.events = pub
	}

	log.Info("backends ready",
		"redis", b.redis != nil,
		"postgres", b.pool != nil,
		"kafka", b.events != nil,
	)
	return b, nil
}

// eventSink avoids handing a typed nil publisher to the service.
func (b *backends) eventSink() app.EventSink {
	if b.events == nil {
		return nil
	}
	return b.events
}

func (b *backends) Close() error {
	var errs []error
	if b.events != nil {
		errs = append(errs, b.events.Close())
	}
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	if b.pool != nil {
		b.pool.Close()
	}
	return errors.Join(errs...)
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "live-quiz"
	}
	return host + "-" + uuid.NewString()[:8]
}

// sampleGames seeds the in-memory loader when no database is configured.
func sampleGames() []domain.GameInstance {
	return []domain.GameInstance{{
		ID:         uuid.NewString(),
		AccessCode: "DEMO01",
		Mode:       domain.PlayModeQuiz,
		Status:     domain.GameStatusPending,
		CreatedAt:  time.Now().UTC(),
		Questions: []domain.Question{
			{
				UID:    "q1",
				Kind:   domain.QuestionKindMultipleChoice,
				Prompt: "What is 2 + 2?",
				Options: []domain.Option{
					{ID: "o1", Text: "3"},
					{ID: "o2", Text: "4", Correct: true},
					{ID: "o3", Text: "5"},
				},
				TimeLimitMs: 20000,
			},
			{
				UID:    "q2",
				Kind:   domain.QuestionKindMultipleChoice,
				Prompt: "Which are prime?",
				Options: []domain.Option{
					{ID: "o1", Text: "2", Correct: true},
					{ID: "o2", Text: "4"},
					{ID: "o3", Text: "7", Correct: true},
				},
			},
			{
				UID:       "q3",
				Kind:      domain.QuestionKindNumeric,
				Prompt:    "How many minutes in a day?",
				Target:    1440,
				Tolerance: 0,
			},
		},
	}}
}
