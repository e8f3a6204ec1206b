package redis

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"live-quiz-service/internal/domain"
)

// GameLoader fetches game instances from the system of record.
type GameLoader interface {
	LoadGame(ctx context.Context, code string) (domain.GameInstance, error)
	UpdateStatus(ctx context.Context, code string, status domain.GameStatus) error
}

// GameCache caches game instances in Redis as JSON under game:code:{code}
// and falls back to the loader on a miss.
type GameCache struct {
	client *redis.Client
	loader GameLoader
	ttl    time.Duration
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewGameCache(client *redis.Client, loader GameLoader, ttl time.Duration) *GameCache {
	return &GameCache{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *GameCache) GameByCode(ctx context.Context, code string) (domain.GameInstance, error) {
	if game, ok := c.cached(ctx, code); ok {
		return game, nil
	}

	result, err, _ := c.sf.Do(code, func() (interface{}, error) {
		// another caller may have filled the cache meanwhile
		if game, ok := c.cached(ctx, code); ok {
			return game, nil
		}
		game, err := c.loader.LoadGame(ctx, code)
		if err != nil {
			return domain.GameInstance{}, err
		}
		if raw, err := json.Marshal(game); err == nil {
			_ = c.client.Set(ctx, c.key(code), raw, c.ttlWithJitter()).Err()
		}
		return game, nil
	})
	if err != nil {
		return domain.GameInstance{}, err
	}
	return result.(domain.GameInstance), nil
}

// UpdateStatus writes through to the loader and evicts the cached copy.
func (c *GameCache) UpdateStatus(ctx context.Context, code string, status domain.GameStatus) error {
	if err := c.loader.UpdateStatus(ctx, code, status); err != nil {
		return err
	}
	if err := c.client.Del(ctx, c.key(code)).Err(); err != nil {
		return domain.NewStorageError("evict game", err)
	}
	return nil
}

func (c *GameCache) cached(ctx context.Context, code string) (domain.GameInstance, bool) {
	raw, err := c.client.Get(ctx, c.key(code)).Bytes()
	if err != nil {
		return domain.GameInstance{}, false
	}
	var game domain.GameInstance
	if err := json.Unmarshal(raw, &game); err != nil {
		return domain.GameInstance{}, false
	}
	return game, true
}

func (c *GameCache) key(code string) string {
	return "game:code:" + code
}

func (c *GameCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

// RoomStateStore persists the question index and timer of each room.
type RoomStateStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRoomStateStore(client *redis.Client, ttl time.Duration) *RoomStateStore {
	return &RoomStateStore{client: client, ttl: ttl}
}

func (s *RoomStateStore) SaveRoomState(ctx context.Context, gameID string, state domain.RoomState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, stateKey(gameID), raw, s.ttl).Err(); err != nil {
		return domain.NewStorageError("save room state", err)
	}
	return nil
}

func (s *RoomStateStore) LoadRoomState(ctx context.Context, gameID string) (domain.RoomState, bool, error) {
	raw, err := s.client.Get(ctx, stateKey(gameID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.RoomState{}, false, nil
	}
	if err != nil {
		return domain.RoomState{}, false, domain.NewStorageError("load room state", err)
	}
	var state domain.RoomState
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.RoomState{}, false, err
	}
	return state, true, nil
}
