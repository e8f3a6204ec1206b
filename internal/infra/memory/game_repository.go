package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"live-quiz-service/internal/domain"
)

// GameLoader fetches game instances from a backing store and persists status changes.
type GameLoader interface {
	LoadGame(ctx context.Context, code string) (domain.GameInstance, error)
	UpdateStatus(ctx context.Context, code string, status domain.GameStatus) error
}

// GameCache caches game instances with TTL to avoid repeated DB hits.
type GameCache struct {
	loader GameLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand
	rndMu  sync.Mutex

	mu    sync.RWMutex
	cache map[string]cachedGame
}

type cachedGame struct {
	game      domain.GameInstance
	expiresAt time.Time
}

func NewGameCache(loader GameLoader, ttl time.Duration) *GameCache {
	return &GameCache{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedGame),
	}
}

func (c *GameCache) GameByCode(ctx context.Context, code string) (domain.GameInstance, error) {
	if game, ok := c.lookup(code); ok {
		return game, nil
	}

	result, err, _ := c.sf.Do(code, func() (interface{}, error) {
		if game, ok := c.lookup(code); ok {
			return game, nil
		}
		game, err := c.loader.LoadGame(ctx, code)
		if err != nil {
			return domain.GameInstance{}, err
		}
		c.mu.Lock()
		c.cache[code] = cachedGame{game: game, expiresAt: c.clock().Add(c.ttlWithJitter())}
		c.mu.Unlock()
		return game, nil
	})
	if err != nil {
		return domain.GameInstance{}, err
	}
	return result.(domain.GameInstance), nil
}

// UpdateStatus writes through to the loader and drops the cached copy.
func (c *GameCache) UpdateStatus(ctx context.Context, code string, status domain.GameStatus) error {
	if err := c.loader.UpdateStatus(ctx, code, status); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.cache, code)
	c.mu.Unlock()
	return nil
}

func (c *GameCache) lookup(code string) (domain.GameInstance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[code]
	if !ok || !entry.expiresAt.After(c.clock()) {
		return domain.GameInstance{}, false
	}
	return entry.game, true
}

func (c *GameCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// up to 10% jitter spreads expirations
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

// StaticGameLoader is a loader backed by an in-memory map (useful for tests/demos).
type StaticGameLoader struct {
	mu    sync.RWMutex
	games map[string]domain.GameInstance
}

func NewStaticGameLoader(games ...domain.GameInstance) *StaticGameLoader {
	l := &StaticGameLoader{games: make(map[string]domain.GameInstance, len(games))}
	for _, g := range games {
		if g.Status == "" {
			g.Status = domain.GameStatusPending
		}
		l.games[g.AccessCode] = g
	}
	return l
}

func (l *StaticGameLoader) LoadGame(_ context.Context, code string) (domain.GameInstance, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if game, ok := l.games[code]; ok {
		return game, nil
	}
	return domain.GameInstance{}, domain.ErrGameNotFound
}

func (l *StaticGameLoader) UpdateStatus(_ context.Context, code string, status domain.GameStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	game, ok := l.games[code]
	if !ok {
		return domain.ErrGameNotFound
	}
	if game.Status == status {
		return nil
	}
	if !game.Status.CanTransitionTo(status) {
		return domain.StatusTransitionError(game.Status, status)
	}
	game.Status = status
	l.games[code] = game
	return nil
}
