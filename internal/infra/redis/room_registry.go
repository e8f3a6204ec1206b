package redis

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"live-quiz-service/internal/app"
)

// RoomRegistry tracks the rooms hosted by this process. Rooms themselves
// live in memory; Redis only carries a liveness marker per room so other
// instances and operators can see which codes are being served.
type RoomRegistry struct {
	client *redis.Client
	ttl    time.Duration
	owner  string

	mu    sync.RWMutex
	rooms map[string]*app.Room
}

func NewRoomRegistry(client *redis.Client, ttl time.Duration, owner string) *RoomRegistry {
	return &RoomRegistry{
		client: client,
		ttl:    ttl,
		owner:  owner,
		rooms:  make(map[string]*app.Room),
	}
}

func (r *RoomRegistry) GetOrCreate(code string, create func() *app.Room) *app.Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[code]; ok {
		return room
	}
	room := create()
	r.rooms[code] = room
	// best-effort liveness marker
	_ = r.client.Set(context.Background(), r.key(code), r.owner, r.ttl).Err()
	return room
}

func (r *RoomRegistry) Get(code string) (*app.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[code]
	return room, ok
}

// Delete drops room only if it is still the one registered under code.
func (r *RoomRegistry) Delete(code string, room *app.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.rooms[code]; !ok || cur != room {
		return
	}
	delete(r.rooms, code)
	_ = r.client.Del(context.Background(), r.key(code)).Err()
}

func (r *RoomRegistry) All() []*app.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*app.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	return out
}

func (r *RoomRegistry) key(code string) string {
	return "game:room:" + code
}
