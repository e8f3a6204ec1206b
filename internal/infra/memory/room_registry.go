package memory

import (
	"context"
	"sync"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
)

// RoomRegistry is an in-memory implementation of app.RoomRegistry.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[string]*app.Room
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[string]*app.Room),
	}
}

func (s *RoomRegistry) GetOrCreate(code string, create func() *app.Room) *app.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room, ok := s.rooms[code]; ok {
		return room
	}
	room := create()
	s.rooms[code] = room
	return room
}

func (s *RoomRegistry) Get(code string) (*app.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[code]
	return room, ok
}

// Delete removes room only if it is still the one registered under code.
func (s *RoomRegistry) Delete(code string, room *app.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.rooms[code]; ok && cur == room {
		delete(s.rooms, code)
	}
}

func (s *RoomRegistry) All() []*app.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*app.Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		out = append(out, room)
	}
	return out
}

// RoomStateStore keeps room state in process memory.
type RoomStateStore struct {
	mu     sync.RWMutex
	states map[string]domain.RoomState
}

func NewRoomStateStore() *RoomStateStore {
	return &RoomStateStore{states: make(map[string]domain.RoomState)}
}

func (s *RoomStateStore) SaveRoomState(_ context.Context, gameID string, state domain.RoomState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[gameID] = state
	return nil
}

func (s *RoomStateStore) LoadRoomState(_ context.Context, gameID string) (domain.RoomState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[gameID]
	return state, ok, nil
}
