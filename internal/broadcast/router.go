package broadcast

import (
	"log/slog"
	"sync"

	"live-quiz-service/internal/logger"
	"live-quiz-service/internal/metrics"
)

const defaultBuffer = 16

type subscription struct {
	role   Role
	userID string
	ch     chan Message
}

// Router delivers events to the subscribers of each room. Delivery never
// blocks: a full subscriber loses its oldest buffered message.
type Router struct {
	buffer int
	log    *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*subscription]struct{}
}

func NewRouter(buffer int, log *slog.Logger) *Router {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Router{
		buffer: buffer,
		log:    logger.WithComponent(log, "broadcast"),
		rooms:  make(map[string]map[*subscription]struct{}),
	}
}

// Subscribe registers a connection for room. The caller must invoke the
// returned cancel function to avoid leaks.
func (r *Router) Subscribe(room string, role Role, userID string) (<-chan Message, func()) {
	sub := &subscription{role: role, userID: userID, ch: make(chan Message, r.buffer)}

	r.mu.Lock()
	subs, ok := r.rooms[room]
	if !ok {
		subs = make(map[*subscription]struct{})
		r.rooms[room] = subs
	}
	subs[sub] = struct{}{}
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs, ok := r.rooms[room]
		if !ok {
			return
		}
		if _, ok := subs[sub]; ok {
			delete(subs, sub)
			close(sub.ch)
		}
		if len(subs) == 0 {
			delete(r.rooms, room)
		}
	}
	return sub.ch, cancel
}

// Emit shapes ev once per role and delivers it to every subscriber of room.
func (r *Router) Emit(room string, ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		controllerMsg, displayMsg Message
		haveController, haveDisp  bool
		displayOK                 bool
	)
	for sub := range r.rooms[room] {
		var (
			msg Message
			ok  bool
		)
		switch sub.role {
		case RoleController:
			if !haveController {
				controllerMsg, haveController = ev.Controller(), true
			}
			msg, ok = controllerMsg, true
		case RoleParticipant:
			msg, ok = ev.Participant(sub.userID)
		case RoleDisplay:
			if !haveDisp {
				displayMsg, displayOK = ev.Display()
				haveDisp = true
			}
			msg, ok = displayMsg, displayOK
		}
		if ok {
			r.deliver(room, sub, msg)
		}
	}
}

// Shape projects ev for one subscriber.
func Shape(ev Event, role Role, userID string) (Message, bool) {
	switch role {
	case RoleController:
		return ev.Controller(), true
	case RoleParticipant:
		return ev.Participant(userID)
	case RoleDisplay:
		return ev.Display()
	default:
		return Message{}, false
	}
}

// Close ends every subscription of room.
func (r *Router) Close(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sub := range r.rooms[room] {
		close(sub.ch)
	}
	delete(r.rooms, room)
}

// deliver must be called with at least the read lock held.
func (r *Router) deliver(room string, sub *subscription, msg Message) {
	select {
	case sub.ch <- msg:
		return
	default:
	}
	select {
	case <-sub.ch:
		metrics.DroppedMessages.Inc()
		r.log.Warn("dropped message for slow subscriber", "room", room, "role", sub.role, "user_id", sub.userID)
	default:
	}
	select {
	case sub.ch <- msg:
	default:
	}
}
