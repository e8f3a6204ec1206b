package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/broadcast"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

// Inbound message types.
const (
	msgAnswer      = "answer"
	msgTimer       = "timer"
	msgAdvance     = "advance"
	msgEnd         = "end"
	msgReplayStart = "replay_start"
)

type WSHandler struct {
	service  *app.Service
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewWSHandler(service *app.Service, log *slog.Logger) *WSHandler {
	return &WSHandler{
		service: service,
		log:     logger.WithComponent(log, "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	QuestionUID string        `json:"questionUid"`
	Answer      domain.Answer `json:"answer"`
	ElapsedMs   int64         `json:"elapsedMs"`
}

type joinedPayload struct {
	Code    string         `json:"code"`
	Role    broadcast.Role `json:"role"`
	UserID  string         `json:"userId,omitempty"`
	Attempt domain.Attempt `json:"attempt"`
}

type timerPayload struct {
	Action      string `json:"action"`
	QuestionUID string `json:"questionUid"`
	DurationMs  int64  `json:"durationMs"`
	Restart     bool   `json:"restart"`
}

// session is the per-connection state shared by the read loop and the pumps.
type session struct {
	role broadcast.Role
	code string
	user domain.Profile
	log  *slog.Logger

	mu      sync.Mutex
	attempt int // deferred attempt in use, 0 for live

	send chan broadcast.Message
	done chan struct{} // read loop ended
	gone chan struct{} // write pump ended
}

func (s *session) reply(msg broadcast.Message) {
	select {
	case s.send <- msg:
	case <-s.done:
	case <-s.gone:
	}
}

// fail sends err to the requester only, shaped for its role. Displays never
// see errors.
func (s *session) fail(err error) {
	switch s.role {
	case broadcast.RoleController:
		s.reply(broadcast.ControllerError(err))
	case broadcast.RoleParticipant:
		s.reply(broadcast.ParticipantError(err))
	}
}

// ServeWS upgrades the request and attaches the socket to a room.
// Query: game (access code), role, userId, name, avatar, replay, attempt.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("game")
	role, ok := broadcast.ParseRole(q.Get("role"))
	if code == "" || !ok {
		http.Error(w, "missing game or unknown role", http.StatusBadRequest)
		return
	}
	profile := domain.Profile{UserID: q.Get("userId"), Username: q.Get("name"), Avatar: q.Get("avatar")}
	if role == broadcast.RoleParticipant && profile.UserID == "" {
		http.Error(w, "missing userId", http.StatusBadRequest)
		return
	}
	attempt, _ := strconv.Atoi(q.Get("attempt"))
	replay, _ := strconv.ParseBool(q.Get("replay"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	log := h.log.With("conn_id", uuid.NewString(), "code", code, "role", role, "user_id", profile.UserID)
	ctx := r.Context()

	joined, err := h.service.Join(ctx, app.JoinRequest{
		Code:    code,
		Role:    role,
		Profile: profile,
		Replay:  replay,
		Attempt: attempt,
	})
	if err != nil {
		log.Info("join rejected", "error", err)
		msg := broadcast.ParticipantError(err)
		if role == broadcast.RoleController {
			msg = broadcast.ControllerError(err)
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(msg)
		return
	}
	log.Debug("connection joined")

	s := &session{
		role:    role,
		code:    code,
		user:    profile,
		log:     log,
		attempt: joined.Attempt.Number,
		send:    make(chan broadcast.Message, sendBuffer),
		done:    make(chan struct{}),
		gone:    make(chan struct{}),
	}

	roomClosed := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.writePump(conn, s, roomClosed)
	}()
	go func() {
		defer wg.Done()
		defer close(roomClosed)
		s.reply(broadcast.Message{Type: broadcast.TypeJoined, Payload: joinedPayload{
			Code:    joined.Code,
			Role:    joined.Role,
			UserID:  joined.UserID,
			Attempt: joined.Attempt,
		}})
		for _, msg := range joined.Initial {
			s.reply(msg)
		}
		for msg := range joined.Messages {
			s.reply(msg)
		}
	}()

	h.readLoop(ctx, conn, s)

	close(s.done)
	joined.Close()
	wg.Wait()
	log.Debug("connection closed")
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, s *session) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var in inboundMessage
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("ws read failed", "error", err)
			}
			return
		}
		h.dispatch(ctx, s, in)
	}
}

// writePump owns every write to conn. It ends on disconnect, or after the
// pending messages when the room closes.
func (h *WSHandler) writePump(conn *websocket.Conn, s *session, roomClosed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(s.gone)
		_ = conn.Close()
	}()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			if err := write(conn, msg); err != nil {
				s.log.Debug("ws write failed", "error", err)
				return
			}
		case <-roomClosed:
			drain(conn, s)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func drain(conn *websocket.Conn, s *session) {
	for {
		select {
		case msg := <-s.send:
			if err := write(conn, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func write(conn *websocket.Conn, msg broadcast.Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func (h *WSHandler) dispatch(ctx context.Context, s *session, in inboundMessage) {
	var err error
	switch in.Type {
	case msgAnswer:
		err = h.answer(ctx, s, in.Payload)
	case msgTimer:
		err = h.timer(ctx, s, in.Payload)
	case msgAdvance:
		if err = requireController(s); err == nil {
			err = h.service.AdvanceQuestion(ctx, s.code)
		}
	case msgEnd:
		if err = requireController(s); err == nil {
			_, err = h.service.EndSession(ctx, s.code)
		}
	case msgReplayStart:
		err = h.replayStart(ctx, s)
	default:
		err = fmt.Errorf("%w: unsupported message type %q", domain.ErrInvalidPayload, in.Type)
	}
	if err != nil {
		s.log.Debug("inbound message failed", "type", in.Type, "error", err)
		s.fail(err)
	}
}

func (h *WSHandler) answer(ctx context.Context, s *session, raw json.RawMessage) error {
	if s.role != broadcast.RoleParticipant {
		return fmt.Errorf("%w: only participants answer", domain.ErrInvalidPayload)
	}
	var p answerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	s.mu.Lock()
	attempt := s.attempt
	s.mu.Unlock()

	res, err := h.service.SubmitAnswer(ctx, app.SubmitRequest{
		Code:        s.code,
		UserID:      s.user.UserID,
		Attempt:     attempt,
		QuestionUID: p.QuestionUID,
		Answer:      p.Answer,
		ElapsedMs:   p.ElapsedMs,
	})
	if err != nil {
		return err
	}
	// live results reach the submitter through the room broadcast
	if res.Attempt.Target == domain.TargetDeferred {
		s.reply(broadcast.Message{Type: broadcast.TypeAnswerScored, Payload: res})
	}
	return nil
}

func (h *WSHandler) timer(ctx context.Context, s *session, raw json.RawMessage) error {
	if err := requireController(s); err != nil {
		return err
	}
	var p timerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	_, err := h.service.TimerAction(ctx, app.TimerRequest{
		Code:        s.code,
		Action:      p.Action,
		QuestionUID: p.QuestionUID,
		DurationMs:  p.DurationMs,
		Restart:     p.Restart,
	})
	return err
}

func (h *WSHandler) replayStart(ctx context.Context, s *session) error {
	if s.role != broadcast.RoleParticipant {
		return fmt.Errorf("%w: only participants replay", domain.ErrInvalidPayload)
	}
	replay, err := h.service.StartReplay(ctx, s.code, s.user)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.attempt = replay.Attempt.Number
	s.mu.Unlock()
	s.reply(broadcast.Message{Type: broadcast.TypeReplayStarted, Payload: replay})
	return nil
}

func requireController(s *session) error {
	if s.role != broadcast.RoleController {
		return fmt.Errorf("%w: controller role required", domain.ErrInvalidPayload)
	}
	return nil
}
