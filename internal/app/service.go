package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"live-quiz-service/internal/broadcast"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/logger"
	"live-quiz-service/internal/metrics"
)

// GameRepository loads game instances (from cache/backing store) and
// persists their status.
type GameRepository interface {
	GameByCode(ctx context.Context, code string) (domain.GameInstance, error)
	UpdateStatus(ctx context.Context, code string, status domain.GameStatus) error
}

// ScoreStore holds participant records and leaderboards. ApplyScore must
// journal the answer, add the delta and update the leaderboard as one
// atomic step.
type ScoreStore interface {
	AttemptAllocator
	EnsureParticipant(ctx context.Context, gameID string, profile domain.Profile, target domain.Target) (domain.ParticipantRecord, error)
	ApplyScore(ctx context.Context, m domain.ScoreMutation) (domain.ScoreOutcome, error)
	TopN(ctx context.Context, gameID string, target domain.Target, n int) ([]domain.LeaderboardEntry, error)
	RankOf(ctx context.Context, gameID string, target domain.Target, userID string) (domain.LeaderboardEntry, error)
	Count(ctx context.Context, gameID string, target domain.Target) (int, error)
	Participants(ctx context.Context, gameID string) ([]domain.ParticipantRecord, error)
}

// RoomStateStore persists the timer and question position of a room.
type RoomStateStore interface {
	SaveRoomState(ctx context.Context, gameID string, state domain.RoomState) error
	LoadRoomState(ctx context.Context, gameID string) (domain.RoomState, bool, error)
}

// RoomRegistry abstracts how live rooms are tracked (in-memory, Redis, etc).
type RoomRegistry interface {
	GetOrCreate(code string, create func() *Room) *Room
	Get(code string) (*Room, bool)
	Delete(code string, room *Room)
	All() []*Room
}

// Broadcaster fans events out per role.
type Broadcaster interface {
	Subscribe(room string, role broadcast.Role, userID string) (<-chan broadcast.Message, func())
	Emit(room string, ev broadcast.Event)
	Close(room string)
}

// Scorer turns an answer into points.
type Scorer interface {
	Score(q domain.Question, a domain.Answer, elapsed time.Duration) (domain.ScoreResult, error)
}

// EventSink receives audit events. Publishing must not block on the broker.
type EventSink interface {
	Publish(ctx context.Context, ev domain.AuditEvent) error
}

// Flusher copies a game's fast-store scores into durable storage.
type Flusher interface {
	FlushGame(ctx context.Context, gameID string) error
}

// Settings tunes room behavior.
type Settings struct {
	TimerTick           time.Duration // 0 disables periodic timer updates
	DefaultQuestionTime time.Duration
	StoreRetries        int
	RetryInterval       time.Duration
	LeaderboardSize     int
	EndFlushTimeout     time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.DefaultQuestionTime <= 0 {
		s.DefaultQuestionTime = 30 * time.Second
	}
	if s.StoreRetries < 0 {
		s.StoreRetries = 0
	}
	if s.RetryInterval <= 0 {
		s.RetryInterval = 50 * time.Millisecond
	}
	if s.LeaderboardSize <= 0 {
		s.LeaderboardSize = 10
	}
	if s.EndFlushTimeout <= 0 {
		s.EndFlushTimeout = 5 * time.Second
	}
	return s
}

// Deps are the collaborators of the Service. Events and Flusher are optional.
type Deps struct {
	Games   GameRepository
	Scores  ScoreStore
	States  RoomStateStore
	Rooms   RoomRegistry
	Router  Broadcaster
	Scorer  Scorer
	Events  EventSink
	Flusher Flusher
	Log     *slog.Logger
	Now     func() time.Time
}

// Service contains the live session use cases. It is built once by the
// composition root and shared by every transport.
type Service struct {
	games    GameRepository
	scores   ScoreStore
	states   RoomStateStore
	rooms    RoomRegistry
	router   Broadcaster
	scorer   Scorer
	events   EventSink
	flusher  Flusher
	resolver *ModeResolver
	settings Settings
	log      *slog.Logger
	now      func() time.Time
}

func NewService(deps Deps, settings Settings) *Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		games:    deps.Games,
		scores:   deps.Scores,
		states:   deps.States,
		rooms:    deps.Rooms,
		router:   deps.Router,
		scorer:   deps.Scorer,
		events:   deps.Events,
		flusher:  deps.Flusher,
		resolver: NewModeResolver(deps.Scores),
		settings: settings.withDefaults(),
		log:      logger.WithComponent(deps.Log, "session"),
		now:      now,
	}
}

// JoinRequest identifies who connects to a room and how.
type JoinRequest struct {
	Code    string
	Role    broadcast.Role
	Profile domain.Profile
	Replay  bool
	Attempt int
}

// Connection is one subscriber of a room. Initial holds the catch-up
// messages to deliver before anything read from Messages.
type Connection struct {
	Code     string
	Role     broadcast.Role
	UserID   string
	Attempt  domain.Attempt
	Initial  []broadcast.Message
	Messages <-chan broadcast.Message

	once    sync.Once
	release func()
}

// Close unsubscribes the connection and reports the leave to the room.
func (c *Connection) Close() {
	c.once.Do(func() {
		if c.release != nil {
			c.release()
		}
	})
}

// Join subscribes a controller, participant or display to a room. Joining a
// completed game is only possible as a replay.
func (s *Service) Join(ctx context.Context, req JoinRequest) (*Connection, error) {
	if req.Role == broadcast.RoleParticipant && req.Profile.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", domain.ErrInvalidPayload)
	}
	if req.Profile.Username == "" {
		req.Profile.Username = req.Profile.UserID
	}
	game, err := s.games.GameByCode(ctx, req.Code)
	if err != nil {
		return nil, err
	}
	if req.Role == broadcast.RoleParticipant && (req.Replay || req.Attempt > 0) {
		return s.joinReplay(ctx, game, req)
	}
	if game.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot join a %s game", domain.ErrSessionEnded, game.Status)
	}
	room, err := s.room(ctx, game)
	if err != nil {
		return nil, err
	}
	return room.join(ctx, req)
}

// ReplaySession is a started deferred attempt.
type ReplaySession struct {
	GameID    string                  `json:"gameId"`
	Attempt   domain.Attempt          `json:"attempt"`
	Questions []domain.PublicQuestion `json:"questions"`
}

// StartReplay allocates a fresh deferred attempt for a participant.
func (s *Service) StartReplay(ctx context.Context, code string, profile domain.Profile) (ReplaySession, error) {
	game, err := s.games.GameByCode(ctx, code)
	if err != nil {
		return ReplaySession{}, err
	}
	return s.startReplay(ctx, game, profile, 0)
}

func (s *Service) startReplay(ctx context.Context, game domain.GameInstance, profile domain.Profile, attempt int) (ReplaySession, error) {
	if profile.UserID == "" {
		return ReplaySession{}, fmt.Errorf("%w: missing user id", domain.ErrInvalidPayload)
	}
	if profile.Username == "" {
		profile.Username = profile.UserID
	}
	if _, err := s.scores.EnsureParticipant(ctx, game.ID, profile, domain.TargetDeferred); err != nil {
		return ReplaySession{}, domain.NewStorageError("ensure participant", err)
	}
	resolved, err := s.resolver.Resolve(ctx, game, Intent{UserID: profile.UserID, Replay: attempt == 0, Attempt: attempt})
	if err != nil {
		return ReplaySession{}, err
	}
	questions := make([]domain.PublicQuestion, 0, len(game.Questions))
	for _, q := range game.Questions {
		questions = append(questions, q.Public())
	}
	s.log.Info("replay started", "code", game.AccessCode, "user_id", profile.UserID, "attempt", resolved.Number)
	return ReplaySession{GameID: game.ID, Attempt: resolved, Questions: questions}, nil
}

func (s *Service) joinReplay(ctx context.Context, game domain.GameInstance, req JoinRequest) (*Connection, error) {
	replay, err := s.startReplay(ctx, game, req.Profile, req.Attempt)
	if err != nil {
		return nil, err
	}
	ch := make(chan broadcast.Message)
	return &Connection{
		Code:     game.AccessCode,
		Role:     broadcast.RoleParticipant,
		UserID:   req.Profile.UserID,
		Attempt:  replay.Attempt,
		Initial:  []broadcast.Message{{Type: broadcast.TypeReplayStarted, Payload: replay}},
		Messages: ch,
		release:  func() { close(ch) },
	}, nil
}

// SubmitRequest is one answer submission. ElapsedMs is only trusted for
// deferred attempts; live answers are timed by the server.
type SubmitRequest struct {
	Code        string
	UserID      string
	Attempt     int
	QuestionUID string
	Answer      domain.Answer
	ElapsedMs   int64
}

// SubmitResult is returned to the submitter only.
type SubmitResult struct {
	Attempt     domain.Attempt `json:"attempt"`
	QuestionUID string         `json:"questionUid"`
	Accepted    bool           `json:"accepted"`
	Score       int64          `json:"score"`
	Correct     bool           `json:"correct"`
	Points      int64          `json:"points"`
}

// SubmitAnswer scores an answer against the live session or, when an
// attempt is given, against that deferred attempt.
func (s *Service) SubmitAnswer(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.UserID == "" || req.QuestionUID == "" {
		return SubmitResult{}, fmt.Errorf("%w: missing user or question", domain.ErrInvalidPayload)
	}
	game, err := s.games.GameByCode(ctx, req.Code)
	if err != nil {
		return SubmitResult{}, err
	}
	if req.Attempt == 0 && game.Status.Terminal() {
		return SubmitResult{}, domain.ErrSessionEnded
	}
	attempt, err := s.resolver.Resolve(ctx, game, Intent{UserID: req.UserID, Attempt: req.Attempt})
	if err != nil {
		return SubmitResult{}, err
	}

	var res SubmitResult
	if attempt.Target == domain.TargetLive {
		room, rerr := s.room(ctx, game)
		if rerr != nil {
			return SubmitResult{}, rerr
		}
		res, err = room.submit(ctx, req)
	} else {
		res, err = s.submitDeferred(ctx, game, attempt, req)
	}
	metrics.Submissions.WithLabelValues(string(attempt.Target), domain.ErrorKind(err)).Inc()
	return res, err
}

func (s *Service) submitDeferred(ctx context.Context, game domain.GameInstance, attempt domain.Attempt, req SubmitRequest) (SubmitResult, error) {
	q, _, ok := game.Question(req.QuestionUID)
	if !ok {
		return SubmitResult{}, fmt.Errorf("%w: %s", domain.ErrQuestionNotFound, req.QuestionUID)
	}
	elapsed := time.Duration(req.ElapsedMs) * time.Millisecond
	if elapsed < 0 {
		elapsed = 0
	}
	scored, err := s.scorer.Score(q, req.Answer, elapsed)
	if err != nil {
		return SubmitResult{}, err
	}

	now := s.now()
	outcome, err := s.applyScore(ctx, domain.ScoreMutation{
		GameID:      game.ID,
		UserID:      req.UserID,
		Attempt:     attempt,
		QuestionUID: q.UID,
		Delta:       scored.Points,
		Record: domain.AnswerRecord{
			QuestionUID: q.UID,
			Answer:      req.Answer,
			Correct:     scored.IsCorrect,
			Points:      scored.Points,
			ElapsedMs:   elapsed.Milliseconds(),
			AnsweredAt:  now,
		},
	})
	if err != nil {
		return SubmitResult{}, err
	}
	if !outcome.Accepted {
		return SubmitResult{Attempt: attempt, QuestionUID: q.UID, Score: outcome.NewScore}, domain.ErrDuplicateSubmission
	}
	s.publish(ctx, domain.AuditEvent{
		Kind:        domain.AuditAnswerScored,
		GameID:      game.ID,
		AccessCode:  game.AccessCode,
		UserID:      req.UserID,
		Attempt:     attempt.Key(),
		QuestionUID: q.UID,
		Correct:     scored.IsCorrect,
		Points:      scored.Points,
		Score:       outcome.NewScore,
		At:          now,
	})
	return SubmitResult{
		Attempt:     attempt,
		QuestionUID: q.UID,
		Accepted:    true,
		Score:       outcome.NewScore,
		Correct:     scored.IsCorrect,
		Points:      scored.Points,
	}, nil
}

// Timer actions.
const (
	TimerStart       = "start"
	TimerPause       = "pause"
	TimerResume      = "resume"
	TimerStop        = "stop"
	TimerSetDuration = "set_duration"
)

// TimerRequest is a controller timer action.
type TimerRequest struct {
	Code        string
	Action      string
	QuestionUID string
	DurationMs  int64
	Restart     bool
}

// TimerAction applies a controller timer action to the room's timer.
func (s *Service) TimerAction(ctx context.Context, req TimerRequest) (domain.TimerUpdate, error) {
	room, err := s.liveRoom(ctx, req.Code)
	if err != nil {
		return domain.TimerUpdate{}, err
	}
	upd, err := room.timerAction(ctx, req)
	metrics.TimerActions.WithLabelValues(req.Action, metrics.Outcome(err)).Inc()
	return upd, err
}

// AdvanceQuestion stops the current question and opens the next one, or
// ends the session when no question is left.
func (s *Service) AdvanceQuestion(ctx context.Context, code string) error {
	room, err := s.liveRoom(ctx, code)
	if err != nil {
		return err
	}
	return room.advance(ctx)
}

// EndSession completes the session, or cancels it if it never started.
func (s *Service) EndSession(ctx context.Context, code string) (domain.SessionSummary, error) {
	room, err := s.liveRoom(ctx, code)
	if err != nil {
		return domain.SessionSummary{}, err
	}
	return room.end(ctx, domain.EndReasonControllerEnded)
}

// Leaderboard reads the top n entries of a game. n <= 0 returns all.
func (s *Service) Leaderboard(ctx context.Context, code string, target domain.Target, n int) (domain.Leaderboard, error) {
	game, err := s.games.GameByCode(ctx, code)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	entries, err := s.scores.TopN(ctx, game.ID, target, n)
	if err != nil {
		return domain.Leaderboard{}, domain.NewStorageError("top n", err)
	}
	return domain.Leaderboard{GameID: game.ID, Target: target, Entries: entries, UpdatedAt: s.now()}, nil
}

// RankOf reads one participant's standing.
func (s *Service) RankOf(ctx context.Context, code string, target domain.Target, userID string) (domain.LeaderboardEntry, error) {
	game, err := s.games.GameByCode(ctx, code)
	if err != nil {
		return domain.LeaderboardEntry{}, err
	}
	entry, err := s.scores.RankOf(ctx, game.ID, target, userID)
	if err != nil {
		return domain.LeaderboardEntry{}, domain.NewStorageError("rank of", err)
	}
	return entry, nil
}

// Shutdown stops every room without ending its session; rooms resume from
// their persisted state on the next start.
func (s *Service) Shutdown(ctx context.Context) {
	for _, room := range s.rooms.All() {
		if err := room.shutdown(ctx); err != nil && !errors.Is(err, domain.ErrSessionEnded) {
			s.log.Warn("room shutdown failed", "code", room.Code(), "error", err)
		}
	}
}

func (s *Service) liveRoom(ctx context.Context, code string) (*Room, error) {
	game, err := s.games.GameByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if game.Status.Terminal() {
		return nil, domain.ErrSessionEnded
	}
	return s.room(ctx, game)
}

// room returns the running room of game, restoring it from the fast store
// when this process has none.
func (s *Service) room(ctx context.Context, game domain.GameInstance) (*Room, error) {
	if room, ok := s.rooms.Get(game.AccessCode); ok {
		return room, nil
	}

	var restored *domain.RoomState
	if state, ok, err := s.states.LoadRoomState(ctx, game.ID); err != nil {
		s.log.Warn("room state unavailable, starting fresh", "code", game.AccessCode, "error", err)
	} else if ok {
		restored = &state
	}
	records, err := s.scores.Participants(ctx, game.ID)
	if err != nil {
		return nil, domain.NewStorageError("load participants", err)
	}

	return s.rooms.GetOrCreate(game.AccessCode, func() *Room {
		return newRoom(s, game, restored, records)
	}), nil
}

// applyScore retries transient store failures with backoff.
func (s *Service) applyScore(ctx context.Context, m domain.ScoreMutation) (domain.ScoreOutcome, error) {
	var outcome domain.ScoreOutcome
	err := s.retry(ctx, "apply score", func() error {
		var err error
		outcome, err = s.scores.ApplyScore(ctx, m)
		return err
	})
	return outcome, err
}

func (s *Service) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.settings.RetryInterval
	b.MaxInterval = 10 * s.settings.RetryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.settings.StoreRetries)), ctx)

	err := backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !errors.Is(err, domain.ErrStorageUnavailable) && isDomainError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		metrics.StoreRetries.Inc()
		s.log.Warn("store call failed, retrying", "op", op, "wait", wait, "error", err)
	})
	if err != nil && !isDomainError(err) {
		return domain.NewStorageError(op, err)
	}
	return err
}

func isDomainError(err error) bool {
	return domain.ErrorKind(err) != domain.KindInternal && domain.ErrorKind(err) != domain.KindStorageUnavailable
}

func (s *Service) publish(ctx context.Context, ev domain.AuditEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Warn("audit event dropped", "kind", ev.Kind, "game_id", ev.GameID, "error", err)
	}
}
