package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/broadcast"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/memory"
	"live-quiz-service/internal/scoring"
	"live-quiz-service/internal/worker"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (s *recordingSink) Publish(_ context.Context, ev domain.AuditEvent) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

// failingScores accepts joins but cannot record answers.
type failingScores struct {
	*memory.ScoreStore
}

func (failingScores) ApplyScore(context.Context, domain.ScoreMutation) (domain.ScoreOutcome, error) {
	return domain.ScoreOutcome{}, errors.New("connection refused")
}

type fixture struct {
	service  *app.Service
	loader   *memory.StaticGameLoader
	scores   *memory.ScoreStore
	states   *memory.RoomStateStore
	archive  *memory.ScoreArchive
	sink     *recordingSink
	clock    *clock
	settings app.Settings
}

type option func(*app.Deps)

func withScores(s app.ScoreStore) option {
	return func(d *app.Deps) { d.Scores = s }
}

func newFixture(t *testing.T, games []domain.GameInstance, opts ...option) *fixture {
	t.Helper()
	f := &fixture{
		loader:   memory.NewStaticGameLoader(games...),
		scores:   memory.NewScoreStore(nil),
		states:   memory.NewRoomStateStore(),
		archive:  memory.NewScoreArchive(),
		sink:     &recordingSink{},
		clock:    &clock{now: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)},
		settings: app.Settings{StoreRetries: 1, RetryInterval: time.Millisecond},
	}
	f.service = f.build(opts...)
	t.Cleanup(func() { f.service.Shutdown(context.Background()) })
	return f
}

// build wires a fresh service over the fixture's stores, as a restarted
// process would.
func (f *fixture) build(opts ...option) *app.Service {
	deps := app.Deps{
		Games:   memory.NewGameCache(f.loader, time.Minute),
		Scores:  f.scores,
		States:  f.states,
		Rooms:   memory.NewRoomRegistry(),
		Router:  broadcast.NewRouter(64, nil),
		Scorer:  scoring.NewEngine(scoring.DefaultPolicy()),
		Events:  f.sink,
		Flusher: worker.NewFlusher(f.scores, f.archive, worker.Options{Retries: 1, RetryInterval: time.Millisecond}, nil),
		Now:     f.clock.Now,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return app.NewService(deps, f.settings)
}

func quizGame() domain.GameInstance {
	return domain.GameInstance{
		ID:         "game-1",
		AccessCode: "QUIZ01",
		Mode:       domain.PlayModeQuiz,
		Questions: []domain.Question{
			{
				UID:  "q1",
				Kind: domain.QuestionKindMultipleChoice,
				Options: []domain.Option{
					{ID: "a", Text: "Paris", Correct: true},
					{ID: "b", Text: "Lyon"},
				},
				TimeLimitMs: 20000,
			},
			{UID: "q2", Kind: domain.QuestionKindNumeric, Target: 42, Tolerance: 1, TimeLimitMs: 20000},
		},
	}
}

func join(t *testing.T, svc *app.Service, code string, role broadcast.Role, userID string) *app.Connection {
	t.Helper()
	conn, err := svc.Join(context.Background(), app.JoinRequest{
		Code:    code,
		Role:    role,
		Profile: domain.Profile{UserID: userID, Username: strings.ToUpper(userID)},
	})
	if err != nil {
		t.Fatalf("join %s as %s: %v", userID, role, err)
	}
	t.Cleanup(conn.Close)
	return conn
}

func waitFor(t *testing.T, ch <-chan broadcast.Message, typ string) broadcast.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed while waiting for %s", typ)
			}
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func encode(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func submit(svc *app.Service, code, userID, question string, answer domain.Answer) (app.SubmitResult, error) {
	return svc.SubmitAnswer(context.Background(), app.SubmitRequest{Code: code, UserID: userID, QuestionUID: question, Answer: answer})
}

func choice(ids ...string) domain.Answer {
	return domain.Answer{OptionIDs: ids}
}

func TestCorrectAndIncorrectAnswers(t *testing.T) {
	f := newFixture(t, []domain.GameInstance{quizGame()})
	ctx := context.Background()
	ctrl := join(t, f.service, "QUIZ01", broadcast.RoleController, "host")
	join(t, f.service, "QUIZ01", broadcast.RoleParticipant, "alice")
	join(t, f.service, "QUIZ01", broadcast.RoleParticipant, "bob")

	if err := f.service.AdvanceQuestion(ctx, "QUIZ01"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	f.clock.Add(10 * time.Second)

	right, err := submit(f.service, "QUIZ01", "alice", "q1", choice("a"))
	if err != nil {
		t.Fatalf("alice: %v", err)
	}
	if !right.Accepted || !right.Correct || right.Points <= 500 || right.Points >= 1000 {
		t.Fatalf("expected decayed points for a correct answer, got %+v", right)
	}
	wrong, err := submit(f.service, "QUIZ01", "bob", "q1", choice("b"))
	if err != nil {
		t.Fatalf("bob: %v", err)
	}
	if wrong.Correct || wrong.Points != 0 || wrong.Score != 0 {
		t.Fatalf("wrong answer must score nothing, got %+v", wrong)
	}

	recorded := waitFor(t, ctrl.Messages, broadcast.TypeAnswerRecorded)
	if !strings.Contains(encode(t, recorded), `"alice"`) {
		t.Fatalf("controller must see who answered: %s", encode(t, recorded))
	}

	lb, err := f.service.Leaderboard(ctx, "QUIZ01", domain.TargetLive, 10)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(lb.Entries) != 2 || lb.Entries[0].UserID != "alice" || lb.Entries[0].Score != right.Points {
		t.Fatalf("unexpected leaderboard: %+v", lb.Entries)
	}
}

func TestLateJoinerCatchesUp(t *testing.T) {
	f := newFixture(t, []domain.GameInstance{quizGame()})
	ctx := context.Background()
	join(t, f.service, "QUIZ01", broadcast.RoleParticipant, "alice")
	for i := 0; i < 2; i++ {
		if err := f.service.AdvanceQuestion(ctx, "QUIZ01"); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}

	late := join(t, f.service, "QUIZ01", broadcast.RoleParticipant, "carol")
	types := make([]string, 0, len(late.Initial))
	for _, msg := range late.Initial {
		types = append(types, msg.Type)
	}
	if len(late.Initial) < 3 || late.Initial[0].Type != broadcast.TypeQuestionReady {
		t.Fatalf("expected question, timer and leaderboard, got %v", types)
	}
	if body := encode(t, late.Initial[0]); !strings.Contains(body, `"uid":"q2"`) {
		t.Fatalf("late joiner must see the current question: %s", body)
	}

	entry, err := f.service.RankOf(ctx, "QUIZ01", domain.TargetLive, "carol")
	if err != nil || entry.Score != 0 {
		t.Fatalf("late joiner must start at zero: %+v err=%v", entry, err)
	}
	if _, err := submit(f.service, "QUIZ01", "carol", "q2", domain.Answer{Value: ptr(42)}); err != nil {
		t.Fatalf("late joiner answer: %v", err)
	}
	if _, err := submit(f.service, "QUIZ01", "carol", "q1", choice("a")); !errors.Is(err, domain.ErrQuestionClosed) {
		t.Fatalf("expected closed question, got %v", err)
	}
}

func ptr(v float64) *float64 {
	return &v
}

func TestEndAfterParticipantsLeave(t *testing.T) {
	f := newFixture(t, []domain.GameInstance{quizGame()})
	ctx := context.Background()
	ctrl := join(t, f.service, "QUIZ01", broadcast.RoleController, "host")
	alice := join(t, f.service, "QUIZ01", broadcast.RoleParticipant, "alice")
	if err := f.service.AdvanceQuestion(ctx, "QUIZ01"); err != nil {
		t.Fatalf("advance: %v", err)
	}

	alice.Close()
	left := waitFor(t, ctrl.Messages, broadcast.TypeParticipantLeft)
	if !strings.Contains(encode(t, left), `"alice"`) {
		t.Fatalf("controller must see alice leave: %s", encode(t, left))
	}

	summary, err := f.service.EndSession(ctx, "QUIZ01")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if summary.Status != domain.GameStatusCompleted || summary.Reason != domain.EndReasonControllerEnded {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.QuestionsAsked != 1 || len(summary.Leaderboard) != 1 || summary.Leaderboard[0].Score != 0 {
		t.Fatalf("unexpected summary content: %+v", summary)
	}
	waitFor(t, ctrl.Messages, broadcast.TypeSessionEnded)
	game, _ := f.loader.LoadGame(ctx, "QUIZ01")
	if game.Status != domain.GameStatusCompleted {
		t.Fatalf("status not persisted, got %s", game.Status)
	}
}

func TestEndPendingGameCancels(t *testing.T) {
	f := newFixture(t, []domain.GameInstance{quizGame()})
	ctx := context.Background()
	join(t, f.service, "QUIZ01", broadcast.RoleController, "host")

	summary, err := f.service.EndSession(ctx, "QUIZ01")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if summary.Status != domain.GameStatusCancelled {
		t.Fatalf("expected cancelled, got %s", summary.Status)
	}
	if _, err := f.service.StartReplay(ctx, "QUIZ01", domain.Profile{UserID: "alice"}); !errors.Is(err, domain.ErrSessionEnded) {
		t.Fatalf("cancelled games cannot be replayed, got %v", err)
	}
}

func TestSoloTournament(t *testing.T) {
	game := quizGame()
	game.Mode = domain.PlayModeTournament
	f := newFixture(t, []domain.GameInstance{game})
	ctx := context.Background()
	solo := join(t, f.service, "QUIZ01", broadcast.RoleParticipant, "alice")

	if err := f.service.AdvanceQuestion(ctx, "QUIZ01"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	first, err := submit(f.service, "QUIZ01", "alice", "q1", choice("a"))
	if err != nil || !first.Correct {
		t.Fatalf("q1: %+v err=%v", first, err)
	}
	if err := f.service.AdvanceQuestion(ctx, "QUIZ01"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	f.clock.Add(5 * time.Second)
	second, err := submit(f.service, "QUIZ01", "alice", "q2", domain.Answer{Value: ptr(42)})
	if err != nil || !second.Correct {
		t.Fatalf("q2: %+v err=%v", second, err)
	}
	if second.Score != first.Points+second.Points {
		t.Fatalf("expected score %d, got %d", first.Points+second.Points, second.Score)
	}
	if err := f.service.AdvanceQuestion(ctx, "QUIZ01"); err != nil {
		t.Fatalf("advance past the last question: %v", err)
	}

	ended := waitFor(t, solo.Messages, broadcast.TypeSessionEnded)
	body := encode(t, ended)
	if !strings.Contains(body, `"rank":1`) || !strings.Contains(body, domain.EndReasonQuestionsExhausted) {
		t.Fatalf("solo participant must finish first: %s", body)
	}
	lb, err := f.service.Leaderboard(ctx, "QUIZ01", domain.TargetLive, 0)
	if err != nil || len(lb.Entries) != 1 || lb.Entries[0].Rank != 1 || lb.Entries[0].Score != second.Score {
		t.Fatalf("expected a single ranked entry, got %+v err=%v", lb.Entries, err)
	}
}

func TestSetDurationKeepsFasterAnswersAhead(t *testing.T) {
	f := newFixture(t, []domain.GameInstance{quizGame()})
	ctx := context.Background()
	join(t, f.service, "QUIZ01", broadcast.RoleParticipant, "alice")
	join(t, f.service, "QUIZ01", broadcast.RoleParticipant, "bob")
	if err := f.service.AdvanceQuestion(ctx, "QUIZ01"); err != nil {
		t.Fatalf("advance: %v", err)
	}

	f.clock.Add(10 * time.Second)
	early, err := submit(f.service, "QUIZ01", "alice", "q1", choice("a"))
	if err != nil || !early.Correct {
		t.Fatalf("alice: %+v err=%v", early, err)
	}
	f.clock.Add(time.Second)
	if _, err := f.service.TimerAction(ctx, app.TimerRequest{Code: "QUIZ01", Action: app.TimerSetDuration, DurationMs: 120000}); err != nil {
		t.Fatalf("set duration: %v", err)
	}
	f.clock.Add(time.Second)
	late, err := submit(f.service, "QUIZ01", "bob", "q1", choice("a"))
	if err != nil || !late.Correct {
		t.Fatalf("bob: %+v err=%v", late, err)
	}
	if late.Points > early.Points {
		t.Fatalf("slower correct answer scored more: %d > %d", late.Points, early.Points)
	}
	if early.Points != 750 || late.Points != 700 {
		t.Fatalf("expected 750 and 700, got %d and %d", early.Points, late.Points)
	}
}

func TestDuplicateSubmission(t *testing.T) {
	f := newFixture(t, []domain.GameInstance{quizGame()})
	ctx := context.Background()
	join(t, f.service, "QUIZ01", broadcast.RoleParticipant, "alice")
	if err := f.service.AdvanceQuestion(ctx, "QUIZ01"); err != nil {
		t.Fatalf("advance: %v", err)
	}

	first, err := submit(f.service, "QUIZ01", "alice", "q1", choice("a"))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := submit(f.service, "QUIZ01", "alice", "q1", choice("b"))
	if !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate submission, got %v", err)
	}
	if second.Score != first.Score {
		t.Fatalf("duplicate changed the score: %d -> %d", first.Score, second.Score)
	}
}

func TestSubmitRules(t *testing.T) {
	f := newFixture(t, []domain.GameInstance{quizGame()})
	ctx := context.Background()
	join(t, f.service, "QUIZ01", broadcast.RoleParticipant, "alice")

	if _, err := submit(f.service, "QUIZ01", "alice", "q1", choice("a")); !errors.Is(err, domain.ErrSessionNotStarted) {
		t.Fatalf("expected not started, got %v", err)
	}
	if err := f.service.AdvanceQuestion(ctx, "QUIZ01"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := submit(f.service, "QUIZ01", "mallory", "q1", choice("a")); !errors.Is(err, domain.ErrUnknownParticipant) {
		t.Fatalf("expected unknown participant, got %v", err)
	}
	if _, err := submit(f.service, "QUIZ01", "alice", "q9", choice("a")); !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected unknown question, got %v", err)
	}
	if _, err := submit(f.service, "QUIZ01", "alice", "q2", domain.Answer{Value: ptr(42)}); !errors.Is(err, domain.ErrQuestionClosed) {
		t.Fatalf("expected closed question, got %v", err)
	}
	if _, err := submit(f.service, "NOPE", "alice", "q1", choice("a")); !errors.Is(err, domain.ErrGameNotFound) {
		t.Fatalf("expected game not found, got %v", err)
	}
}

func TestJoinAfterCompletion(t *testing.T) {
	f := newFixture(t, []domain.GameInstance{quizGame()})
	ctx := context.Background()
	join(t, f.service, "QUIZ01", broadcast.RoleParticipant, "alice")
	if err := f.service.AdvanceQuestion(ctx, "QUIZ01"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := f.service.EndSession(ctx, "QUIZ01"); err != nil {
		t.Fatalf("end: %v", err)
	}

	_, err := f.service.Join(ctx, app.JoinRequest{Code: "QUIZ01", Role: broadcast.RoleParticipant, Profile: domain.Profile{UserID: "bob"}})
	if !errors.Is(err, domain.ErrSessionEnded) {
		t.Fatalf("expected session ended, got %v", err)
	}
	if _, err := f.service.EndSession(ctx, "QUIZ01"); !errors.Is(err, domain.ErrSessionEnded) {
		t.Fatalf("second end must fail, got %v", err)
	}
	if err := f.service.AdvanceQuestion(ctx, "QUIZ01"); !errors.Is(err, domain.ErrSessionEnded) {
		t.Fatalf("advance after end must fail, got %v", err)
	}
}

func TestDeferredReplayKeepsLiveScore(t *testing.T) {
	f := newFixture(t, []domain.GameInstance{quizGame()})
	ctx := context.Background()
	join(t, f.service, "QUIZ01", broadcast.RoleParticipant, "alice")
	if err := f.service.AdvanceQuestion(ctx, "QUIZ01"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	live, err := submit(f.service, "QUIZ01", "alice", "q1", choice("b"))
	if err != nil {
		t.Fatalf("live: %v", err)
	}
	if _, err := f.service.EndSession(ctx, "QUIZ01"); err != nil {
		t.Fatalf("end: %v", err)
	}

	conn, err := f.service.Join(ctx, app.JoinRequest{Code: "QUIZ01", Role: broadcast.RoleParticipant, Profile: domain.Profile{UserID: "alice"}, Replay: true})
	if err != nil {
		t.Fatalf("replay join: %v", err)
	}
	defer conn.Close()
	if conn.Attempt.Target != domain.TargetDeferred || conn.Attempt.Number != 1 {
		t.Fatalf("expected deferred attempt 1, got %+v", conn.Attempt)
	}
	if body := encode(t, conn.Initial); strings.Contains(body, `"correct"`) {
		t.Fatalf("replay questions must hide the answer key: %s", body)
	}

	res, err := f.service.SubmitAnswer(ctx, app.SubmitRequest{Code: "QUIZ01", UserID: "alice", Attempt: 1, QuestionUID: "q1", Answer: choice("a"), ElapsedMs: 0})
	if err != nil {
		t.Fatalf("deferred submit: %v", err)
	}
	if res.Attempt.Target != domain.TargetDeferred || res.Points != 1000 {
		t.Fatalf("unexpected deferred result: %+v", res)
	}
	if _, err := f.service.SubmitAnswer(ctx, app.SubmitRequest{Code: "QUIZ01", UserID: "alice", Attempt: 2, QuestionUID: "q1", Answer: choice("a")}); !errors.Is(err, domain.ErrUnknownAttempt) {
		t.Fatalf("expected unknown attempt, got %v", err)
	}

	rec, err := f.scores.Participant(ctx, "game-1", "alice")
	if err != nil {
		t.Fatalf("participant: %v", err)
	}
	if rec.LiveScore != live.Score || rec.DeferredScore != 1000 {
		t.Fatalf("scores crossed: live=%d deferred=%d", rec.LiveScore, rec.DeferredScore)
	}
}

func TestTimerExpiryStopsQuestion(t *testing.T) {
	game := quizGame()
	game.Questions[0].TimeLimitMs = 200
	f := newFixture(t, []domain.GameInstance{game})
	ctx := context.Background()
	ctrl := join(t, f.service, "QUIZ01", broadcast.RoleController, "host")
	join(t, f.service, "QUIZ01", broadcast.RoleParticipant, "alice")

	if err := f.service.AdvanceQuestion(ctx, "QUIZ01"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	f.clock.Add(time.Second)

	reveal := waitFor(t, ctrl.Messages, broadcast.TypeCorrectAnswers)
	if body := encode(t, reveal); !strings.Contains(body, `"q1"`) {
		t.Fatalf("unexpected reveal: %s", body)
	}
	if _, err := submit(f.service, "QUIZ01", "alice", "q1", choice("a")); !errors.Is(err, domain.ErrQuestionClosed) {
		t.Fatalf("expected closed question after expiry, got %v", err)
	}
}

func TestTimerActions(t *testing.T) {
	f := newFixture(t, []domain.GameInstance{quizGame()})
	ctx := context.Background()
	join(t, f.service, "QUIZ01", broadcast.RoleParticipant, "alice")

	upd, err := f.service.TimerAction(ctx, app.TimerRequest{Code: "QUIZ01", Action: app.TimerStart, QuestionUID: "q1"})
	if err != nil || upd.Status != domain.TimerRun || upd.RemainingMs != 20000 {
		t.Fatalf("start: %+v err=%v", upd, err)
	}
	f.clock.Add(5 * time.Second)
	upd, err = f.service.TimerAction(ctx, app.TimerRequest{Code: "QUIZ01", Action: app.TimerPause})
	if err != nil || upd.Status != domain.TimerPause || upd.RemainingMs != 15000 {
		t.Fatalf("pause: %+v err=%v", upd, err)
	}

	// paused questions still accept answers
	if _, err := submit(f.service, "QUIZ01", "alice", "q1", choice("a")); err != nil {
		t.Fatalf("answer while paused: %v", err)
	}

	f.clock.Add(time.Minute)
	upd, err = f.service.TimerAction(ctx, app.TimerRequest{Code: "QUIZ01", Action: app.TimerResume})
	if err != nil || upd.Status != domain.TimerRun || upd.RemainingMs != 15000 {
		t.Fatalf("resume: %+v err=%v", upd, err)
	}
	upd, err = f.service.TimerAction(ctx, app.TimerRequest{Code: "QUIZ01", Action: app.TimerStop})
	if err != nil || upd.Status != domain.TimerStop {
		t.Fatalf("stop: %+v err=%v", upd, err)
	}
	if _, err := f.service.TimerAction(ctx, app.TimerRequest{Code: "QUIZ01", Action: app.TimerPause}); !errors.Is(err, domain.ErrTimerState) {
		t.Fatalf("expected timer state error, got %v", err)
	}
	if _, err := f.service.TimerAction(ctx, app.TimerRequest{Code: "QUIZ01", Action: "rewind"}); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
}

func TestScoreStoreFailureNotifiesController(t *testing.T) {
	f := newFixture(t, []domain.GameInstance{quizGame()})
	f.service.Shutdown(context.Background())
	f.service = f.build(withScores(failingScores{f.scores}))
	ctx := context.Background()
	ctrl := join(t, f.service, "QUIZ01", broadcast.RoleController, "host")
	alice := join(t, f.service, "QUIZ01", broadcast.RoleParticipant, "alice")
	if err := f.service.AdvanceQuestion(ctx, "QUIZ01"); err != nil {
		t.Fatalf("advance: %v", err)
	}

	if _, err := submit(f.service, "QUIZ01", "alice", "q1", choice("a")); !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	failed := waitFor(t, ctrl.Messages, broadcast.TypeScoreUpdateFailed)
	if body := encode(t, failed); !strings.Contains(body, `"alice"`) {
		t.Fatalf("unexpected failure event: %s", body)
	}

	for {
		select {
		case msg := <-alice.Messages:
			if msg.Type == broadcast.TypeScoreUpdateFailed {
				t.Fatalf("participants must not see operator failures")
			}
		default:
			return
		}
	}
}

func TestEndPublishesAndFlushes(t *testing.T) {
	f := newFixture(t, []domain.GameInstance{quizGame()})
	ctx := context.Background()
	join(t, f.service, "QUIZ01", broadcast.RoleParticipant, "alice")
	if err := f.service.AdvanceQuestion(ctx, "QUIZ01"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	res, err := submit(f.service, "QUIZ01", "alice", "q1", choice("a"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.service.EndSession(ctx, "QUIZ01"); err != nil {
		t.Fatalf("end: %v", err)
	}

	kinds := f.sink.kinds()
	if len(kinds) != 2 || kinds[0] != domain.AuditAnswerScored || kinds[1] != domain.AuditSessionEnded {
		t.Fatalf("unexpected audit events: %v", kinds)
	}
	row, ok, _ := f.archive.Get(ctx, "game-1", "alice")
	if !ok || row.LiveScore != res.Score {
		t.Fatalf("final flush missing: %+v ok=%v", row, ok)
	}
}

func TestRoomResumesAfterShutdown(t *testing.T) {
	f := newFixture(t, []domain.GameInstance{quizGame()})
	ctx := context.Background()
	join(t, f.service, "QUIZ01", broadcast.RoleParticipant, "alice")
	if err := f.service.AdvanceQuestion(ctx, "QUIZ01"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	f.clock.Add(4 * time.Second)
	f.service.Shutdown(ctx)

	f.service = f.build()
	display := join(t, f.service, "QUIZ01", broadcast.RoleDisplay, "")
	if len(display.Initial) == 0 || display.Initial[0].Type != broadcast.TypeQuestionReady {
		t.Fatalf("restored room must resend the current question, got %+v", display.Initial)
	}
	if body := encode(t, display.Initial); !strings.Contains(body, `"remainingMs":16000`) {
		t.Fatalf("timer not restored: %s", body)
	}
	if _, err := submit(f.service, "QUIZ01", "alice", "q1", choice("a")); err != nil {
		t.Fatalf("participants survive a restart: %v", err)
	}
}

func TestRunningTimerTicksAndPresence(t *testing.T) {
	f := newFixture(t, []domain.GameInstance{quizGame()})
	ctx := context.Background()
	f.service.Shutdown(ctx)
	f.settings.TimerTick = 10 * time.Millisecond
	f.service = f.build()

	ctrl := join(t, f.service, "QUIZ01", broadcast.RoleController, "host")
	display := join(t, f.service, "QUIZ01", broadcast.RoleDisplay, "")
	alice, err := f.service.Join(ctx, app.JoinRequest{Code: "QUIZ01", Role: broadcast.RoleParticipant, Profile: domain.Profile{UserID: "alice"}})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, ctrl.Messages, broadcast.TypeParticipantJoined)

	if err := f.service.AdvanceQuestion(ctx, "QUIZ01"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	waitFor(t, display.Messages, broadcast.TypeQuestionReady)
	// the transition update, then at least two periodic ones
	for i := 0; i < 3; i++ {
		waitFor(t, display.Messages, broadcast.TypeTimerUpdated)
	}

	alice.Close()
	left := waitFor(t, ctrl.Messages, broadcast.TypeParticipantLeft)
	if body := encode(t, left); !strings.Contains(body, `"alice"`) {
		t.Fatalf("controller must see who left: %s", body)
	}
}
