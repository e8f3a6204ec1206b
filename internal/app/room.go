package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"live-quiz-service/internal/broadcast"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/metrics"
	"live-quiz-service/internal/timer"
)

const (
	inboxSize         = 64
	backgroundTimeout = 5 * time.Second
)

// Room is the single writer of one live game. Every timer, question and
// live-score mutation runs on its goroutine, in arrival order.
type Room struct {
	svc  *Service
	code string
	game domain.GameInstance
	log  *slog.Logger

	timer         *timer.Controller
	questionIndex int
	joined        map[string]domain.Profile
	online        map[string]int
	stats         map[string]*questionStats

	generation uint64
	expiry     *time.Timer
	stopTick   chan struct{}
	ended      bool

	inbox chan func()
	done  chan struct{}
}

type questionStats struct {
	answered map[string]bool
	correct  int
	byOption map[string]int
}

func newRoom(svc *Service, game domain.GameInstance, restored *domain.RoomState, records []domain.ParticipantRecord) *Room {
	r := &Room{
		svc:           svc,
		code:          game.AccessCode,
		game:          game,
		log:           svc.log.With("code", game.AccessCode, "game_id", game.ID),
		timer:         timer.NewController(svc.now),
		questionIndex: -1,
		joined:        make(map[string]domain.Profile, len(records)),
		online:        make(map[string]int),
		stats:         make(map[string]*questionStats),
		inbox:         make(chan func(), inboxSize),
		done:          make(chan struct{}),
	}
	for _, rec := range records {
		r.joined[rec.Profile.UserID] = rec.Profile
	}
	if restored != nil && restored.QuestionIndex < len(game.Questions) {
		r.questionIndex = restored.QuestionIndex
		r.timer.Restore(restored.Timer)
		if restored.Timer.Status == domain.TimerRun {
			r.armTimer()
		}
		r.log.Info("room restored", "question_index", r.questionIndex, "timer", restored.Timer.Status)
	}
	metrics.ActiveRooms.Inc()
	go r.run()
	return r
}

func (r *Room) Code() string {
	return r.code
}

// Done is closed once the room stopped processing actions.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

func (r *Room) run() {
	defer close(r.done)
	for fn := range r.inbox {
		fn()
		if r.ended {
			return
		}
	}
}

// do runs fn on the room goroutine and waits for its result.
func (r *Room) do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case r.inbox <- func() { errCh <- fn() }:
	case <-r.done:
		return domain.ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-r.done:
		select {
		case err := <-errCh:
			return err
		default:
			return domain.ErrSessionEnded
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting for it.
func (r *Room) post(fn func()) {
	select {
	case r.inbox <- fn:
	case <-r.done:
	}
}

func (r *Room) join(ctx context.Context, req JoinRequest) (*Connection, error) {
	var conn *Connection
	err := r.do(ctx, func() error {
		if r.ended {
			return domain.ErrSessionEnded
		}
		userID := req.Profile.UserID
		if req.Role == broadcast.RoleParticipant {
			rec, err := r.svc.scores.EnsureParticipant(ctx, r.game.ID, req.Profile, domain.TargetLive)
			if err != nil {
				return domain.NewStorageError("ensure participant", err)
			}
			r.joined[userID] = rec.Profile
		}

		msgs, unsubscribe := r.svc.router.Subscribe(r.code, req.Role, userID)
		conn = &Connection{
			Code:     r.code,
			Role:     req.Role,
			UserID:   userID,
			Attempt:  domain.LiveAttempt,
			Initial:  r.catchUp(ctx, req.Role, userID),
			Messages: msgs,
		}
		conn.release = func() {
			unsubscribe()
			if req.Role == broadcast.RoleParticipant {
				r.post(func() { r.leave(req.Profile) })
			}
		}

		if req.Role == broadcast.RoleParticipant {
			r.online[userID]++
			r.svc.router.Emit(r.code, broadcast.ParticipantPresence{Profile: r.joined[userID], Joined: true, Online: len(r.online), At: r.svc.now()})
			r.log.Info("participant joined", "user_id", userID, "online", len(r.online))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (r *Room) leave(profile domain.Profile) {
	if r.ended {
		return
	}
	if r.online[profile.UserID] > 1 {
		r.online[profile.UserID]--
		return
	}
	delete(r.online, profile.UserID)
	r.svc.router.Emit(r.code, broadcast.ParticipantPresence{Profile: profile, Joined: false, Online: len(r.online), At: r.svc.now()})
	r.log.Info("participant left", "user_id", profile.UserID, "online", len(r.online))
}

// catchUp is what a fresh subscriber needs to observe the current state:
// the current question, the timer and the leaderboard.
func (r *Room) catchUp(ctx context.Context, role broadcast.Role, userID string) []broadcast.Message {
	var events []broadcast.Event
	if q, ok := r.currentQuestion(); ok {
		snap := r.timer.Snapshot()
		events = append(events,
			broadcast.QuestionReady{Question: q, Progress: r.progress(), Timer: snap},
			broadcast.TimerUpdated{Update: snap},
		)
	}
	if lb, ok := r.leaderboardEvent(ctx, userID); ok {
		events = append(events, lb)
	}

	out := make([]broadcast.Message, 0, len(events))
	for _, ev := range events {
		if msg, ok := broadcast.Shape(ev, role, userID); ok {
			out = append(out, msg)
		}
	}
	return out
}

func (r *Room) submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	var res SubmitResult
	err := r.do(ctx, func() error {
		if r.ended || r.game.Status.Terminal() {
			return domain.ErrSessionEnded
		}
		if r.game.Status == domain.GameStatusPending {
			return domain.ErrSessionNotStarted
		}
		profile, ok := r.joined[req.UserID]
		if !ok {
			return domain.ErrUnknownParticipant
		}
		r.expireIfDue(ctx)

		q, _, ok := r.game.Question(req.QuestionUID)
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrQuestionNotFound, req.QuestionUID)
		}
		if !r.timer.Open(q.UID) {
			return domain.ErrQuestionClosed
		}

		// The decay limit stays the question's own limit. Duration changes
		// move the deadline only.
		now := r.svc.now()
		elapsed := timer.Elapsed(r.timer.Window(), now)
		q.TimeLimitMs = r.questionDuration(q).Milliseconds()
		scored, err := r.svc.scorer.Score(q, req.Answer, elapsed)
		if err != nil {
			return err
		}

		outcome, err := r.svc.applyScore(ctx, domain.ScoreMutation{
			GameID:      r.game.ID,
			UserID:      req.UserID,
			Attempt:     domain.LiveAttempt,
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
			r.log.Error("score update failed", "user_id", req.UserID, "question_uid", q.UID, "error", err)
			r.svc.router.Emit(r.code, broadcast.ScoreUpdateFailed{UserID: req.UserID, QuestionUID: q.UID, Err: err})
			return err
		}
		res = SubmitResult{Attempt: domain.LiveAttempt, QuestionUID: q.UID, Score: outcome.NewScore}
		if !outcome.Accepted {
			return domain.ErrDuplicateSubmission
		}
		res.Accepted = true
		res.Correct = scored.IsCorrect
		res.Points = scored.Points

		stats := r.statsFor(q.UID)
		stats.answered[req.UserID] = true
		if scored.IsCorrect {
			stats.correct++
		}
		for _, id := range req.Answer.OptionIDs {
			stats.byOption[id]++
		}

		r.svc.router.Emit(r.code, broadcast.AnswerRecorded{
			UserID:      req.UserID,
			Username:    profile.Username,
			QuestionUID: q.UID,
			Answer:      req.Answer,
			Correct:     scored.IsCorrect,
			Points:      scored.Points,
			NewScore:    outcome.NewScore,
			Answered:    len(stats.answered),
			Joined:      len(r.joined),
		})
		r.emitLeaderboard(ctx, req.UserID)
		r.svc.publish(ctx, domain.AuditEvent{
			Kind:        domain.AuditAnswerScored,
			GameID:      r.game.ID,
			AccessCode:  r.code,
			UserID:      req.UserID,
			Attempt:     domain.LiveAttempt.Key(),
			QuestionUID: q.UID,
			Correct:     scored.IsCorrect,
			Points:      scored.Points,
			Score:       outcome.NewScore,
			At:          now,
		})
		return nil
	})
	return res, err
}

func (r *Room) timerAction(ctx context.Context, req TimerRequest) (domain.TimerUpdate, error) {
	var upd domain.TimerUpdate
	err := r.do(ctx, func() error {
		if r.ended {
			return domain.ErrSessionEnded
		}
		r.expireIfDue(ctx)

		var err error
		switch req.Action {
		case TimerStart:
			upd, err = r.startTimer(ctx, req)
		case TimerPause:
			if upd, err = r.timer.Pause(); err == nil {
				r.disarmTimer()
				r.afterTimerChange(ctx, upd)
			}
		case TimerResume:
			if upd, err = r.timer.Resume(); err == nil {
				r.armTimer()
				r.afterTimerChange(ctx, upd)
			}
		case TimerStop:
			upd = r.stopTimer(ctx)
		case TimerSetDuration:
			if upd, err = r.timer.SetDuration(time.Duration(req.DurationMs) * time.Millisecond); err == nil {
				if upd.Status == domain.TimerRun {
					r.armTimer()
				}
				r.afterTimerChange(ctx, upd)
			}
		default:
			err = fmt.Errorf("%w: unknown timer action %q", domain.ErrInvalidPayload, req.Action)
		}
		if err != nil {
			r.log.Warn("timer action rejected", "action", req.Action, "question_uid", req.QuestionUID, "error", err)
		}
		return err
	})
	return upd, err
}

func (r *Room) startTimer(ctx context.Context, req TimerRequest) (domain.TimerUpdate, error) {
	uid := req.QuestionUID
	if uid == "" {
		q, ok := r.currentQuestion()
		if !ok {
			return domain.TimerUpdate{}, fmt.Errorf("%w: no question selected", domain.ErrInvalidPayload)
		}
		uid = q.UID
	}
	q, idx, ok := r.game.Question(uid)
	if !ok {
		return domain.TimerUpdate{}, fmt.Errorf("%w: %s", domain.ErrQuestionNotFound, uid)
	}

	duration := time.Duration(req.DurationMs) * time.Millisecond
	if duration <= 0 {
		duration = r.questionDuration(q)
	}
	upd, changed, err := r.timer.Start(uid, duration, req.Restart)
	if err != nil {
		return domain.TimerUpdate{}, err
	}
	if !changed {
		r.log.Warn("timer already running, start ignored", "question_uid", uid)
		return upd, nil
	}
	if err := r.activate(ctx); err != nil {
		r.timer.Stop()
		return domain.TimerUpdate{}, err
	}

	r.armTimer()
	if idx != r.questionIndex {
		r.questionIndex = idx
		r.svc.router.Emit(r.code, broadcast.QuestionReady{Question: q, Progress: r.progress(), Timer: upd})
	}
	r.afterTimerChange(ctx, upd)
	return upd, nil
}

func (r *Room) advance(ctx context.Context) error {
	return r.do(ctx, func() error {
		if r.ended {
			return domain.ErrSessionEnded
		}
		r.expireIfDue(ctx)
		if err := r.activate(ctx); err != nil {
			return err
		}
		r.stopTimer(ctx)

		next := r.questionIndex + 1
		if next >= len(r.game.Questions) {
			_, err := r.endLocked(ctx, domain.EndReasonQuestionsExhausted)
			return err
		}

		q := r.game.Questions[next]
		r.questionIndex = next
		upd, _, err := r.timer.Start(q.UID, r.questionDuration(q), true)
		if err != nil {
			return err
		}
		r.armTimer()
		r.svc.router.Emit(r.code, broadcast.QuestionReady{Question: q, Progress: r.progress(), Timer: upd})
		r.afterTimerChange(ctx, upd)
		r.log.Info("question opened", "question_uid", q.UID, "index", next)
		return nil
	})
}

func (r *Room) end(ctx context.Context, reason string) (domain.SessionSummary, error) {
	var summary domain.SessionSummary
	err := r.do(ctx, func() error {
		var err error
		summary, err = r.endLocked(ctx, reason)
		return err
	})
	return summary, err
}

// endLocked runs on the room goroutine.
func (r *Room) endLocked(ctx context.Context, reason string) (domain.SessionSummary, error) {
	if r.ended {
		return domain.SessionSummary{}, domain.ErrSessionEnded
	}
	r.stopTimer(ctx)
	r.disarmTimer()

	status := domain.GameStatusCompleted
	if r.game.Status == domain.GameStatusPending {
		status = domain.GameStatusCancelled
	}
	if err := r.svc.retry(ctx, "update status", func() error {
		return r.svc.games.UpdateStatus(ctx, r.code, status)
	}); err != nil {
		r.log.Error("persisting final status failed", "status", status, "error", err)
	}
	r.game.Status = status

	entries, err := r.svc.scores.TopN(ctx, r.game.ID, domain.TargetLive, 0)
	if err != nil {
		r.log.Error("final leaderboard unavailable", "error", err)
	}
	summary := domain.SessionSummary{
		GameID:         r.game.ID,
		AccessCode:     r.code,
		Status:         status,
		Reason:         reason,
		QuestionsAsked: r.questionIndex + 1,
		TotalQuestions: len(r.game.Questions),
		Leaderboard:    entries,
		EndedAt:        r.svc.now(),
	}
	r.svc.router.Emit(r.code, broadcast.SessionEnded{Summary: summary})
	r.svc.publish(ctx, domain.AuditEvent{
		Kind:       domain.AuditSessionEnded,
		GameID:     r.game.ID,
		AccessCode: r.code,
		Reason:     reason,
		At:         summary.EndedAt,
	})

	if r.svc.flusher != nil {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.svc.settings.EndFlushTimeout)
		if err := r.svc.flusher.FlushGame(flushCtx, r.game.ID); err != nil {
			r.log.Error("final flush failed", "error", err)
		}
		cancel()
	}

	r.close()
	r.log.Info("session ended", "reason", reason, "status", status, "participants", len(summary.Leaderboard))
	return summary, nil
}

// shutdown stops the room without ending the session.
func (r *Room) shutdown(ctx context.Context) error {
	return r.do(ctx, func() error {
		if r.ended {
			return nil
		}
		r.disarmTimer()
		r.persist(ctx)
		r.close()
		return nil
	})
}

func (r *Room) close() {
	r.ended = true
	r.svc.router.Close(r.code)
	r.svc.rooms.Delete(r.code, r)
	metrics.ActiveRooms.Dec()
}

func (r *Room) activate(ctx context.Context) error {
	if r.game.Status != domain.GameStatusPending {
		return nil
	}
	if err := r.svc.retry(ctx, "update status", func() error {
		return r.svc.games.UpdateStatus(ctx, r.code, domain.GameStatusActive)
	}); err != nil {
		return err
	}
	r.game.Status = domain.GameStatusActive
	r.log.Info("session started")
	return nil
}

// stopTimer stops a running or paused timer and reveals its question.
func (r *Room) stopTimer(ctx context.Context) domain.TimerUpdate {
	upd, changed := r.timer.Stop()
	if !changed {
		return upd
	}
	r.disarmTimer()
	r.afterTimerChange(ctx, upd)
	r.reveal(upd.QuestionUID)
	return upd
}

func (r *Room) expireIfDue(ctx context.Context) {
	if r.timer.Expired() {
		r.stopTimer(ctx)
	}
}

func (r *Room) onExpiry(gen uint64) {
	if r.ended || gen != r.generation {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()
	if r.timer.Expired() {
		r.log.Info("timer expired", "question_uid", r.timer.State().QuestionUID)
		r.stopTimer(ctx)
	}
}

// armTimer schedules expiry and periodic updates for the running timer.
// Stale callbacks are ignored through the generation number.
func (r *Room) armTimer() {
	r.disarmTimer()
	gen := r.generation
	remaining := timer.Remaining(r.timer.State(), r.svc.now())
	r.expiry = time.AfterFunc(remaining, func() {
		r.post(func() { r.onExpiry(gen) })
	})

	tick := r.svc.settings.TimerTick
	if tick <= 0 {
		return
	}
	stop := make(chan struct{})
	r.stopTick = stop
	go func() {
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				r.post(func() {
					if !r.ended && gen == r.generation && r.timer.State().Status == domain.TimerRun {
						r.svc.router.Emit(r.code, broadcast.TimerUpdated{Update: r.timer.Snapshot()})
					}
				})
			case <-stop:
				return
			case <-r.done:
				return
			}
		}
	}()
}

func (r *Room) disarmTimer() {
	r.generation++
	if r.expiry != nil {
		r.expiry.Stop()
		r.expiry = nil
	}
	if r.stopTick != nil {
		close(r.stopTick)
		r.stopTick = nil
	}
}

func (r *Room) afterTimerChange(ctx context.Context, upd domain.TimerUpdate) {
	r.svc.router.Emit(r.code, broadcast.TimerUpdated{Update: upd})
	r.persist(ctx)
}

func (r *Room) persist(ctx context.Context) {
	state := domain.RoomState{QuestionIndex: r.questionIndex, Timer: r.timer.State()}
	if err := r.svc.states.SaveRoomState(ctx, r.game.ID, state); err != nil {
		r.log.Warn("room state not persisted", "error", err)
	}
}

func (r *Room) reveal(questionUID string) {
	q, _, ok := r.game.Question(questionUID)
	if !ok {
		return
	}
	ev := broadcast.CorrectAnswers{QuestionUID: q.UID, Stats: r.statsFor(q.UID).snapshot()}
	if q.Kind == domain.QuestionKindNumeric {
		target := q.Target
		ev.Target = &target
		ev.Tolerance = q.Tolerance
	} else {
		ev.OptionIDs = q.CorrectOptionIDs()
	}
	r.svc.router.Emit(r.code, ev)
}

func (r *Room) emitLeaderboard(ctx context.Context, userIDs ...string) {
	if ev, ok := r.leaderboardEvent(ctx, userIDs...); ok {
		r.svc.router.Emit(r.code, ev)
	}
}

// leaderboardEvent reads the live leaderboard. On a store failure nothing
// is sent and subscribers keep the last good snapshot.
func (r *Room) leaderboardEvent(ctx context.Context, userIDs ...string) (broadcast.LeaderboardUpdated, bool) {
	entries, err := r.svc.scores.TopN(ctx, r.game.ID, domain.TargetLive, r.svc.settings.LeaderboardSize)
	if err != nil {
		r.log.Warn("leaderboard read failed", "error", err)
		return broadcast.LeaderboardUpdated{}, false
	}
	total, err := r.svc.scores.Count(ctx, r.game.ID, domain.TargetLive)
	if err != nil {
		r.log.Warn("leaderboard count failed", "error", err)
		total = len(entries)
	}
	mine := make(map[string]domain.LeaderboardEntry, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if entry, err := r.svc.scores.RankOf(ctx, r.game.ID, domain.TargetLive, id); err == nil {
			mine[id] = entry
		}
	}
	return broadcast.LeaderboardUpdated{Target: domain.TargetLive, Entries: entries, Total: total, Mine: mine}, true
}

func (r *Room) currentQuestion() (domain.Question, bool) {
	if r.questionIndex < 0 || r.questionIndex >= len(r.game.Questions) {
		return domain.Question{}, false
	}
	return r.game.Questions[r.questionIndex], true
}

func (r *Room) progress() broadcast.Progress {
	return broadcast.Progress{Index: r.questionIndex + 1, Total: len(r.game.Questions)}
}

func (r *Room) questionDuration(q domain.Question) time.Duration {
	if q.TimeLimitMs > 0 {
		return time.Duration(q.TimeLimitMs) * time.Millisecond
	}
	return r.svc.settings.DefaultQuestionTime
}

func (r *Room) statsFor(questionUID string) *questionStats {
	st, ok := r.stats[questionUID]
	if !ok {
		st = &questionStats{answered: make(map[string]bool), byOption: make(map[string]int)}
		r.stats[questionUID] = st
	}
	return st
}

func (s *questionStats) snapshot() broadcast.QuestionStats {
	byOption := make(map[string]int, len(s.byOption))
	for id, n := range s.byOption {
		byOption[id] = n
	}
	return broadcast.QuestionStats{Answered: len(s.answered), Correct: s.correct, ByOption: byOption}
}
