package timer

import (
	"fmt"
	"time"

	"live-quiz-service/internal/domain"
)

// Controller owns the timer of the question currently displayed in one room.
// It is not safe for concurrent use; the room actor serializes every call.
type Controller struct {
	now     func() time.Time
	state   domain.TimerState
	history []domain.TimerState
}

func NewController(now func() time.Time) *Controller {
	if now == nil {
		now = time.Now
	}
	return &Controller{
		now:   now,
		state: domain.TimerState{Status: domain.TimerStop},
	}
}

// Start arms the timer for questionUID. Starting the question that is
// already running is a no-op unless restart is set.
func (c *Controller) Start(questionUID string, d time.Duration, restart bool) (domain.TimerUpdate, bool, error) {
	if questionUID == "" || d <= 0 {
		return domain.TimerUpdate{}, false, fmt.Errorf("%w: start needs a question and a positive duration", domain.ErrInvalidPayload)
	}
	now := c.now()
	cur := c.state
	if cur.Status != domain.TimerStop {
		if cur.QuestionUID != questionUID {
			return domain.TimerUpdate{}, false, &domain.TimerStateError{
				Action: "start",
				Status: cur.Status,
				Reason: fmt.Sprintf("question %s must be stopped first", cur.QuestionUID),
			}
		}
		if !restart {
			if cur.Status == domain.TimerRun {
				return c.snapshotAt(now), false, nil
			}
			return domain.TimerUpdate{}, false, &domain.TimerStateError{Action: "start", Status: cur.Status, Reason: "resume a paused timer"}
		}
		c.archive(now)
	}

	c.state = domain.TimerState{
		QuestionUID: questionUID,
		Status:      domain.TimerRun,
		DurationMs:  d.Milliseconds(),
		EndAt:       now.Add(d),
		StartedAt:   now,
	}
	return c.snapshotAt(now), true, nil
}

func (c *Controller) Pause() (domain.TimerUpdate, error) {
	if c.state.Status != domain.TimerRun {
		return domain.TimerUpdate{}, &domain.TimerStateError{Action: "pause", Status: c.state.Status}
	}
	now := c.now()
	c.state.PausedRemainingMs = Remaining(c.state, now).Milliseconds()
	c.state.Status = domain.TimerPause
	c.state.EndAt = time.Time{}
	c.state.Pauses = append(c.state.Pauses, domain.Pause{Start: now})
	return c.snapshotAt(now), nil
}

func (c *Controller) Resume() (domain.TimerUpdate, error) {
	if c.state.Status != domain.TimerPause {
		return domain.TimerUpdate{}, &domain.TimerStateError{Action: "resume", Status: c.state.Status}
	}
	now := c.now()
	c.state.EndAt = now.Add(time.Duration(c.state.PausedRemainingMs) * time.Millisecond)
	c.state.PausedRemainingMs = 0
	c.state.Status = domain.TimerRun
	c.closePause(now)
	return c.snapshotAt(now), nil
}

// Stop moves the timer to stop from any status. The second of two
// consecutive stops reports changed=false.
func (c *Controller) Stop() (domain.TimerUpdate, bool) {
	now := c.now()
	if c.state.Status == domain.TimerStop {
		return c.snapshotAt(now), false
	}
	c.archive(now)
	c.state = domain.TimerState{
		QuestionUID: c.state.QuestionUID,
		Status:      domain.TimerStop,
		DurationMs:  c.state.DurationMs,
		StartedAt:   c.state.StartedAt,
		Pauses:      c.state.Pauses,
	}
	return c.snapshotAt(now), true
}

// SetDuration changes the duration of the current timer without changing its status.
func (c *Controller) SetDuration(d time.Duration) (domain.TimerUpdate, error) {
	if d <= 0 {
		return domain.TimerUpdate{}, fmt.Errorf("%w: duration must be positive", domain.ErrInvalidPayload)
	}
	now := c.now()
	switch c.state.Status {
	case domain.TimerRun:
		c.state.EndAt = now.Add(d)
	case domain.TimerPause:
		c.state.PausedRemainingMs = d.Milliseconds()
	default:
		return domain.TimerUpdate{}, &domain.TimerStateError{Action: "set duration of", Status: c.state.Status}
	}
	c.state.DurationMs = d.Milliseconds()
	return c.snapshotAt(now), nil
}

// Expired reports whether a running timer has reached zero.
func (c *Controller) Expired() bool {
	return c.state.Status == domain.TimerRun && !c.now().Before(c.state.EndAt)
}

// Open reports whether answers for questionUID are accepted.
func (c *Controller) Open(questionUID string) bool {
	return c.state.Status != domain.TimerStop && c.state.QuestionUID == questionUID
}

// Window returns the answer window of the current timer.
func (c *Controller) Window() Window {
	return WindowOf(c.state, c.now())
}

func (c *Controller) Snapshot() domain.TimerUpdate {
	return c.snapshotAt(c.now())
}

func (c *Controller) State() domain.TimerState {
	state := c.state
	state.Pauses = append([]domain.Pause(nil), c.state.Pauses...)
	return state
}

// Restore replaces the current state, e.g. after a process restart.
func (c *Controller) Restore(state domain.TimerState) {
	if state.Status == "" {
		state.Status = domain.TimerStop
	}
	c.state = state
}

// History lists previous timers, oldest first.
func (c *Controller) History() []domain.TimerState {
	return append([]domain.TimerState(nil), c.history...)
}

func (c *Controller) snapshotAt(now time.Time) domain.TimerUpdate {
	return domain.TimerUpdate{
		Status:      c.state.Status,
		QuestionUID: c.state.QuestionUID,
		RemainingMs: Remaining(c.state, now).Milliseconds(),
		ServerTime:  now,
	}
}

func (c *Controller) closePause(now time.Time) {
	if n := len(c.state.Pauses); n > 0 && c.state.Pauses[n-1].End.IsZero() {
		c.state.Pauses[n-1].End = now
	}
}

func (c *Controller) archive(now time.Time) {
	c.closePause(now)
	done := c.state
	done.Pauses = append([]domain.Pause(nil), c.state.Pauses...)
	c.history = append(c.history, done)
}
