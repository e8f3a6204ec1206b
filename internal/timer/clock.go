package timer

import (
	"time"

	"live-quiz-service/internal/domain"
)

// Window is the wall-clock span a question was open, minus its pauses.
type Window struct {
	Start    time.Time
	Duration time.Duration
	Pauses   []domain.Pause
}

// Elapsed returns the running time of the window at now. An open pause
// counts up to now. The result is clamped to [0, Duration] when Duration is set.
func Elapsed(w Window, now time.Time) time.Duration {
	if w.Start.IsZero() || now.Before(w.Start) {
		return 0
	}
	elapsed := now.Sub(w.Start)
	for _, p := range w.Pauses {
		end := p.End
		if end.IsZero() || end.After(now) {
			end = now
		}
		if end.After(p.Start) {
			elapsed -= end.Sub(p.Start)
		}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if w.Duration > 0 && elapsed > w.Duration {
		elapsed = w.Duration
	}
	return elapsed
}

// Remaining derives the authoritative remaining time of a timer.
func Remaining(state domain.TimerState, now time.Time) time.Duration {
	switch state.Status {
	case domain.TimerRun:
		if left := state.EndAt.Sub(now); left > 0 {
			return left
		}
		return 0
	case domain.TimerPause:
		return time.Duration(state.PausedRemainingMs) * time.Millisecond
	default:
		return 0
	}
}

// WindowOf builds the answer window of a timer. Its duration is the time
// already spent plus what is left, so duration changes while running are
// accounted for.
func WindowOf(state domain.TimerState, now time.Time) Window {
	w := Window{Start: state.StartedAt, Pauses: state.Pauses}
	w.Duration = Elapsed(w, now) + Remaining(state, now)
	return w
}
