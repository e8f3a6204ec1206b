package timer

import (
	"testing"
	"time"

	"live-quiz-service/internal/domain"
)

func TestElapsedExcludesPauses(t *testing.T) {
	start := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	w := Window{
		Start:    start,
		Duration: time.Minute,
		Pauses: []domain.Pause{
			{Start: start.Add(10 * time.Second), End: start.Add(15 * time.Second)},
			{Start: start.Add(20 * time.Second)},
		},
	}

	cases := []struct {
		at   time.Duration
		want time.Duration
	}{
		{-time.Second, 0},
		{5 * time.Second, 5 * time.Second},
		{12 * time.Second, 10 * time.Second},
		{20 * time.Second, 15 * time.Second},
		{40 * time.Second, 15 * time.Second},
	}
	for _, tc := range cases {
		if got := Elapsed(w, start.Add(tc.at)); got != tc.want {
			t.Fatalf("at %s: expected %s, got %s", tc.at, tc.want, got)
		}
	}
}

func TestElapsedClampedToDuration(t *testing.T) {
	start := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	w := Window{Start: start, Duration: 10 * time.Second}
	if got := Elapsed(w, start.Add(time.Hour)); got != 10*time.Second {
		t.Fatalf("expected clamp to 10s, got %s", got)
	}
	if got := Elapsed(w, start.Add(4*time.Second)); got != 4*time.Second {
		t.Fatalf("expected 4s elapsed, got %s", got)
	}
}

func TestRemainingByStatus(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		name  string
		state domain.TimerState
		want  time.Duration
	}{
		{"running", domain.TimerState{Status: domain.TimerRun, EndAt: now.Add(7 * time.Second)}, 7 * time.Second},
		{"overdue", domain.TimerState{Status: domain.TimerRun, EndAt: now.Add(-time.Second)}, 0},
		{"paused", domain.TimerState{Status: domain.TimerPause, PausedRemainingMs: 2500}, 2500 * time.Millisecond},
		{"stopped", domain.TimerState{Status: domain.TimerStop, PausedRemainingMs: 2500}, 0},
	}
	for _, tc := range cases {
		if got := Remaining(tc.state, now); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}
