package app_test

import (
	"context"
	"errors"
	"testing"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/memory"
)

func TestModeResolver(t *testing.T) {
	ctx := context.Background()
	store := memory.NewScoreStore(nil)
	if _, err := store.EnsureParticipant(ctx, "g1", domain.Profile{UserID: "u1"}, domain.TargetLive); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	resolver := app.NewModeResolver(store)

	game := func(status domain.GameStatus) domain.GameInstance {
		return domain.GameInstance{ID: "g1", AccessCode: "CODE", Status: status}
	}

	tests := []struct {
		name    string
		status  domain.GameStatus
		intent  app.Intent
		want    domain.Attempt
		wantErr error
	}{
		{name: "active game scores live", status: domain.GameStatusActive, intent: app.Intent{UserID: "u1"}, want: domain.LiveAttempt},
		{name: "pending game not started", status: domain.GameStatusPending, intent: app.Intent{UserID: "u1"}, wantErr: domain.ErrSessionNotStarted},
		{name: "completed game replays", status: domain.GameStatusCompleted, intent: app.Intent{UserID: "u1"}, want: domain.Attempt{Target: domain.TargetDeferred, Number: 1}},
		{name: "explicit replay on active game", status: domain.GameStatusActive, intent: app.Intent{UserID: "u1", Replay: true}, want: domain.Attempt{Target: domain.TargetDeferred, Number: 2}},
		{name: "continue allocated attempt", status: domain.GameStatusCompleted, intent: app.Intent{UserID: "u1", Attempt: 2}, want: domain.Attempt{Target: domain.TargetDeferred, Number: 2}},
		{name: "unallocated attempt", status: domain.GameStatusCompleted, intent: app.Intent{UserID: "u1", Attempt: 7}, wantErr: domain.ErrUnknownAttempt},
		{name: "cancelled game", status: domain.GameStatusCancelled, intent: app.Intent{UserID: "u1", Replay: true}, wantErr: domain.ErrSessionEnded},
		{name: "missing user", status: domain.GameStatusActive, intent: app.Intent{}, wantErr: domain.ErrInvalidPayload},
	}

	// cases run in order: attempt numbers accumulate
	for _, tc := range tests {
		got, err := resolver.Resolve(ctx, game(tc.status), tc.intent)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("%s: expected %v, got %v", tc.name, tc.wantErr, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %+v, got %+v", tc.name, tc.want, got)
		}
	}
}

func TestModeResolverUnknownParticipantAttempt(t *testing.T) {
	resolver := app.NewModeResolver(memory.NewScoreStore(nil))
	game := domain.GameInstance{ID: "g1", Status: domain.GameStatusCompleted}
	if _, err := resolver.Resolve(context.Background(), game, app.Intent{UserID: "ghost", Attempt: 1}); !errors.Is(err, domain.ErrUnknownParticipant) {
		t.Fatalf("expected unknown participant, got %v", err)
	}
}
