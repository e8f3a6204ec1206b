package app

import (
	"context"
	"fmt"

	"live-quiz-service/internal/domain"
)

// Intent is what the caller asks for when joining or answering.
type Intent struct {
	UserID  string
	Replay  bool // explicitly start a new deferred attempt
	Attempt int  // continue an existing deferred attempt
}

// AttemptAllocator hands out deferred attempt numbers.
type AttemptAllocator interface {
	NextAttempt(ctx context.Context, gameID, userID string) (int, error)
	Participant(ctx context.Context, gameID, userID string) (domain.ParticipantRecord, error)
}

// ModeResolver decides whether a caller scores against the live session or
// a deferred replay attempt.
type ModeResolver struct {
	attempts AttemptAllocator
}

func NewModeResolver(attempts AttemptAllocator) *ModeResolver {
	return &ModeResolver{attempts: attempts}
}

func (m *ModeResolver) Resolve(ctx context.Context, game domain.GameInstance, intent Intent) (domain.Attempt, error) {
	if intent.UserID == "" {
		return domain.Attempt{}, fmt.Errorf("%w: missing user id", domain.ErrInvalidPayload)
	}
	if game.Status == domain.GameStatusCancelled {
		return domain.Attempt{}, domain.ErrSessionEnded
	}

	if intent.Attempt > 0 {
		rec, err := m.attempts.Participant(ctx, game.ID, intent.UserID)
		if err != nil {
			return domain.Attempt{}, err
		}
		if intent.Attempt > rec.Attempts {
			return domain.Attempt{}, fmt.Errorf("%w: %d", domain.ErrUnknownAttempt, intent.Attempt)
		}
		return domain.Attempt{Target: domain.TargetDeferred, Number: intent.Attempt}, nil
	}

	if intent.Replay || game.Status == domain.GameStatusCompleted {
		n, err := m.attempts.NextAttempt(ctx, game.ID, intent.UserID)
		if err != nil {
			return domain.Attempt{}, err
		}
		return domain.Attempt{Target: domain.TargetDeferred, Number: n}, nil
	}

	if game.Status == domain.GameStatusPending {
		return domain.Attempt{}, domain.ErrSessionNotStarted
	}
	return domain.LiveAttempt, nil
}
