package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrGameNotFound is returned when no game instance matches an access code.
	ErrGameNotFound = errors.New("game not found")
	// ErrQuestionNotFound indicates a submitted question UID is not part of the game.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrOptionNotFound indicates a submitted option ID is not on the question.
	ErrOptionNotFound = errors.New("option not found")
	// ErrMalformedQuestion means the answer key cannot be used for scoring.
	ErrMalformedQuestion = errors.New("malformed question")
	// ErrInvalidPayload is returned for bad payload shapes or missing identity.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrSessionNotStarted is returned for live actions on a pending game.
	ErrSessionNotStarted = errors.New("session has not started")
	// ErrQuestionClosed is returned when answering a question whose timer is stopped.
	ErrQuestionClosed = errors.New("question is not open for answers")
	// ErrUnknownAttempt is returned for a replay attempt that was never allocated.
	ErrUnknownAttempt = errors.New("unknown attempt")

	// ErrTimerState is the base of every invalid timer transition.
	ErrTimerState = errors.New("invalid timer transition")
	// ErrDuplicateSubmission is returned when an attempt answers a question twice.
	ErrDuplicateSubmission = errors.New("answer already submitted")
	// ErrSessionEnded is returned for any action after completion.
	ErrSessionEnded = errors.New("session ended")
	// ErrUnknownParticipant is returned when an identity acts before joining.
	ErrUnknownParticipant = errors.New("participant has not joined")
	// ErrStorageUnavailable is the base of fast-store and durable-store failures.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// TimerStateError describes a rejected timer action.
type TimerStateError struct {
	Action string
	Status TimerStatus
	Reason string
}

func (e *TimerStateError) Error() string {
	msg := fmt.Sprintf("cannot %s timer in status %q", e.Action, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TimerStateError) Is(target error) bool {
	return target == ErrTimerState
}

// StorageError wraps a failing store call.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorageUnavailable, e.Op, e.Err)
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err unless it already is a domain error that must
// reach the caller untouched.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrUnknownParticipant) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// StatusTransitionError describes a refused game status change.
func StatusTransitionError(from, to GameStatus) error {
	if from.Terminal() {
		return fmt.Errorf("%w: game is %s", ErrSessionEnded, from)
	}
	return fmt.Errorf("%w: status %s cannot become %s", ErrInvalidPayload, from, to)
}

// Error kinds as sent in sessionError events.
const (
	KindTimerState          = "timer_state"
	KindDuplicateSubmission = "duplicate_submission"
	KindSessionEnded        = "session_ended"
	KindUnknownParticipant  = "unknown_participant"
	KindStorageUnavailable  = "storage_unavailable"
	KindInvalidPayload      = "invalid_payload"
	KindNotFound            = "not_found"
	KindNotStarted          = "not_started"
	KindQuestionClosed      = "question_closed"
	KindInternal            = "internal"
)

// ErrorKind maps an error to its wire code.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrTimerState):
		return KindTimerState
	case errors.Is(err, ErrDuplicateSubmission):
		return KindDuplicateSubmission
	case errors.Is(err, ErrSessionEnded):
		return KindSessionEnded
	case errors.Is(err, ErrUnknownParticipant):
		return KindUnknownParticipant
	case errors.Is(err, ErrStorageUnavailable):
		return KindStorageUnavailable
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrOptionNotFound), errors.Is(err, ErrUnknownAttempt):
		return KindInvalidPayload
	case errors.Is(err, ErrGameNotFound), errors.Is(err, ErrQuestionNotFound):
		return KindNotFound
	case errors.Is(err, ErrSessionNotStarted):
		return KindNotStarted
	case errors.Is(err, ErrQuestionClosed):
		return KindQuestionClosed
	default:
		return KindInternal
	}
}

// SoftMessage is the participant-facing text for an error.
func SoftMessage(err error) string {
	switch ErrorKind(err) {
	case KindDuplicateSubmission:
		return "answer already submitted"
	case KindSessionEnded:
		return "session ended"
	case KindNotStarted:
		return "session has not started yet"
	case KindQuestionClosed:
		return "time is up for this question"
	case KindUnknownParticipant:
		return "please join the game first"
	case KindInvalidPayload, KindNotFound:
		return "invalid request"
	default:
		return "something went wrong, please retry"
	}
}
