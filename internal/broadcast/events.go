// Package broadcast fans room events out to controllers, participants and
// displays, shaping each payload for the role that receives it.
package broadcast

import (
	"time"

	"live-quiz-service/internal/domain"
)

// Role is the closed set of viewer roles.
type Role string

const (
	RoleController  Role = "controller"
	RoleParticipant Role = "participant"
	RoleDisplay     Role = "display"
)

func ParseRole(raw string) (Role, bool) {
	switch Role(raw) {
	case RoleController, RoleParticipant, RoleDisplay:
		return Role(raw), true
	case "":
		return RoleParticipant, true
	default:
		return "", false
	}
}

// Message is the envelope written to a connection.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Event is a room state change. Every event decides what each role sees;
// a false return means the role receives nothing.
type Event interface {
	Controller() Message
	Participant(userID string) (Message, bool)
	Display() (Message, bool)
}

const (
	TypeJoined             = "joined"
	TypeTimerUpdated       = "timerUpdated"
	TypeQuestionReady      = "questionReady"
	TypeAnswerAccepted     = "answerAccepted"
	TypeAnswerRecorded     = "answerRecorded"
	TypeAnswerCount        = "answerCount"
	TypeCorrectAnswers     = "correctAnswers"
	TypeLeaderboardUpdated = "leaderboardUpdated"
	TypeSessionEnded       = "sessionEnded"
	TypeSessionError       = "sessionError"
	TypeScoreUpdateFailed  = "scoreUpdateFailed"
	TypeParticipantJoined  = "participantJoined"
	TypeParticipantLeft    = "participantLeft"
	TypePresence           = "presence"
	TypeReplayStarted      = "replayStarted"
	TypeAnswerScored       = "answerScored"
)

// TimerUpdated is identical for every role.
type TimerUpdated struct {
	Update domain.TimerUpdate
}

func (e TimerUpdated) Controller() Message {
	return Message{Type: TypeTimerUpdated, Payload: e.Update}
}

func (e TimerUpdated) Participant(string) (Message, bool) {
	return e.Controller(), true
}

func (e TimerUpdated) Display() (Message, bool) {
	return e.Controller(), true
}

// Progress is the position of a question in the game.
type Progress struct {
	Index int `json:"index"`
	Total int `json:"total"`
}

// QuestionReady announces the current question. Only the controller sees
// the answer key.
type QuestionReady struct {
	Question domain.Question
	Progress Progress
	Timer    domain.TimerUpdate
}

type questionReadyPayload struct {
	Question any                `json:"question"`
	Progress Progress           `json:"progress"`
	Timer    domain.TimerUpdate `json:"timer"`
}

func (e QuestionReady) Controller() Message {
	return Message{Type: TypeQuestionReady, Payload: questionReadyPayload{Question: e.Question, Progress: e.Progress, Timer: e.Timer}}
}

func (e QuestionReady) Participant(string) (Message, bool) {
	return e.public(), true
}

func (e QuestionReady) Display() (Message, bool) {
	return e.public(), true
}

func (e QuestionReady) public() Message {
	return Message{Type: TypeQuestionReady, Payload: questionReadyPayload{Question: e.Question.Public(), Progress: e.Progress, Timer: e.Timer}}
}

// AnswerRecorded follows an accepted live answer. The submitter gets a bare
// acknowledgement, other participants and the display only a count.
type AnswerRecorded struct {
	UserID      string
	Username    string
	QuestionUID string
	Answer      domain.Answer
	Correct     bool
	Points      int64
	NewScore    int64
	Answered    int
	Joined      int
}

type answerCountPayload struct {
	QuestionUID string `json:"questionUid"`
	Answered    int    `json:"answered"`
	Joined      int    `json:"joined"`
}

func (e AnswerRecorded) Controller() Message {
	return Message{Type: TypeAnswerRecorded, Payload: map[string]any{
		"userId":      e.UserID,
		"username":    e.Username,
		"questionUid": e.QuestionUID,
		"answer":      e.Answer,
		"correct":     e.Correct,
		"points":      e.Points,
		"score":       e.NewScore,
		"answered":    e.Answered,
		"joined":      e.Joined,
	}}
}

func (e AnswerRecorded) Participant(userID string) (Message, bool) {
	if userID == e.UserID {
		return Message{Type: TypeAnswerAccepted, Payload: map[string]string{"questionUid": e.QuestionUID}}, true
	}
	return e.count(), true
}

func (e AnswerRecorded) Display() (Message, bool) {
	return e.count(), true
}

func (e AnswerRecorded) count() Message {
	return Message{Type: TypeAnswerCount, Payload: answerCountPayload{QuestionUID: e.QuestionUID, Answered: e.Answered, Joined: e.Joined}}
}

// QuestionStats aggregates answers of one question.
type QuestionStats struct {
	Answered int            `json:"answered"`
	Correct  int            `json:"correct"`
	ByOption map[string]int `json:"byOption,omitempty"`
}

// CorrectAnswers is the reveal after a question's timer stops. Aggregate
// statistics are safe for every role.
type CorrectAnswers struct {
	QuestionUID string
	OptionIDs   []string
	Target      *float64
	Tolerance   float64
	Stats       QuestionStats
}

func (e CorrectAnswers) Controller() Message {
	payload := map[string]any{
		"questionUid": e.QuestionUID,
		"correctness": e.OptionIDs,
		"stats":       e.Stats,
	}
	if e.Target != nil {
		payload["target"] = *e.Target
		payload["tolerance"] = e.Tolerance
	}
	return Message{Type: TypeCorrectAnswers, Payload: payload}
}

func (e CorrectAnswers) Participant(string) (Message, bool) {
	return e.Controller(), true
}

func (e CorrectAnswers) Display() (Message, bool) {
	return e.Controller(), true
}

// LeaderboardUpdated carries the top entries. The display never sees user
// ids, and each participant also learns their own standing.
type LeaderboardUpdated struct {
	Target  domain.Target
	Entries []domain.LeaderboardEntry
	Total   int
	Mine    map[string]domain.LeaderboardEntry
}

type publicEntry struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	Score    int64  `json:"score"`
	Rank     int64  `json:"rank"`
}

func (e LeaderboardUpdated) Controller() Message {
	return Message{Type: TypeLeaderboardUpdated, Payload: map[string]any{
		"target":  e.Target,
		"entries": e.Entries,
		"total":   e.Total,
	}}
}

func (e LeaderboardUpdated) Participant(userID string) (Message, bool) {
	payload := map[string]any{
		"entries": e.publicEntries(),
		"total":   e.Total,
	}
	if mine, ok := e.Mine[userID]; ok {
		payload["me"] = publicEntry{Username: mine.Username, Avatar: mine.Avatar, Score: mine.Score, Rank: mine.Rank}
	}
	return Message{Type: TypeLeaderboardUpdated, Payload: payload}, true
}

func (e LeaderboardUpdated) Display() (Message, bool) {
	return Message{Type: TypeLeaderboardUpdated, Payload: map[string]any{
		"entries": e.publicEntries(),
		"total":   e.Total,
	}}, true
}

func (e LeaderboardUpdated) publicEntries() []publicEntry {
	out := make([]publicEntry, 0, len(e.Entries))
	for _, entry := range e.Entries {
		out = append(out, publicEntry{Username: entry.Username, Avatar: entry.Avatar, Score: entry.Score, Rank: entry.Rank})
	}
	return out
}

// SessionEnded closes the session for everyone.
type SessionEnded struct {
	Summary domain.SessionSummary
}

func (e SessionEnded) Controller() Message {
	return Message{Type: TypeSessionEnded, Payload: e.Summary}
}

func (e SessionEnded) Participant(userID string) (Message, bool) {
	payload := map[string]any{
		"reason":         e.Summary.Reason,
		"questionsAsked": e.Summary.QuestionsAsked,
		"totalQuestions": e.Summary.TotalQuestions,
		"endedAt":        e.Summary.EndedAt,
	}
	for _, entry := range e.Summary.Leaderboard {
		if entry.UserID == userID {
			payload["me"] = publicEntry{Username: entry.Username, Avatar: entry.Avatar, Score: entry.Score, Rank: entry.Rank}
		}
	}
	return Message{Type: TypeSessionEnded, Payload: payload}, true
}

func (e SessionEnded) Display() (Message, bool) {
	lb := LeaderboardUpdated{Entries: e.Summary.Leaderboard}
	return Message{Type: TypeSessionEnded, Payload: map[string]any{
		"reason":      e.Summary.Reason,
		"leaderboard": lb.publicEntries(),
		"endedAt":     e.Summary.EndedAt,
	}}, true
}

// SessionError reports a failed action. The controller gets the detail,
// participants a soft message, the display nothing. UserID scopes the error
// to one participant; empty means every participant.
type SessionError struct {
	UserID string
	Err    error
}

func (e SessionError) Controller() Message {
	return Message{Type: TypeSessionError, Payload: map[string]string{
		"kind":    domain.ErrorKind(e.Err),
		"message": e.Err.Error(),
	}}
}

func (e SessionError) Participant(userID string) (Message, bool) {
	if e.UserID != "" && e.UserID != userID {
		return Message{}, false
	}
	return ParticipantError(e.Err), true
}

func (e SessionError) Display() (Message, bool) {
	return Message{}, false
}

// ParticipantError is the soft message a participant sees for err.
func ParticipantError(err error) Message {
	return Message{Type: TypeSessionError, Payload: map[string]string{
		"kind":    domain.ErrorKind(err),
		"message": domain.SoftMessage(err),
	}}
}

// ControllerError is the detailed message a controller sees for err.
func ControllerError(err error) Message {
	return SessionError{Err: err}.Controller()
}

// ScoreUpdateFailed is operator-only.
type ScoreUpdateFailed struct {
	UserID      string
	QuestionUID string
	Err         error
}

func (e ScoreUpdateFailed) Controller() Message {
	return Message{Type: TypeScoreUpdateFailed, Payload: map[string]string{
		"userId":      e.UserID,
		"questionUid": e.QuestionUID,
		"kind":        domain.ErrorKind(e.Err),
		"message":     e.Err.Error(),
	}}
}

func (e ScoreUpdateFailed) Participant(string) (Message, bool) {
	return Message{}, false
}

func (e ScoreUpdateFailed) Display() (Message, bool) {
	return Message{}, false
}

// ParticipantPresence reports joins and leaves. Participants and displays
// only see the head count.
type ParticipantPresence struct {
	Profile domain.Profile
	Joined  bool
	Online  int
	At      time.Time
}

func (e ParticipantPresence) Controller() Message {
	kind := TypeParticipantLeft
	if e.Joined {
		kind = TypeParticipantJoined
	}
	return Message{Type: kind, Payload: map[string]any{
		"userId":   e.Profile.UserID,
		"username": e.Profile.Username,
		"avatar":   e.Profile.Avatar,
		"online":   e.Online,
		"at":       e.At,
	}}
}

func (e ParticipantPresence) Participant(string) (Message, bool) {
	return e.count(), true
}

func (e ParticipantPresence) Display() (Message, bool) {
	return e.count(), true
}

func (e ParticipantPresence) count() Message {
	return Message{Type: TypePresence, Payload: map[string]int{"online": e.Online}}
}
