package domain

import (
	"strconv"
	"strings"
	"time"
)

// PlayMode is how a game instance is played.
type PlayMode string

const (
	PlayModeQuiz       PlayMode = "quiz"
	PlayModeTournament PlayMode = "tournament"
	PlayModePractice   PlayMode = "practice"
)

// GameStatus is the lifecycle status of a game instance. Paused is not a
// status of its own: it is derived from the timer while the game is active.
type GameStatus string

const (
	GameStatusPending   GameStatus = "pending"
	GameStatusActive    GameStatus = "active"
	GameStatusCompleted GameStatus = "completed"
	GameStatusCancelled GameStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s GameStatus) Terminal() bool {
	return s == GameStatusCompleted || s == GameStatusCancelled
}

// CanTransitionTo enforces forward-only status changes.
func (s GameStatus) CanTransitionTo(next GameStatus) bool {
	switch s {
	case GameStatusPending:
		return next == GameStatusActive || next == GameStatusCancelled || next == GameStatusCompleted
	case GameStatusActive:
		return next == GameStatusCompleted
	default:
		return false
	}
}

// PriorStatuses lists the statuses from which next may be reached.
func PriorStatuses(next GameStatus) []GameStatus {
	var out []GameStatus
	for _, s := range []GameStatus{GameStatusPending, GameStatusActive, GameStatusCompleted, GameStatusCancelled} {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}

// QuestionKind selects the answer-checking rule.
type QuestionKind string

const (
	QuestionKindMultipleChoice QuestionKind = "multiple_choice"
	QuestionKindNumeric        QuestionKind = "numeric"
)

// Option represents a possible answer for a multiple-choice question.
type Option struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// Question carries the prompt and its answer key. The answer key is read-only
// for this service.
type Question struct {
	UID         string       `json:"uid"`
	Kind        QuestionKind `json:"kind"`
	Prompt      string       `json:"prompt"`
	Options     []Option     `json:"options,omitempty"`
	Target      float64      `json:"target,omitempty"`
	Tolerance   float64      `json:"tolerance,omitempty"`
	Points      int          `json:"points,omitempty"`      // policy base points if zero
	TimeLimitMs int64        `json:"timeLimitMs,omitempty"` // policy default if zero
}

// CorrectOptionIDs returns the IDs of the options flagged correct.
func (q Question) CorrectOptionIDs() []string {
	ids := make([]string, 0, len(q.Options))
	for _, opt := range q.Options {
		if opt.Correct {
			ids = append(ids, opt.ID)
		}
	}
	return ids
}

// PublicOption is an option without its correctness flag.
type PublicOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// PublicQuestion is what participants and displays see before the reveal.
type PublicQuestion struct {
	UID         string         `json:"uid"`
	Kind        QuestionKind   `json:"kind"`
	Prompt      string         `json:"prompt"`
	Options     []PublicOption `json:"options,omitempty"`
	TimeLimitMs int64          `json:"timeLimitMs,omitempty"`
}

// Public strips the answer key.
func (q Question) Public() PublicQuestion {
	opts := make([]PublicOption, 0, len(q.Options))
	for _, opt := range q.Options {
		opts = append(opts, PublicOption{ID: opt.ID, Text: opt.Text})
	}
	return PublicQuestion{
		UID:         q.UID,
		Kind:        q.Kind,
		Prompt:      q.Prompt,
		Options:     opts,
		TimeLimitMs: q.TimeLimitMs,
	}
}

// GameInstance is one played session of a quiz template.
type GameInstance struct {
	ID         string     `json:"id"`
	AccessCode string     `json:"accessCode"`
	Mode       PlayMode   `json:"mode"`
	Status     GameStatus `json:"status"`
	Questions  []Question `json:"questions"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Question looks up a question by UID.
func (g GameInstance) Question(uid string) (Question, int, bool) {
	for i, q := range g.Questions {
		if q.UID == uid {
			return q, i, true
		}
	}
	return Question{}, -1, false
}

// TimerStatus is the status of the question timer.
type TimerStatus string

const (
	TimerStop  TimerStatus = "stop"
	TimerRun   TimerStatus = "run"
	TimerPause TimerStatus = "pause"
)

// Pause is a closed or still open paused interval of a timer.
type Pause struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end,omitempty"`
}

// TimerState is the authoritative timer of the currently displayed question.
type TimerState struct {
	QuestionUID       string      `json:"questionUid"`
	Status            TimerStatus `json:"status"`
	DurationMs        int64       `json:"durationMs"`
	EndAt             time.Time   `json:"endAt,omitempty"`
	PausedRemainingMs int64       `json:"pausedRemainingMs,omitempty"`
	StartedAt         time.Time   `json:"startedAt,omitempty"`
	Pauses            []Pause     `json:"pauses,omitempty"`
}

// Duration returns DurationMs as a time.Duration.
func (t TimerState) Duration() time.Duration {
	return time.Duration(t.DurationMs) * time.Millisecond
}

// TimerUpdate is emitted after every timer mutation.
type TimerUpdate struct {
	Status      TimerStatus `json:"status"`
	QuestionUID string      `json:"questionUid"`
	RemainingMs int64       `json:"remainingMs"`
	ServerTime  time.Time   `json:"serverTimestamp"`
}

// RoomState is what a room persists to survive restarts.
type RoomState struct {
	QuestionIndex int        `json:"questionIndex"`
	Timer         TimerState `json:"timer"`
}

// Target selects an accounting path.
type Target string

const (
	TargetLive     Target = "live"
	TargetDeferred Target = "deferred"
)

// Attempt is one scoring lineage of a participant. The live session has the
// single implicit attempt 0; each deferred replay gets a fresh number.
type Attempt struct {
	Target Target `json:"target"`
	Number int    `json:"number"`
}

// LiveAttempt is the implicit attempt of the synchronous session.
var LiveAttempt = Attempt{Target: TargetLive}

// Key is the journal scope of the attempt.
func (a Attempt) Key() string {
	if a.Target == TargetLive {
		return string(TargetLive)
	}
	return string(TargetDeferred) + ":" + strconv.Itoa(a.Number)
}

// ParseAttemptKey is the inverse of Attempt.Key.
func ParseAttemptKey(key string) (Attempt, bool) {
	if key == string(TargetLive) {
		return LiveAttempt, true
	}
	raw, ok := strings.CutPrefix(key, string(TargetDeferred)+":")
	if !ok {
		return Attempt{}, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return Attempt{}, false
	}
	return Attempt{Target: TargetDeferred, Number: n}, true
}

// Profile identifies a participant as provided by the auth collaborator.
type Profile struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// Answer is a submitted answer. OptionIDs is used by multiple-choice
// questions and Value by numeric ones.
type Answer struct {
	OptionIDs []string `json:"optionIds,omitempty"`
	Value     *float64 `json:"value,omitempty"`
}

// AnswerRecord is one journal entry of a participant.
type AnswerRecord struct {
	QuestionUID string    `json:"questionUid"`
	Answer      Answer    `json:"answer"`
	Correct     bool      `json:"correct"`
	Points      int64     `json:"points"`
	ElapsedMs   int64     `json:"elapsedMs"`
	AnsweredAt  time.Time `json:"answeredAt"`
}

// JournalKey scopes a journal entry by attempt and question.
func JournalKey(attempt Attempt, questionUID string) string {
	return attempt.Key() + "|" + questionUID
}

// ParticipantRecord is the per (game, user) score state.
type ParticipantRecord struct {
	GameID        string                  `json:"gameId"`
	Profile       Profile                 `json:"profile"`
	LiveScore     int64                   `json:"liveScore"`
	DeferredScore int64                   `json:"deferredScore"` // best deferred attempt
	Attempts      int                     `json:"attempts"`      // deferred attempts allocated
	AttemptScores map[int]int64           `json:"attemptScores,omitempty"`
	Journal       map[string]AnswerRecord `json:"journal,omitempty"`
	JoinedAt      time.Time               `json:"joinedAt"`
}

// ScoreMutation is a request to journal an answer and add its points.
type ScoreMutation struct {
	GameID      string
	UserID      string
	Attempt     Attempt
	QuestionUID string
	Delta       int64
	Record      AnswerRecord
}

// ScoreOutcome reports whether a mutation was applied and the resulting
// total of the attempt.
type ScoreOutcome struct {
	Accepted bool  `json:"accepted"`
	NewScore int64 `json:"newScore"`
}

// ScoreResult is the output of the scoring engine.
type ScoreResult struct {
	IsCorrect bool  `json:"isCorrect"`
	Points    int64 `json:"points"`
}

// LeaderboardEntry is a ranked view of a participant.
type LeaderboardEntry struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	Score    int64  `json:"score"`
	Rank     int64  `json:"rank"`
}

// Leaderboard captures an ordered scoreboard for a game instance.
type Leaderboard struct {
	GameID    string             `json:"gameId"`
	Target    Target             `json:"target"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// DurableScore is the row flushed to durable storage.
type DurableScore struct {
	GameID        string
	UserID        string
	Username      string
	LiveScore     int64
	DeferredScore int64
	Attempts      int
}

// SessionSummary is produced when a session ends.
type SessionSummary struct {
	GameID         string             `json:"gameId"`
	AccessCode     string             `json:"accessCode"`
	Status         GameStatus         `json:"status"`
	Reason         string             `json:"reason"`
	QuestionsAsked int                `json:"questionsAsked"`
	TotalQuestions int                `json:"totalQuestions"`
	Leaderboard    []LeaderboardEntry `json:"leaderboard"`
	EndedAt        time.Time          `json:"endedAt"`
}

// Session end reasons.
const (
	EndReasonQuestionsExhausted = "questions_exhausted"
	EndReasonControllerEnded    = "ended_by_controller"
	EndReasonShutdown           = "shutdown"
)

// Audit event kinds.
const (
	AuditAnswerScored = "answer_scored"
	AuditSessionEnded = "session_ended"
)

// AuditEvent is published to the analytics stream.
type AuditEvent struct {
	Kind        string    `json:"kind"`
	GameID      string    `json:"gameId"`
	AccessCode  string    `json:"accessCode"`
	UserID      string    `json:"userId,omitempty"`
	Attempt     string    `json:"attempt,omitempty"`
	QuestionUID string    `json:"questionUid,omitempty"`
	Correct     bool      `json:"correct,omitempty"`
	Points      int64     `json:"points,omitempty"`
	Score       int64     `json:"score,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}
