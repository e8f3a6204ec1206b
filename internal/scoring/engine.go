package scoring

import (
	"fmt"
	"math"
	"time"

	"live-quiz-service/internal/domain"
)

// Policy configures points and speed decay.
type Policy struct {
	BasePoints       int
	MinPointsRatio   float64 // share of points left for a correct answer at the time limit
	DefaultTimeLimit time.Duration
	PartialCredit    bool
}

// DefaultPolicy awards 1000 points decaying linearly to half over 30s.
func DefaultPolicy() Policy {
	return Policy{
		BasePoints:       1000,
		MinPointsRatio:   0.5,
		DefaultTimeLimit: 30 * time.Second,
	}
}

// Engine scores answers. It does no I/O.
type Engine struct {
	policy Policy
}

func NewEngine(policy Policy) *Engine {
	if policy.BasePoints <= 0 {
		policy.BasePoints = DefaultPolicy().BasePoints
	}
	if policy.MinPointsRatio < 0 {
		policy.MinPointsRatio = 0
	}
	if policy.MinPointsRatio > 1 {
		policy.MinPointsRatio = 1
	}
	if policy.DefaultTimeLimit <= 0 {
		policy.DefaultTimeLimit = DefaultPolicy().DefaultTimeLimit
	}
	return &Engine{policy: policy}
}

// Score checks the answer against the question's key and converts the
// elapsed time into points.
func (e *Engine) Score(q domain.Question, a domain.Answer, elapsed time.Duration) (domain.ScoreResult, error) {
	var (
		correct bool
		credit  float64
	)
	switch q.Kind {
	case domain.QuestionKindMultipleChoice, "":
		c, ratio, err := checkChoice(q, a)
		if err != nil {
			return domain.ScoreResult{}, err
		}
		correct = c
		credit = ratio
		if !e.policy.PartialCredit && !correct {
			credit = 0
		}
	case domain.QuestionKindNumeric:
		c, err := checkNumeric(q, a)
		if err != nil {
			return domain.ScoreResult{}, err
		}
		correct = c
		if correct {
			credit = 1
		}
	default:
		return domain.ScoreResult{}, fmt.Errorf("%w: unknown kind %q", domain.ErrMalformedQuestion, q.Kind)
	}

	if credit <= 0 {
		return domain.ScoreResult{IsCorrect: correct}, nil
	}
	points := math.Floor(e.decayed(q, elapsed) * credit)
	return domain.ScoreResult{IsCorrect: correct, Points: int64(points)}, nil
}

// decayed returns the points of a fully correct answer after elapsed.
func (e *Engine) decayed(q domain.Question, elapsed time.Duration) float64 {
	base := e.policy.BasePoints
	if q.Points > 0 {
		base = q.Points
	}
	limit := e.policy.DefaultTimeLimit
	if q.TimeLimitMs > 0 {
		limit = time.Duration(q.TimeLimitMs) * time.Millisecond
	}
	frac := float64(elapsed) / float64(limit)
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return math.Floor(float64(base) * (1 - (1-e.policy.MinPointsRatio)*frac))
}

// checkChoice compares the selected set with the correct set. ratio is the
// partial credit: (right picks - wrong picks) / correct options, in [0,1].
func checkChoice(q domain.Question, a domain.Answer) (bool, float64, error) {
	correctSet := make(map[string]bool, len(q.Options))
	known := make(map[string]bool, len(q.Options))
	for _, opt := range q.Options {
		known[opt.ID] = true
		if opt.Correct {
			correctSet[opt.ID] = true
		}
	}
	if len(correctSet) == 0 {
		return false, 0, fmt.Errorf("%w: question %s has no correct option", domain.ErrMalformedQuestion, q.UID)
	}
	if len(a.OptionIDs) == 0 {
		return false, 0, fmt.Errorf("%w: no option selected", domain.ErrInvalidPayload)
	}

	selected := make(map[string]bool, len(a.OptionIDs))
	for _, id := range a.OptionIDs {
		if !known[id] {
			return false, 0, fmt.Errorf("%w: %s", domain.ErrOptionNotFound, id)
		}
		selected[id] = true
	}

	right, wrong := 0, 0
	for id := range selected {
		if correctSet[id] {
			right++
		} else {
			wrong++
		}
	}
	exact := wrong == 0 && right == len(correctSet)
	ratio := float64(right-wrong) / float64(len(correctSet))
	if ratio < 0 {
		ratio = 0
	}
	return exact, ratio, nil
}

func checkNumeric(q domain.Question, a domain.Answer) (bool, error) {
	if q.Tolerance < 0 || math.IsNaN(q.Target) {
		return false, fmt.Errorf("%w: question %s has an invalid numeric key", domain.ErrMalformedQuestion, q.UID)
	}
	if a.Value == nil || math.IsNaN(*a.Value) || math.IsInf(*a.Value, 0) {
		return false, fmt.Errorf("%w: numeric answer missing", domain.ErrInvalidPayload)
	}
	return math.Abs(*a.Value-q.Target) <= q.Tolerance, nil
}
