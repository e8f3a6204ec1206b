package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"live-quiz-service/internal/domain"
)

// ScoreStore keeps participant records and both leaderboards in memory.
// A single mutex makes every mutation atomic.
type ScoreStore struct {
	now func() time.Time

	mu    sync.RWMutex
	games map[string]*gameScores
	dirty map[string]struct{}
}

type gameScores struct {
	seq          int64
	participants map[string]*participant
}

type participant struct {
	rec      domain.ParticipantRecord
	boards   map[domain.Target]*boardEntry
	joinedAt int64
}

// boardEntry orders equal scores by the sequence at which they were reached.
type boardEntry struct {
	score int64
	seq   int64
}

func NewScoreStore(now func() time.Time) *ScoreStore {
	if now == nil {
		now = time.Now
	}
	return &ScoreStore{
		now:   now,
		games: make(map[string]*gameScores),
		dirty: make(map[string]struct{}),
	}
}

func (s *ScoreStore) EnsureParticipant(_ context.Context, gameID string, profile domain.Profile, target domain.Target) (domain.ParticipantRecord, error) {
	if profile.UserID == "" {
		return domain.ParticipantRecord{}, fmt.Errorf("%w: missing user id", domain.ErrInvalidPayload)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.game(gameID)
	p, ok := g.participants[profile.UserID]
	if !ok {
		g.seq++
		p = &participant{
			rec: domain.ParticipantRecord{
				GameID:        gameID,
				Profile:       profile,
				AttemptScores: make(map[int]int64),
				Journal:       make(map[string]domain.AnswerRecord),
				JoinedAt:      s.now(),
			},
			boards:   make(map[domain.Target]*boardEntry),
			joinedAt: g.seq,
		}
		g.participants[profile.UserID] = p
		s.dirty[gameID] = struct{}{}
	} else if profile.Username != "" {
		p.rec.Profile.Username = profile.Username
		p.rec.Profile.Avatar = profile.Avatar
	}
	if target == domain.TargetLive && p.boards[domain.TargetLive] == nil {
		g.seq++
		p.boards[domain.TargetLive] = &boardEntry{score: p.rec.LiveScore, seq: g.seq}
	}
	return copyRecord(p.rec), nil
}

func (s *ScoreStore) Participant(_ context.Context, gameID, userID string) (domain.ParticipantRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.lookup(gameID, userID)
	if !ok {
		return domain.ParticipantRecord{}, domain.ErrUnknownParticipant
	}
	return copyRecord(p.rec), nil
}

func (s *ScoreStore) NextAttempt(_ context.Context, gameID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.lookup(gameID, userID)
	if !ok {
		return 0, domain.ErrUnknownParticipant
	}
	p.rec.Attempts++
	s.dirty[gameID] = struct{}{}
	return p.rec.Attempts, nil
}

func (s *ScoreStore) ApplyScore(_ context.Context, m domain.ScoreMutation) (domain.ScoreOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.lookup(m.GameID, m.UserID)
	if !ok {
		return domain.ScoreOutcome{}, domain.ErrUnknownParticipant
	}
	if m.Attempt.Target == domain.TargetDeferred && (m.Attempt.Number <= 0 || m.Attempt.Number > p.rec.Attempts) {
		return domain.ScoreOutcome{}, fmt.Errorf("%w: %d", domain.ErrUnknownAttempt, m.Attempt.Number)
	}

	key := domain.JournalKey(m.Attempt, m.QuestionUID)
	if _, dup := p.rec.Journal[key]; dup {
		return domain.ScoreOutcome{Accepted: false, NewScore: attemptScore(p.rec, m.Attempt)}, nil
	}
	p.rec.Journal[key] = m.Record

	g := s.games[m.GameID]
	var total int64
	switch m.Attempt.Target {
	case domain.TargetLive:
		p.rec.LiveScore += m.Delta
		total = p.rec.LiveScore
		entry := p.boards[domain.TargetLive]
		if entry == nil || m.Delta > 0 {
			g.seq++
			p.boards[domain.TargetLive] = &boardEntry{score: total, seq: g.seq}
		}
	case domain.TargetDeferred:
		p.rec.AttemptScores[m.Attempt.Number] += m.Delta
		total = p.rec.AttemptScores[m.Attempt.Number]
		entry := p.boards[domain.TargetDeferred]
		if entry == nil || total > entry.score {
			g.seq++
			p.boards[domain.TargetDeferred] = &boardEntry{score: total, seq: g.seq}
			p.rec.DeferredScore = total
		}
	default:
		delete(p.rec.Journal, key)
		return domain.ScoreOutcome{}, fmt.Errorf("%w: unknown target %q", domain.ErrInvalidPayload, m.Attempt.Target)
	}
	s.dirty[m.GameID] = struct{}{}
	return domain.ScoreOutcome{Accepted: true, NewScore: total}, nil
}

// TopN returns the n best entries of a board; n <= 0 returns all of them.
func (s *ScoreStore) TopN(_ context.Context, gameID string, target domain.Target, n int) ([]domain.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.ranked(gameID, target)
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

func (s *ScoreStore) RankOf(_ context.Context, gameID string, target domain.Target, userID string) (domain.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.ranked(gameID, target) {
		if entry.UserID == userID {
			return entry, nil
		}
	}
	return domain.LeaderboardEntry{}, domain.ErrUnknownParticipant
}

func (s *ScoreStore) Count(_ context.Context, gameID string, target domain.Target) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	if g, ok := s.games[gameID]; ok {
		for _, p := range g.participants {
			if p.boards[target] != nil {
				n++
			}
		}
	}
	return n, nil
}

func (s *ScoreStore) Participants(_ context.Context, gameID string) ([]domain.ParticipantRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.games[gameID]
	if !ok {
		return nil, nil
	}
	ps := make([]*participant, 0, len(g.participants))
	for _, p := range g.participants {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].joinedAt < ps[j].joinedAt })
	out := make([]domain.ParticipantRecord, 0, len(ps))
	for _, p := range ps {
		out = append(out, copyRecord(p.rec))
	}
	return out, nil
}

// TakeDirty returns and clears the games changed since the last call.
func (s *ScoreStore) TakeDirty(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		out = append(out, id)
	}
	s.dirty = make(map[string]struct{})
	sort.Strings(out)
	return out, nil
}

func (s *ScoreStore) MarkDirty(_ context.Context, gameID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty[gameID] = struct{}{}
	return nil
}

func (s *ScoreStore) ranked(gameID string, target domain.Target) []domain.LeaderboardEntry {
	g, ok := s.games[gameID]
	if !ok {
		return []domain.LeaderboardEntry{}
	}
	type row struct {
		p     *participant
		entry *boardEntry
	}
	rows := make([]row, 0, len(g.participants))
	for _, p := range g.participants {
		if e := p.boards[target]; e != nil {
			rows = append(rows, row{p: p, entry: e})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].entry.score != rows[j].entry.score {
			return rows[i].entry.score > rows[j].entry.score
		}
		return rows[i].entry.seq < rows[j].entry.seq
	})
	out := make([]domain.LeaderboardEntry, 0, len(rows))
	for i, r := range rows {
		out = append(out, domain.LeaderboardEntry{
			UserID:   r.p.rec.Profile.UserID,
			Username: r.p.rec.Profile.Username,
			Avatar:   r.p.rec.Profile.Avatar,
			Score:    r.entry.score,
			Rank:     int64(i + 1),
		})
	}
	return out
}

func (s *ScoreStore) game(gameID string) *gameScores {
	g, ok := s.games[gameID]
	if !ok {
		g = &gameScores{participants: make(map[string]*participant)}
		s.games[gameID] = g
	}
	return g
}

func (s *ScoreStore) lookup(gameID, userID string) (*participant, bool) {
	g, ok := s.games[gameID]
	if !ok {
		return nil, false
	}
	p, ok := g.participants[userID]
	return p, ok
}

func attemptScore(rec domain.ParticipantRecord, attempt domain.Attempt) int64 {
	if attempt.Target == domain.TargetLive {
		return rec.LiveScore
	}
	return rec.AttemptScores[attempt.Number]
}

func copyRecord(rec domain.ParticipantRecord) domain.ParticipantRecord {
	out := rec
	out.AttemptScores = make(map[int]int64, len(rec.AttemptScores))
	for k, v := range rec.AttemptScores {
		out.AttemptScores[k] = v
	}
	out.Journal = make(map[string]domain.AnswerRecord, len(rec.Journal))
	for k, v := range rec.Journal {
		out.Journal[k] = v
	}
	return out
}

// ScoreArchive is an in-memory durable store applying the max-merge rule.
type ScoreArchive struct {
	mu     sync.RWMutex
	scores map[string]map[string]domain.DurableScore
}

func NewScoreArchive() *ScoreArchive {
	return &ScoreArchive{scores: make(map[string]map[string]domain.DurableScore)}
}

// MaxMerge stores, per field, the greater of the stored and the candidate value.
func (a *ScoreArchive) MaxMerge(_ context.Context, gameID string, rows []domain.DurableScore) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	byUser, ok := a.scores[gameID]
	if !ok {
		byUser = make(map[string]domain.DurableScore)
		a.scores[gameID] = byUser
	}
	for _, row := range rows {
		cur, ok := byUser[row.UserID]
		if !ok {
			byUser[row.UserID] = row
			continue
		}
		cur.Username = row.Username
		cur.LiveScore = max(cur.LiveScore, row.LiveScore)
		cur.DeferredScore = max(cur.DeferredScore, row.DeferredScore)
		cur.Attempts = max(cur.Attempts, row.Attempts)
		byUser[row.UserID] = cur
	}
	return nil
}

// Get returns the archived row of a participant.
func (a *ScoreArchive) Get(_ context.Context, gameID, userID string) (domain.DurableScore, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	row, ok := a.scores[gameID][userID]
	return row, ok, nil
}
