package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"live-quiz-service/internal/domain"
)

// Scores on the sorted sets are composite: total*1e9 plus a reversed
// sequence number, so equal totals rank by who reached them first.
const seqSpace = 1e9

const dirtyKey = "games:dirty"

// ensureScript creates the participant hash on first join and puts a live
// participant on the live board.
var ensureScript = redis.NewScript(`
local created = 0
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], 'user_id', ARGV[1], 'username', ARGV[2], 'avatar', ARGV[3],
    'live', 0, 'deferred', 0, 'attempts', 0, 'joined_at', ARGV[4])
  local seq = redis.call('INCR', KEYS[3])
  redis.call('ZADD', KEYS[2], seq, ARGV[1])
  created = 1
elseif ARGV[2] ~= '' then
  redis.call('HSET', KEYS[1], 'username', ARGV[2], 'avatar', ARGV[3])
end
if ARGV[5] == 'live' and not redis.call('ZSCORE', KEYS[4], ARGV[1]) then
  local live = tonumber(redis.call('HGET', KEYS[1], 'live'))
  local seq = redis.call('INCR', KEYS[3])
  redis.call('ZADD', KEYS[4], string.format('%.0f', live * 1e9 + (1e9 - 1 - seq)), ARGV[1])
end
local ttl = tonumber(ARGV[6])
if ttl > 0 then
  for i = 1, 4 do redis.call('EXPIRE', KEYS[i], ttl) end
end
return created
`)

// applyScript journals one answer and applies its delta and leaderboard
// update atomically. Returns {status, total}: 1 applied, 0 duplicate,
// -1 unknown participant, -2 unknown attempt.
var applyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {-1, 0} end
local target = ARGV[1]
if target == 'deferred' then
  local n = tonumber(ARGV[5])
  local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0')
  if n < 1 or n > attempts then return {-2, 0} end
end
if redis.call('HEXISTS', KEYS[2], ARGV[2]) == 1 then
  local cur
  if target == 'live' then
    cur = redis.call('HGET', KEYS[1], 'live')
  else
    cur = redis.call('HGET', KEYS[3], ARGV[5])
  end
  return {0, tonumber(cur or '0')}
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
local delta = tonumber(ARGV[4])
local total
if target == 'live' then
  total = redis.call('HINCRBY', KEYS[1], 'live', delta)
  if delta > 0 or not redis.call('ZSCORE', KEYS[4], ARGV[6]) then
    local seq = redis.call('INCR', KEYS[5])
    redis.call('ZADD', KEYS[4], string.format('%.0f', total * 1e9 + (1e9 - 1 - seq)), ARGV[6])
  end
else
  total = redis.call('HINCRBY', KEYS[3], ARGV[5], delta)
  local best = redis.call('ZSCORE', KEYS[4], ARGV[6])
  if not best or total > math.floor(tonumber(best) / 1e9) then
    local seq = redis.call('INCR', KEYS[5])
    redis.call('ZADD', KEYS[4], string.format('%.0f', total * 1e9 + (1e9 - 1 - seq)), ARGV[6])
    redis.call('HSET', KEYS[1], 'deferred', total)
  end
end
local ttl = tonumber(ARGV[7])
if ttl > 0 then
  for i = 1, 5 do redis.call('EXPIRE', KEYS[i], ttl) end
end
return {1, total}
`)

var nextAttemptScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
return redis.call('HINCRBY', KEYS[1], 'attempts', 1)
`)

// ScoreStore keeps participant records and leaderboards in Redis.
// Layout per game (hash-tagged on the game id):
//
//	game:{id}:p:{user}        hash  profile, live, deferred (best attempt), attempts
//	game:{id}:journal:{user}  hash  {attempt}|{question} -> answer record
//	game:{id}:attempts:{user} hash  attempt number -> total
//	game:{id}:lb:{target}     zset  composite score per user
//	game:{id}:participants    zset  join order
//	game:{id}:seq             counter for tie-breaks
type ScoreStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewScoreStore(client *redis.Client, ttl time.Duration) *ScoreStore {
	return &ScoreStore{client: client, ttl: ttl, now: time.Now}
}

func (s *ScoreStore) EnsureParticipant(ctx context.Context, gameID string, profile domain.Profile, target domain.Target) (domain.ParticipantRecord, error) {
	if profile.UserID == "" {
		return domain.ParticipantRecord{}, fmt.Errorf("%w: missing user id", domain.ErrInvalidPayload)
	}
	if err := s.MarkDirty(ctx, gameID); err != nil {
		return domain.ParticipantRecord{}, err
	}
	err := ensureScript.Run(ctx, s.client, ensureKeys(gameID, profile.UserID),
		profile.UserID, profile.Username, profile.Avatar,
		s.now().UnixMilli(), string(target), s.ttlSeconds(),
	).Err()
	if err != nil {
		return domain.ParticipantRecord{}, domain.NewStorageError("ensure participant", err)
	}
	return s.Participant(ctx, gameID, profile.UserID)
}

func (s *ScoreStore) Participant(ctx context.Context, gameID, userID string) (domain.ParticipantRecord, error) {
	recs, err := s.readRecords(ctx, gameID, []string{userID})
	if err != nil {
		return domain.ParticipantRecord{}, err
	}
	if len(recs) == 0 {
		return domain.ParticipantRecord{}, domain.ErrUnknownParticipant
	}
	return recs[0], nil
}

func (s *ScoreStore) NextAttempt(ctx context.Context, gameID, userID string) (int, error) {
	if err := s.MarkDirty(ctx, gameID); err != nil {
		return 0, err
	}
	n, err := nextAttemptScript.Run(ctx, s.client, []string{participantKey(gameID, userID)}).Int()
	if err != nil {
		return 0, domain.NewStorageError("next attempt", err)
	}
	if n < 0 {
		return 0, domain.ErrUnknownParticipant
	}
	return n, nil
}

func (s *ScoreStore) ApplyScore(ctx context.Context, m domain.ScoreMutation) (domain.ScoreOutcome, error) {
	record, err := json.Marshal(m.Record)
	if err != nil {
		return domain.ScoreOutcome{}, err
	}
	target := m.Attempt.Target
	if target != domain.TargetLive && target != domain.TargetDeferred {
		return domain.ScoreOutcome{}, fmt.Errorf("%w: unknown target %q", domain.ErrInvalidPayload, target)
	}
	if err := s.MarkDirty(ctx, m.GameID); err != nil {
		return domain.ScoreOutcome{}, err
	}
	res, err := applyScript.Run(ctx, s.client, applyKeys(m),
		string(target), domain.JournalKey(m.Attempt, m.QuestionUID), record,
		m.Delta, m.Attempt.Number, m.UserID, s.ttlSeconds(),
	).Int64Slice()
	if err != nil {
		return domain.ScoreOutcome{}, domain.NewStorageError("apply score", err)
	}
	if len(res) != 2 {
		return domain.ScoreOutcome{}, domain.NewStorageError("apply score", fmt.Errorf("unexpected reply %v", res))
	}
	switch res[0] {
	case -1:
		return domain.ScoreOutcome{}, domain.ErrUnknownParticipant
	case -2:
		return domain.ScoreOutcome{}, fmt.Errorf("%w: %d", domain.ErrUnknownAttempt, m.Attempt.Number)
	}
	return domain.ScoreOutcome{Accepted: res[0] == 1, NewScore: res[1]}, nil
}

// TopN returns the n best entries of a board; n <= 0 returns all of them.
func (s *ScoreStore) TopN(ctx context.Context, gameID string, target domain.Target, n int) ([]domain.LeaderboardEntry, error) {
	stop := int64(-1)
	if n > 0 {
		stop = int64(n - 1)
	}
	members, err := s.client.ZRevRangeWithScores(ctx, boardKey(gameID, target), 0, stop).Result()
	if err != nil {
		return nil, domain.NewStorageError("top n", err)
	}
	if len(members) == 0 {
		return []domain.LeaderboardEntry{}, nil
	}

	pipe := s.client.Pipeline()
	profiles := make([]*redis.SliceCmd, len(members))
	for i, m := range members {
		profiles[i] = pipe.HMGet(ctx, participantKey(gameID, m.Member.(string)), "username", "avatar")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, domain.NewStorageError("top n profiles", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(members))
	for i, m := range members {
		username, avatar := profileFields(profiles[i].Val())
		entries = append(entries, domain.LeaderboardEntry{
			UserID:   m.Member.(string),
			Username: username,
			Avatar:   avatar,
			Score:    decodeScore(m.Score),
			Rank:     int64(i + 1),
		})
	}
	return entries, nil
}

func (s *ScoreStore) RankOf(ctx context.Context, gameID string, target domain.Target, userID string) (domain.LeaderboardEntry, error) {
	pipe := s.client.Pipeline()
	rankCmd := pipe.ZRevRank(ctx, boardKey(gameID, target), userID)
	scoreCmd := pipe.ZScore(ctx, boardKey(gameID, target), userID)
	profileCmd := pipe.HMGet(ctx, participantKey(gameID, userID), "username", "avatar")
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.LeaderboardEntry{}, domain.NewStorageError("rank of", err)
	}

	rank, err := rankCmd.Result()
	if errors.Is(err, redis.Nil) {
		return domain.LeaderboardEntry{}, domain.ErrUnknownParticipant
	}
	if err != nil {
		return domain.LeaderboardEntry{}, domain.NewStorageError("rank of", err)
	}
	username, avatar := profileFields(profileCmd.Val())
	return domain.LeaderboardEntry{
		UserID:   userID,
		Username: username,
		Avatar:   avatar,
		Score:    decodeScore(scoreCmd.Val()),
		Rank:     rank + 1,
	}, nil
}

func (s *ScoreStore) Count(ctx context.Context, gameID string, target domain.Target) (int, error) {
	n, err := s.client.ZCard(ctx, boardKey(gameID, target)).Result()
	if err != nil {
		return 0, domain.NewStorageError("count", err)
	}
	return int(n), nil
}

func (s *ScoreStore) Participants(ctx context.Context, gameID string) ([]domain.ParticipantRecord, error) {
	users, err := s.client.ZRange(ctx, participantsKey(gameID), 0, -1).Result()
	if err != nil {
		return nil, domain.NewStorageError("participants", err)
	}
	if len(users) == 0 {
		return nil, nil
	}
	return s.readRecords(ctx, gameID, users)
}

// TakeDirty pops every game changed since the last call.
func (s *ScoreStore) TakeDirty(ctx context.Context) ([]string, error) {
	var out []string
	for {
		batch, err := s.client.SPopN(ctx, dirtyKey, 500).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return out, domain.NewStorageError("take dirty", err)
		}
		out = append(out, batch...)
		if len(batch) < 500 {
			return out, nil
		}
	}
}

func (s *ScoreStore) MarkDirty(ctx context.Context, gameID string) error {
	if err := s.client.SAdd(ctx, dirtyKey, gameID).Err(); err != nil {
		return domain.NewStorageError("mark dirty", err)
	}
	return nil
}

func (s *ScoreStore) readRecords(ctx context.Context, gameID string, users []string) ([]domain.ParticipantRecord, error) {
	pipe := s.client.Pipeline()
	type cmds struct {
		profile  *redis.MapStringStringCmd
		journal  *redis.MapStringStringCmd
		attempts *redis.MapStringStringCmd
	}
	all := make([]cmds, len(users))
	for i, user := range users {
		all[i] = cmds{
			profile:  pipe.HGetAll(ctx, participantKey(gameID, user)),
			journal:  pipe.HGetAll(ctx, journalKey(gameID, user)),
			attempts: pipe.HGetAll(ctx, attemptsKey(gameID, user)),
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, domain.NewStorageError("read participants", err)
	}

	out := make([]domain.ParticipantRecord, 0, len(users))
	for i, user := range users {
		fields := all[i].profile.Val()
		if len(fields) == 0 {
			continue
		}
		rec := domain.ParticipantRecord{
			GameID: gameID,
			Profile: domain.Profile{
				UserID:   user,
				Username: fields["username"],
				Avatar:   fields["avatar"],
			},
			LiveScore:     parseInt(fields["live"]),
			DeferredScore: parseInt(fields["deferred"]),
			Attempts:      int(parseInt(fields["attempts"])),
			JoinedAt:      time.UnixMilli(parseInt(fields["joined_at"])).UTC(),
			AttemptScores: make(map[int]int64),
			Journal:       make(map[string]domain.AnswerRecord),
		}
		for k, v := range all[i].attempts.Val() {
			if n, err := strconv.Atoi(k); err == nil {
				rec.AttemptScores[n] = parseInt(v)
			}
		}
		for k, v := range all[i].journal.Val() {
			var ar domain.AnswerRecord
			if err := json.Unmarshal([]byte(v), &ar); err == nil {
				rec.Journal[k] = ar
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// Script keys all carry the game hash tag so every script runs on one
// cluster slot. The dirty set is global and is written outside the scripts,
// before them: a spurious mark only costs an extra flush.
func ensureKeys(gameID, userID string) []string {
	return []string{
		participantKey(gameID, userID),
		participantsKey(gameID),
		seqKey(gameID),
		boardKey(gameID, domain.TargetLive),
	}
}

func applyKeys(m domain.ScoreMutation) []string {
	return []string{
		participantKey(m.GameID, m.UserID),
		journalKey(m.GameID, m.UserID),
		attemptsKey(m.GameID, m.UserID),
		boardKey(m.GameID, m.Attempt.Target),
		seqKey(m.GameID),
	}
}

func (s *ScoreStore) ttlSeconds() int64 {
	if s.ttl <= 0 {
		return 0
	}
	return int64(math.Ceil(s.ttl.Seconds()))
}

func decodeScore(composite float64) int64 {
	return int64(math.Floor(composite / seqSpace))
}

func profileFields(vals []interface{}) (string, string) {
	var username, avatar string
	if len(vals) > 0 {
		username, _ = vals[0].(string)
	}
	if len(vals) > 1 {
		avatar, _ = vals[1].(string)
	}
	return username, avatar
}

func parseInt(raw string) int64 {
	n, _ := strconv.ParseInt(raw, 10, 64)
	return n
}

func gamePrefix(gameID string) string {
	return "game:{" + gameID + "}"
}

func participantKey(gameID, userID string) string {
	return gamePrefix(gameID) + ":p:" + userID
}

func journalKey(gameID, userID string) string {
	return gamePrefix(gameID) + ":journal:" + userID
}

func attemptsKey(gameID, userID string) string {
	return gamePrefix(gameID) + ":attempts:" + userID
}

func boardKey(gameID string, target domain.Target) string {
	return gamePrefix(gameID) + ":lb:" + string(target)
}

func participantsKey(gameID string) string {
	return gamePrefix(gameID) + ":participants"
}

func seqKey(gameID string) string {
	return gamePrefix(gameID) + ":seq"
}

func stateKey(gameID string) string {
	return gamePrefix(gameID) + ":state"
}
