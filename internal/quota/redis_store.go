package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dailyKeyPrefix = "quota:daily:"
	dailyKeyTTL    = 35 * 24 * time.Hour

	eventKeyPrefix = "quota:event:"
	// Outlives every JetStream redelivery of an event.
	eventKeyTTL = 24 * time.Hour

	fieldRequests  = "requests"
	fieldTokens    = "tokens"
	fieldUpdatedAt = "updated_at"
)

// reserveScript increments the request counter only while it is below ARGV[1].
// Returns {reserved, requests, tokens}.
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call('HGET', KEYS[1], 'requests') or '0')
local limit = tonumber(ARGV[1])
local reserved = 0
if used < limit then
  used = redis.call('HINCRBY', KEYS[1], 'requests', 1)
  redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
  redis.call('EXPIRE', KEYS[1], ARGV[3])
  reserved = 1
end
local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens') or '0')
return {reserved, used, tokens}
`)

// applyScript adds ARGV[1] requests and ARGV[2] tokens to KEYS[2] unless the
// event marker KEYS[1] already exists. Returns {applied, requests, tokens}.
var applyScript = redis.NewScript(`
local applied = 0
if redis.call('SET', KEYS[1], '1', 'NX', 'EX', ARGV[5]) then
  redis.call('HINCRBY', KEYS[2], 'requests', ARGV[1])
  redis.call('HINCRBY', KEYS[2], 'tokens', ARGV[2])
  redis.call('HSET', KEYS[2], 'updated_at', ARGV[3])
  redis.call('EXPIRE', KEYS[2], ARGV[4])
  applied = 1
end
local requests = tonumber(redis.call('HGET', KEYS[2], 'requests') or '0')
local tokens = tonumber(redis.call('HGET', KEYS[2], 'tokens') or '0')
return {applied, requests, tokens}
`)

// RedisStore keeps one hash per user and day. Keys expire after the history
// retention window.
type RedisStore struct {
	rdb redis.Cmdable
}

// NewRedisStore creates a Redis-backed Store.
func NewRedisStore(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func dailyKey(userID string, day time.Time) string {
	return dailyKeyPrefix + userID + ":" + DateKey(day)
}

func (s *RedisStore) Get(ctx context.Context, userID string, day time.Time) (*DailyUsageRecord, error) {
	vals, err := s.rdb.HGetAll(ctx, dailyKey(userID, day)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetching daily usage: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return recordFromHash(userID, day, vals)
}

func (s *RedisStore) Increment(ctx context.Context, userID string, day time.Time, requests, tokens int) (*DailyUsageRecord, error) {
	key := dailyKey(userID, day)
	now := time.Now().UTC()

	pipe := s.rdb.TxPipeline()
	reqCmd := pipe.HIncrBy(ctx, key, fieldRequests, int64(requests))
	tokCmd := pipe.HIncrBy(ctx, key, fieldTokens, int64(tokens))
	pipe.HSet(ctx, key, fieldUpdatedAt, now.Unix())
	pipe.Expire(ctx, key, dailyKeyTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("incrementing daily usage: %w", err)
	}

	return &DailyUsageRecord{
		UserID:       userID,
		Date:         Day(day),
		RequestsUsed: int(reqCmd.Val()),
		TokensUsed:   int(tokCmd.Val()),
		UpdatedAt:    now.Truncate(time.Second),
	}, nil
}

func (s *RedisStore) ApplyEvent(ctx context.Context, eventID, userID string, day time.Time, requests, tokens int) (*DailyUsageRecord, bool, error) {
	now := time.Now().UTC()
	res, err := applyScript.Run(ctx, s.rdb,
		[]string{eventKeyPrefix + eventID, dailyKey(userID, day)},
		requests, tokens, now.Unix(),
		int64(dailyKeyTTL/time.Second), int64(eventKeyTTL/time.Second),
	).Int64Slice()
	if err != nil {
		return nil, false, fmt.Errorf("applying usage event: %w", err)
	}
	if len(res) != 3 {
		return nil, false, fmt.Errorf("applying usage event: unexpected reply %v", res)
	}

	return &DailyUsageRecord{
		UserID:       userID,
		Date:         Day(day),
		RequestsUsed: int(res[1]),
		TokensUsed:   int(res[2]),
		UpdatedAt:    now.Truncate(time.Second),
	}, res[0] == 1, nil
}

func (s *RedisStore) ReserveRequest(ctx context.Context, userID string, day time.Time, limit int) (*DailyUsageRecord, bool, error) {
	now := time.Now().UTC()
	res, err := reserveScript.Run(ctx, s.rdb,
		[]string{dailyKey(userID, day)},
		limit, now.Unix(), int64(dailyKeyTTL/time.Second),
	).Int64Slice()
	if err != nil {
		return nil, false, fmt.Errorf("reserving daily request: %w", err)
	}
	if len(res) != 3 {
		return nil, false, fmt.Errorf("reserving daily request: unexpected reply %v", res)
	}

	return &DailyUsageRecord{
		UserID:       userID,
		Date:         Day(day),
		RequestsUsed: int(res[1]),
		TokensUsed:   int(res[2]),
		UpdatedAt:    now.Truncate(time.Second),
	}, res[0] == 1, nil
}

func (s *RedisStore) ListRange(ctx context.Context, userID string, from, to time.Time) ([]DailyUsageRecord, error) {
	from, to = Day(from), Day(to)
	if to.Before(from) {
		return nil, nil
	}

	var days []time.Time
	pipe := s.rdb.Pipeline()
	var cmds []*redis.MapStringStringCmd
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
		cmds = append(cmds, pipe.HGetAll(ctx, dailyKey(userID, d)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("listing daily usage: %w", err)
	}

	var records []DailyUsageRecord
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		rec, err := recordFromHash(userID, days[i], vals)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

func recordFromHash(userID string, day time.Time, vals map[string]string) (*DailyUsageRecord, error) {
	rec := &DailyUsageRecord{UserID: userID, Date: Day(day)}
	var err error
	if v, ok := vals[fieldRequests]; ok {
		if rec.RequestsUsed, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("parsing %s for %s: %w", fieldRequests, userID, err)
		}
	}
	if v, ok := vals[fieldTokens]; ok {
		if rec.TokensUsed, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("parsing %s for %s: %w", fieldTokens, userID, err)
		}
	}
	if v, ok := vals[fieldUpdatedAt]; ok {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			rec.UpdatedAt = time.Unix(sec, 0).UTC()
		}
	}
	return rec, nil
}
