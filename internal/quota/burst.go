package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	burstKeyPrefix = "quota:minute:"
	burstWindow    = 60 * time.Second
	burstKeyTTL    = 90 * time.Second
)

// BurstLimiter is a per-user Redis sorted-set sliding window over the last
// minute. It guards the chat endpoint in front of the daily allowance.
type BurstLimiter struct {
	rdb redis.Cmdable
	now func() time.Time
}

// NewBurstLimiter creates a Redis-based per-minute limiter.
func NewBurstLimiter(rdb redis.Cmdable) *BurstLimiter {
	return &BurstLimiter{rdb: rdb, now: time.Now}
}

// Allow records a request for userID if fewer than maxPerMinute were seen in
// the window. When denied it returns how long until the oldest entry expires.
func (b *BurstLimiter) Allow(ctx context.Context, userID string, maxPerMinute int) (bool, time.Duration, error) {
	key := burstKeyPrefix + userID
	now := b.now()
	windowStart := now.Add(-burstWindow).UnixMilli()

	pipe := b.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("burst limiter pipeline (clean+count): %w", err)
	}

	if countCmd.Val() >= int64(maxPerMinute) {
		retry := burstWindow
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			expires := time.UnixMilli(int64(oldest[0].Score)).Add(burstWindow)
			retry = max(expires.Sub(now), time.Second)
		}
		return false, retry, nil
	}

	pipe = b.rdb.Pipeline()
	member := fmt.Sprintf("%d:%d", now.UnixNano(), countCmd.Val())
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.Expire(ctx, key, burstKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("burst limiter pipeline (add): %w", err)
	}

	return true, 0, nil
}
