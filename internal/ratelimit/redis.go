package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:chat:"

// redisAPI is the subset of *redis.Client used by Redis.
type redisAPI interface {
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Redis is a rolling-window limiter shared by every instance pointed at the
// same Redis server. Each key is a sorted set of hit ids scored by their unix
// millisecond time.
type Redis struct {
	rdb    redisAPI
	max    int
	window time.Duration
	now    func() time.Time
}

func NewRedis(rdb redisAPI, max int, window time.Duration) (*Redis, error) {
	if rdb == nil {
		return nil, errors.New("ratelimit: redis client must not be nil")
	}
	if max <= 0 {
		max = DefaultMax
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Redis{rdb: rdb, max: max, window: window, now: time.Now}, nil
}

// Allow adds the hit before counting, so concurrent callers can only
// under-admit. A rejected hit is removed again.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	k := keyPrefix + strings.TrimSpace(key)
	now := r.now()
	nowMs := now.UnixMilli()
	cutoff := nowMs - r.window.Milliseconds()

	if err := r.rdb.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return false, fmt.Errorf("ratelimit: trim %q: %w", k, err)
	}
	member := uuid.NewString()
	if err := r.rdb.ZAdd(ctx, k, redis.Z{Score: float64(nowMs), Member: member}).Err(); err != nil {
		return false, fmt.Errorf("ratelimit: add %q: %w", k, err)
	}
	if err := r.rdb.PExpire(ctx, k, r.window).Err(); err != nil {
		return false, fmt.Errorf("ratelimit: expire %q: %w", k, err)
	}
	n, err := r.rdb.ZCard(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: count %q: %w", k, err)
	}
	if n <= int64(r.max) {
		return true, nil
	}
	if err := r.rdb.ZRem(ctx, k, member).Err(); err != nil {
		return false, fmt.Errorf("ratelimit: undo %q: %w", k, err)
	}
	return false, nil
}
