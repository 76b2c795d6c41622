package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// recordFailureScript charges one attempt and, at the threshold, converts the
// counter into a block atomically. KEYS[1] is the counter, KEYS[2] the block.
// ARGV: window ms, max attempts, block ms. Returns remaining block in ms, or
// 0 when the key is still under budget. The counter is deleted when the block
// is set so the two never coexist.
var recordFailureScript = redis.NewScript(`
if redis.call("PTTL", KEYS[2]) > 0 then
	return redis.call("PTTL", KEYS[2])
end
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
if count >= tonumber(ARGV[2]) then
	redis.call("SET", KEYS[2], "1", "PX", ARGV[3])
	redis.call("DEL", KEYS[1])
	return tonumber(ARGV[3])
end
return 0
`)

// redisBackend is the shared cross-instance limiter state: a fixed-window
// counter key plus a separate block key whose TTL doubles as the retry-after.
type redisBackend struct {
	redis  redis.UniversalClient
	prefix string
}

func newRedisBackend(client redis.UniversalClient, prefix string) *redisBackend {
	return &redisBackend{redis: client, prefix: prefix}
}

func (b *redisBackend) counterKey(key string) string {
	return b.prefix + ":c:" + key
}

func (b *redisBackend) blockKey(key string) string {
	return b.prefix + ":b:" + key
}

// check consults only the block marker; an active block never reconsults the
// counter.
func (b *redisBackend) check(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := b.redis.PTTL(ctx, b.blockKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ttl > 0 {
		return ttl, nil
	}
	return 0, nil
}

func (b *redisBackend) recordFailure(ctx context.Context, key string, pol Policy) (time.Duration, error) {
	blockedMs, err := recordFailureScript.Run(
		ctx,
		b.redis,
		[]string{b.counterKey(key), b.blockKey(key)},
		pol.Window.Milliseconds(),
		pol.MaxAttempts,
		pol.Block.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if blockedMs > 0 {
		return time.Duration(blockedMs) * time.Millisecond, nil
	}
	return 0, nil
}

func (b *redisBackend) reset(ctx context.Context, key string) error {
	if err := b.redis.Del(ctx, b.counterKey(key), b.blockKey(key)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
