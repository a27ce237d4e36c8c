package ratelimit

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCounters shares fixed windows between processes through Redis.
// The first hit of a window sets its expiry; a rejected hit is taken back so it does not count.
type RedisCounters struct {
	client redis.Cmdable
}

// NewRedisCounters wraps a Redis client.
func NewRedisCounters(client redis.Cmdable) *RedisCounters {
	return &RedisCounters{client: client}
}

func (counters *RedisCounters) Increment(ctx context.Context, key string, ceiling int64, window time.Duration) (bool, error) {
	count, err := counters.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := counters.client.PExpire(ctx, key, window).Err(); err != nil {
			return false, err
		}
	}
	if count > ceiling {
		if err := counters.client.Decr(ctx, key).Err(); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (counters *RedisCounters) Delete(ctx context.Context, keys ...string) error {
	return counters.client.Del(ctx, keys...).Err()
}
