package middleware

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisLimiter counts requests per fixed window in Redis, shared across instances
type RedisLimiter struct {
	redis  *redis.Client
	config RateLimitConfig
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter. Keys are stored under prefix.
func NewRedisLimiter(client *redis.Client, config RateLimitConfig, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{redis: client, config: config, prefix: prefix}
}

// Allow increments key's counter for the current window
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := fmt.Sprintf("%s:%s", l.prefix, key)

	// The SETNX opens the window with its expiry; INCR keeps the TTL
	pipe := l.redis.TxPipeline()
	pipe.SetNX(ctx, redisKey, 0, l.config.WindowDuration)
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{Allowed: true}, fmt.Errorf("redis rate limit: %w", err)
	}

	count := int(incr.Val())
	d := Decision{Limit: l.config.RequestsPerWindow}
	if count <= l.config.RequestsPerWindow {
		d.Allowed = true
		d.Remaining = l.config.RequestsPerWindow - count
		return d, nil
	}

	d.RetryAfter = ttl.Val()
	if d.RetryAfter <= 0 {
		d.RetryAfter = l.config.WindowDuration
	}
	return d, nil
}

// Reset clears the counter for key
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, fmt.Sprintf("%s:%s", l.prefix, key)).Err()
}

var (
	_ Limiter = (*LocalLimiter)(nil)
	_ Limiter = (*RedisLimiter)(nil)
)
