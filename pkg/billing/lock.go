package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/platinummonkey/rentbill/pkg/observability"
)

// releaseScript deletes the lock only if it still holds our token, so an expired
// lock re-acquired by another worker is left alone
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every instance pointed at the same Redis
type RedisLocker struct {
	client *redis.Client
	logger *observability.Logger
}

// NewRedisLocker connects to redisURL and verifies the connection. logger may be nil.
func NewRedisLocker(ctx context.Context, redisURL string, logger *observability.Logger) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisLockerFromClient(client, logger), nil
}

// NewRedisLockerFromClient wraps an existing client
func NewRedisLockerFromClient(client *redis.Client, logger *observability.Logger) *RedisLocker {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &RedisLocker{client: client, logger: logger}
}

// Client returns the underlying Redis client
func (l *RedisLocker) Client() *redis.Client {
	return l.client
}

// Acquire takes key for ttl. The returned release func is safe to call more than once.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock failed: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// The caller's context may already be cancelled
			rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			err := releaseScript.Run(rctx, l.client, []string{key}, token).Err()
			if err != nil && !errors.Is(err, redis.Nil) {
				l.logger.WithError(err).WithField("lock_key", key).
					Warnf("Failed to release billing lock, it will expire after %s", ttl)
			}
		})
	}
	return release, nil
}

// Ping checks Redis connectivity
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// LocalLocker is an in-process Locker for single-instance deployments
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localLock
	now  func() time.Time
}

type localLock struct {
	token   string
	expires time.Time
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localLock), now: time.Now}
}

// Acquire takes key for ttl; a zero ttl never expires
func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.held[key]; ok && (cur.expires.IsZero() || now.Before(cur.expires)) {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}

	lock := localLock{token: uuid.NewString()}
	if ttl > 0 {
		lock.expires = now.Add(ttl)
	}
	l.held[key] = lock

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[key]; ok && cur.token == lock.token {
			delete(l.held, key)
		}
	}, nil
}
