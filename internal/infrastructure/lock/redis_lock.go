package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultKeyPrefix = "retention:lock:"

// releaseScript deletes the key only while it still holds our token, so a
// holder whose TTL expired cannot free a lock someone else now owns.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the TTL only while the key still holds our token
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock is a Locker shared by every instance pointed at the same Redis.
// Keys expire after ttl so a crashed holder cannot block an integration
// forever. A live holder extends its key every renewEvery until it releases,
// so a run may outlast ttl.
type RedisLock struct {
	client     redis.UniversalClient
	keyPrefix  string
	ttl        time.Duration
	renewEvery time.Duration
	logger     *zap.Logger
}

// RedisLockOption configures a RedisLock
type RedisLockOption func(*RedisLock)

// WithKeyPrefix overrides the key namespace
func WithKeyPrefix(prefix string) RedisLockOption {
	return func(l *RedisLock) {
		l.keyPrefix = prefix
	}
}

// WithRenewInterval sets how often a held key is extended. Zero disables
// renewal and keys then live for ttl at most.
func WithRenewInterval(d time.Duration) RedisLockOption {
	return func(l *RedisLock) {
		l.renewEvery = d
	}
}

// WithLogger sets the logger used for release and renewal failures
func WithLogger(logger *zap.Logger) RedisLockOption {
	return func(l *RedisLock) {
		l.logger = logger
	}
}

// NewRedisLock creates a lock on an existing client
func NewRedisLock(client redis.UniversalClient, ttl time.Duration, opts ...RedisLockOption) *RedisLock {
	l := &RedisLock{
		client:     client,
		keyPrefix:  defaultKeyPrefix,
		ttl:        ttl,
		renewEvery: ttl / 3,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryAcquire sets key with SET NX PX and a random token. Release stops the
// renewal before deleting the key.
func (l *RedisLock) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	fullKey := l.keyPrefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	stopped := make(chan struct{})
	if l.renewEvery > 0 {
		go l.renew(key, fullKey, token, stop, stopped)
	} else {
		close(stopped)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-stopped
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{fullKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				// the TTL frees the key eventually
				l.logger.Warn("failed to release sync lock", zap.String("key", key), zap.Error(err))
			}
		})
	}, true, nil
}

// renew extends fullKey until stop is closed or the token no longer matches
func (l *RedisLock) renew(key, fullKey, token string, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(l.renewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.renewEvery)
		n, err := extendScript.Run(ctx, l.client, []string{fullKey}, token, l.ttl.Milliseconds()).Int64()
		cancel()
		switch {
		case err != nil:
			// retried on the next tick while the key still has TTL left
			l.logger.Warn("failed to extend sync lock", zap.String("key", key), zap.Error(err))
		case n == 0:
			l.logger.Warn("sync lock expired before release", zap.String("key", key))
			return
		}
	}
}

// Held reports whether key exists
func (l *RedisLock) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, l.keyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	return n > 0, nil
}

// Ping reports whether Redis is reachable
func (l *RedisLock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (l *RedisLock) Close() error {
	return l.client.Close()
}

var _ Locker = (*RedisLock)(nil)
