package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/retention/backend/internal/infrastructure/config"
	"go.uber.org/zap"
)

// New builds the Locker selected by cfg.Sync.LockBackend. The returned close
// function releases backend resources.
//
// When the redis backend is configured but unreachable, development falls
// back to the in-memory lock with a warning; other environments fail.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Locker, func() error, error) {
	noop := func() error { return nil }

	if cfg.Sync.LockBackend != "redis" {
		logger.Info("using in-memory sync lock")
		return NewMemoryLock(), noop, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		if cfg.App.Env != "development" {
			return nil, nil, fmt.Errorf("redis required for sync lock but unavailable: %w", err)
		}
		logger.Warn("Redis unavailable, falling back to in-memory sync lock. "+
			"Concurrent instances may run the same integration twice.",
			zap.Error(err),
		)
		return NewMemoryLock(), noop, nil
	}

	ttl := cfg.Sync.RunTimeout + cfg.Sync.LockGrace
	logger.Info("using Redis sync lock", zap.String("addr", cfg.Redis.Addr()), zap.Duration("ttl", ttl))
	l := NewRedisLock(client, ttl, WithLogger(logger.Named("lock")))
	return l, l.Close, nil
}
