package cache

import (
	"context"
	"fmt"

	"github.com/erp/marketsync/internal/domain/marketsync"
	"github.com/erp/marketsync/internal/infrastructure/config"
	"go.uber.org/zap"
)

// KeyLockerFactory creates the per-key upsert locker based on configuration
type KeyLockerFactory struct {
	redisConfig        config.RedisConfig
	logger             *zap.Logger
	allowLocalFallback bool
}

// KeyLockerFactoryOption is a functional option for configuring the factory
type KeyLockerFactoryOption func(*KeyLockerFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) KeyLockerFactoryOption {
	return func(f *KeyLockerFactory) {
		f.logger = logger
	}
}

// WithLocalFallback controls whether to fall back to an in-process locker
// when Redis is enabled but unreachable. Default is true.
func WithLocalFallback(allow bool) KeyLockerFactoryOption {
	return func(f *KeyLockerFactory) {
		f.allowLocalFallback = allow
	}
}

// NewKeyLockerFactory creates a new factory
func NewKeyLockerFactory(cfg config.RedisConfig, opts ...KeyLockerFactoryOption) *KeyLockerFactory {
	f := &KeyLockerFactory{
		redisConfig:        cfg,
		logger:             zap.NewNop(),
		allowLocalFallback: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create returns a Redis locker when Redis is enabled and reachable, otherwise
// an in-process locker. The returned close func releases any connection.
func (f *KeyLockerFactory) Create(ctx context.Context) (marketsync.KeyLocker, func() error, error) {
	noop := func() error { return nil }
	if !f.redisConfig.Enabled {
		f.logger.Info("using in-process key locker")
		return NewLocalKeyLocker(), noop, nil
	}

	client, err := NewRedisClient(ctx, f.redisConfig)
	if err == nil {
		locker := NewRedisKeyLocker(client, f.redisConfig.KeyPrefix, f.redisConfig.LockTTL)
		f.logger.Info("using Redis key locker", zap.String("addr", f.redisConfig.Addr()))
		return locker, locker.Close, nil
	}

	if !f.allowLocalFallback {
		return nil, nil, fmt.Errorf("redis required for key locking but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-process key locker. "+
		"Concurrent sync processes may race on the same record.",
		zap.Error(err),
	)
	return NewLocalKeyLocker(), noop, nil
}
