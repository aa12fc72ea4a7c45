package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DispatchLockTTL bounds how long one gateway instance may hold a
// notification's dispatch lock. A crashed holder frees the record after
// the TTL instead of wedging it forever.
const DispatchLockTTL = 30 * time.Second

// DispatchLock guards each notification against concurrent dispatch
// across gateway instances using SET NX.
type DispatchLock struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewDispatchLock creates a dispatch lock service. A non-positive ttl
// falls back to DispatchLockTTL.
func NewDispatchLock(client *Client, logger *zap.Logger, ttl time.Duration) *DispatchLock {
	if ttl <= 0 {
		ttl = DispatchLockTTL
	}
	return &DispatchLock{client: client, logger: logger, ttl: ttl}
}

// TryLock attempts to take the lock for key. Returns false when another
// instance holds it.
func (l *DispatchLock) TryLock(ctx context.Context, key string) (bool, error) {
	set, err := l.client.rdb.SetNX(ctx, key, "locked", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		l.logger.Debug("dispatch lock held elsewhere", zap.String("key", key))
	}
	return set, nil
}

// Unlock releases the lock for key.
func (l *DispatchLock) Unlock(ctx context.Context, key string) error {
	if err := l.client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
