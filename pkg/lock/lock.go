package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/billing-core/pkg/metrics"
	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"go.uber.org/zap"
)

// ErrLockTimeout is returned when a lock could not be acquired within the
// requested wait.
var ErrLockTimeout = errors.New("lock: acquisition timed out")

const defaultRetryDelay = 100 * time.Millisecond

// Release frees a held lock. It is safe to call more than once.
type Release func(ctx context.Context) error

// Locker hands out named mutual-exclusion locks with a bounded wait.
type Locker interface {
	Acquire(ctx context.Context, key string, wait time.Duration) (Release, error)
}

// RedisLocker implements Locker with redsync over a single Redis client.
type RedisLocker struct {
	rs         *redsync.Redsync
	expiry     time.Duration
	retryDelay time.Duration
	prefix     string
	logger     *zap.Logger
}

// NewRedisLocker creates a Locker. expiry bounds how long a crashed holder
// can keep the lock.
func NewRedisLocker(client *redis.Client, expiry time.Duration, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{
		rs:         redsync.New(goredis.NewPool(client)),
		expiry:     expiry,
		retryDelay: defaultRetryDelay,
		prefix:     "locks:",
		logger:     logger,
	}
}

// Acquire blocks until the lock is held, wait elapses or ctx is cancelled.
func (l *RedisLocker) Acquire(ctx context.Context, key string, wait time.Duration) (Release, error) {
	tries := int(wait/l.retryDelay) + 1
	mutex := l.rs.NewMutex(l.prefix+key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(l.retryDelay),
	)

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	start := time.Now()
	if err := mutex.LockContext(waitCtx); err != nil {
		metrics.LockWaitSeconds.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s after %s: %v", ErrLockTimeout, key, wait, err)
	}
	metrics.LockWaitSeconds.WithLabelValues("acquired").Observe(time.Since(start).Seconds())

	released := false
	return func(ctx context.Context) error {
		if released {
			return nil
		}
		released = true
		if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
			l.logger.Warn("failed to release lock",
				zap.String("key", key),
				zap.Error(err),
			)
			if err != nil {
				return err
			}
		}
		return nil
	}, nil
}
