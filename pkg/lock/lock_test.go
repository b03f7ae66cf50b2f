package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupLocker(t *testing.T) *RedisLocker {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	l := NewRedisLocker(client, 10*time.Second, zap.NewNop())
	l.retryDelay = 10 * time.Millisecond
	return l
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	l := setupLocker(t)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "renewal:acct:1", time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "renewal:acct:1", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx), "double release is a no-op")

	release2, err := l.Acquire(ctx, "renewal:acct:1", 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, release2(ctx))
}

func TestAcquireSerializesHolders(t *testing.T) {
	l := setupLocker(t)
	ctx := context.Background()

	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "shared", 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			assert.NoError(t, release(ctx))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
}

func TestDistinctKeysDoNotContend(t *testing.T) {
	l := setupLocker(t)
	ctx := context.Background()

	r1, err := l.Acquire(ctx, "a", 50*time.Millisecond)
	require.NoError(t, err)
	r2, err := l.Acquire(ctx, "b", 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, r1(ctx))
	require.NoError(t, r2(ctx))
}
