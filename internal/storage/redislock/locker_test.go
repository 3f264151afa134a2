package redislock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

func newTestLocker(t *testing.T, cfg Config) (*miniredis.Miniredis, *Locker) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, NewWithClient(rdb, cfg, nil)
}

func TestLocker_LockAndUnlock(t *testing.T) {
	mr, locker := newTestLocker(t, Config{TTL: time.Minute})

	unlock, err := locker.Lock(context.Background(), "order-1")
	require.NoError(t, err)
	require.True(t, mr.Exists(defaultPrefix+"order-1"))
	require.Greater(t, mr.TTL(defaultPrefix+"order-1"), time.Duration(0))

	unlock()
	require.False(t, mr.Exists(defaultPrefix+"order-1"))

	// Повторный вызов безопасен.
	unlock()
}

func TestLocker_BusyKeyTimesOut(t *testing.T) {
	_, locker := newTestLocker(t, Config{MaxWait: 80 * time.Millisecond, RetryDelay: 10 * time.Millisecond})

	unlock, err := locker.Lock(context.Background(), "order-1")
	require.NoError(t, err)
	defer unlock()

	_, err = locker.Lock(context.Background(), "order-1")
	require.ErrorIs(t, err, domain.ErrLockNotAcquired)
	require.Equal(t, domain.ResultConcurrencyConflict, domain.Classify(err))
}

func TestLocker_DistinctKeysDoNotBlock(t *testing.T) {
	_, locker := newTestLocker(t, Config{MaxWait: 50 * time.Millisecond})

	first, err := locker.Lock(context.Background(), "order-1")
	require.NoError(t, err)
	defer first()

	second, err := locker.Lock(context.Background(), "order-2")
	require.NoError(t, err)
	second()
}

func TestLocker_UnlockDoesNotStealForeignLock(t *testing.T) {
	mr, locker := newTestLocker(t, Config{TTL: time.Second})

	unlock, err := locker.Lock(context.Background(), "order-1")
	require.NoError(t, err)

	// Блокировка истекла, и её взял другой владелец.
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set(defaultPrefix+"order-1", "someone-else"))

	unlock()
	value, err := mr.Get(defaultPrefix + "order-1")
	require.NoError(t, err)
	require.Equal(t, "someone-else", value)
}

func TestLocker_SerializesHolders(t *testing.T) {
	_, locker := newTestLocker(t, Config{RetryDelay: time.Millisecond, MaxWait: 5 * time.Second})

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
		errs    = make(chan error, 8)
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), "order-1")
			if err != nil {
				errs <- err
				return
			}
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("lock failed: %v", err)
	}
	require.Equal(t, int32(1), maxSeen.Load())
}

func TestLocker_RedisDownIsTransportFailure(t *testing.T) {
	mr, locker := newTestLocker(t, Config{MaxWait: 10 * time.Second})
	mr.Close()

	_, err := locker.Lock(context.Background(), "order-1")
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrTransportUnavailable))
	require.Error(t, locker.Ping(context.Background()))
}
