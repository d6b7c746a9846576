package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/coreshub/imaas-gateway/common"
)

func setupRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	common.UseRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return mr
}

func TestTryLockExclusive(t *testing.T) {
	setupRedis(t)
	ctx := context.Background()

	lock, ok, err := TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	lock.Release(ctx)
	_, ok, err = TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReleaseOnlyOwn(t *testing.T) {
	setupRedis(t)
	ctx := context.Background()

	lock, ok, err := TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// a stale holder releasing must not drop the current holder's lock
	stale := &DLock{key: lock.key, value: "someone-else", expire: time.Minute}
	stale.Release(ctx)

	_, ok, err = TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRenewerDisarmsOnSteal(t *testing.T) {
	setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lock, ok, err := TryLock(ctx, "job", 300*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	lost := lock.StartRenewer(ctx)

	// simulate the lock expiring and another process taking it
	require.NoError(t, common.RDB.Set(ctx, lock.key, "thief", time.Minute).Err())

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("renewer did not disarm after losing the lock")
	}

	// thief's lock untouched
	val, err := common.RDB.Get(ctx, lock.key).Result()
	require.NoError(t, err)
	require.Equal(t, "thief", val)
}

func TestRenewerKeepsLockAlive(t *testing.T) {
	mr := setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lock, ok, err := TryLock(ctx, "job", 300*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	lost := lock.StartRenewer(ctx)

	// let several renew ticks pass while time advances past the original TTL
	for i := 0; i < 4; i++ {
		time.Sleep(120 * time.Millisecond)
		mr.FastForward(120 * time.Millisecond)
	}

	select {
	case <-lost:
		t.Fatal("renewer lost a lock it should have kept")
	default:
	}
	require.True(t, mr.Exists(lock.key))
}

func TestRetryIntervalBounds(t *testing.T) {
	t.Parallel()

	expire := 600 * time.Second
	for i := 0; i < 100; i++ {
		d := RetryInterval(expire)
		require.GreaterOrEqual(t, d, expire/3)
		require.Less(t, d, expire/2)
	}
}
