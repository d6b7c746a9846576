package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"

	"github.com/coreshub/imaas-gateway/common"
	"github.com/coreshub/imaas-gateway/common/helper"
)

// DLock is a redis lock with automatic renewal. The stored value identifies
// the holder; the renewer verifies it every tick and disarms itself when the
// lock was stolen or expired, so a process must tolerate losing the lock
// silently.
type DLock struct {
	key    string
	value  string
	expire time.Duration
}

func lockValue() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), helper.RandomId(6))
}

// TryLock attempts to take the named lock. ok is false when another holder
// owns it.
func TryLock(ctx context.Context, name string, expire time.Duration) (lock *DLock, ok bool, err error) {
	l := &DLock{
		key:    common.WrapKey("dlock:" + name),
		value:  lockValue(),
		expire: expire,
	}
	ok, err = common.RDB.SetNX(ctx, l.key, l.value, expire).Result()
	if err != nil {
		return nil, false, errors.Wrapf(err, "acquire lock %s failed", name)
	}
	if !ok {
		return nil, false, nil
	}
	return l, true, nil
}

// StartRenewer keeps the lock alive, re-setting the TTL every expire/3. The
// returned channel closes when the lock is lost. Stops with ctx.
func (l *DLock) StartRenewer(ctx context.Context) <-chan struct{} {
	lost := make(chan struct{})
	go func() {
		defer close(lost)
		logger := gmw.GetLogger(ctx)
		ticker := time.NewTicker(l.expire / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			current, err := common.RDB.Get(ctx, l.key).Result()
			if err != nil || current != l.value {
				logger.Warn("lock lost, renewer disarmed",
					zap.String("key", l.key), zap.Error(err))
				return
			}
			if err := common.RDB.Expire(ctx, l.key, l.expire).Err(); err != nil {
				logger.Warn("renew lock failed", zap.String("key", l.key), zap.Error(err))
				return
			}
		}
	}()
	return lost
}

// releaseScript deletes the lock only when this process still holds it.
var releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Release drops the lock if still held.
func (l *DLock) Release(ctx context.Context) {
	if err := common.RDB.Eval(ctx, releaseScript, []string{l.key}, l.value).Err(); err != nil {
		gmw.GetLogger(ctx).Warn("release lock failed",
			zap.String("key", l.key), zap.Error(err))
	}
}

// RetryInterval returns the loser's wait before re-attempting,
// random in [expire/3, expire/2).
func RetryInterval(expire time.Duration) time.Duration {
	lo := expire / 3
	hi := expire / 2
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

// RunWithGlobalLock runs fn whenever this replica holds the named lock. fn
// receives a context canceled when the lock is lost; after fn returns the
// lock is released and the cycle restarts. Returns when ctx is done.
func RunWithGlobalLock(ctx context.Context, name string, expire time.Duration, fn func(ctx context.Context)) {
	logger := gmw.GetLogger(ctx)
	for ctx.Err() == nil {
		lock, ok, err := TryLock(ctx, name, expire)
		if err != nil {
			logger.Warn("try global lock failed", zap.String("name", name), zap.Error(err))
		}
		if !ok || err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(RetryInterval(expire)):
			}
			continue
		}

		logger.Info("acquired global lock", zap.String("name", name))
		runCtx, cancel := context.WithCancel(ctx)
		lost := lock.StartRenewer(runCtx)
		go func() {
			select {
			case <-lost:
				cancel()
			case <-runCtx.Done():
			}
		}()

		fn(runCtx)
		cancel()
		lock.Release(ctx)
	}
}
