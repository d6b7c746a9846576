package scheduler

import (
	"context"
	"os"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"

	"github.com/coreshub/imaas-gateway/billing"
	"github.com/coreshub/imaas-gateway/common/config"
	"github.com/coreshub/imaas-gateway/limiter"
	"github.com/coreshub/imaas-gateway/model"
	"github.com/coreshub/imaas-gateway/searchlog"
)

// Start launches every background loop. Local periodics and the event-bus
// consumer run on each replica; everything else runs only while this replica
// holds the corresponding global lock.
func Start(ctx context.Context, upstream billing.Upstream, store searchlog.Writer, consumerName string) {
	// local: lazy last_used_at flush
	go RunEvery(ctx, 10*time.Minute, func(ctx context.Context) {
		model.FlushLastUsed(ctx)
	})

	// startup reconciliation of the limit keys, single writer
	go func() {
		lock, ok, err := TryLock(ctx, "limit_refresh", 5*time.Minute)
		if err != nil || !ok {
			return
		}
		defer lock.Release(ctx)
		if err := limiter.RefreshLimits(ctx); err != nil {
			gmw.GetLogger(ctx).Warn("refresh limits failed", zap.Error(err))
		}
	}()

	// global singletons
	go RunWithGlobalLock(ctx, "health_check", config.GlobalJobExpire, func(ctx context.Context) {
		NewHealthChecker().Run(ctx)
	})
	go RunWithGlobalLock(ctx, "usage_consumer", config.GlobalJobExpire, func(ctx context.Context) {
		billing.NewConsumer(upstream, store, consumerName).RunUsage(ctx)
	})
	go RunWithGlobalLock(ctx, "error_consumer", config.GlobalJobExpire, func(ctx context.Context) {
		billing.NewConsumer(upstream, store, consumerName).RunErrors(ctx)
	})
	go RunWithGlobalLock(ctx, "billing_sweep", config.GlobalJobExpire, func(ctx context.Context) {
		RunEvery(ctx, config.BillingTaskInterval, func(ctx context.Context) {
			if err := billing.Sweep(ctx, upstream, store); err != nil {
				gmw.GetLogger(ctx).Warn("billing sweep failed", zap.Error(err))
			}
		})
	})
	go RunWithGlobalLock(ctx, "file_cleanup", config.GlobalJobExpire, func(ctx context.Context) {
		RunEvery(ctx, 24*time.Hour, func(ctx context.Context) {
			CleanupFiles(ctx)
			if s, ok := store.(*searchlog.Store); ok {
				if err := s.DeleteExpiredIndices(ctx, searchlog.APILogIndex, config.APILogExpireDays); err != nil {
					gmw.GetLogger(ctx).Warn("expire log indices failed", zap.Error(err))
				}
			}
		})
	})
}

// RunEvery calls fn on the interval until ctx is done. fn also runs once
// immediately.
func RunEvery(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// CleanupFiles removes uploaded files past the retention window, both the
// bytes on disk and their records.
func CleanupFiles(ctx context.Context) {
	logger := gmw.GetLogger(ctx)
	files, err := model.ListExpiredFiles(config.FileRetentionDays)
	if err != nil {
		logger.Warn("list expired files failed", zap.Error(err))
		return
	}
	for _, f := range files {
		if f.Path != "" {
			if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
				logger.Warn("remove file failed",
					zap.String("file_id", f.Id), zap.String("path", f.Path), zap.Error(err))
				continue
			}
		}
		if err := model.DeleteFile(f.UserId, f.Id); err != nil {
			logger.Warn("delete file record failed", zap.String("file_id", f.Id), zap.Error(err))
			continue
		}
		logger.Info("expired file removed", zap.String("file_id", f.Id))
	}
}
