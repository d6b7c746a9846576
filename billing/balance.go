package billing

import (
	"context"
	"fmt"

	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/go-redis/redis/v8"

	"github.com/coreshub/imaas-gateway/common"
	"github.com/coreshub/imaas-gateway/common/config"
	"github.com/coreshub/imaas-gateway/event"
)

func balanceKey(user, modelName string) string {
	return fmt.Sprintf("bal-enough:%s:%s", user, modelName)
}

// ValidBalance reports whether the user can afford one more unit of the
// model. Decisions are cached in redis for EXP_TIME_BAL_ENOUGH so the
// upstream biller sees a probe per (user, model) at most every few minutes.
// Probe failures admit the request; a biller outage must not stop traffic.
func ValidBalance(ctx context.Context, upstream Upstream, user, modelCategory, modelName, tokenType, unit string) bool {
	if !config.BillingEnabled {
		return true
	}

	key := common.WrapKey(balanceKey(user, modelName))
	logger := gmw.GetLogger(ctx)

	cached, err := common.RDB.Get(ctx, key).Result()
	if err == nil {
		return cached == "True"
	}
	if err != redis.Nil {
		logger.Warn("read balance cache failed", zap.Error(err))
	}

	enough, err := upstream.CheckBalance(ctx, user, modelCategory, modelName, tokenType, 1, unit)
	if err != nil {
		logger.Warn("balance probe failed, admitting",
			zap.String("user", user), zap.String("model", modelName), zap.Error(err))
		return true
	}

	val := "False"
	if enough {
		val = "True"
	}
	if err := common.RDB.Set(ctx, key, val, config.BalanceCacheExpire).Err(); err != nil {
		logger.Warn("write balance cache failed", zap.Error(err))
	}
	return enough
}

// SubscribeBalanceEvents evicts cached balance decisions when the upstream
// announces a recharge or an insufficiency for a user.
func SubscribeBalanceEvents(bus *event.Bus) {
	handler := func(ctx context.Context, ev event.Event) {
		user := ev.Data["user_id"]
		if user == "" {
			return
		}
		evictUserBalance(ctx, user)
	}
	bus.Subscribe(event.ActionBalanceRecharge, handler)
	bus.Subscribe(event.ActionBalanceInsufficient, handler)
}

func evictUserBalance(ctx context.Context, user string) {
	logger := gmw.GetLogger(ctx)
	pattern := common.WrapKey(balanceKey(user, "*"))
	var cursor uint64
	for {
		keys, next, err := common.RDB.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			logger.Warn("scan balance cache failed", zap.String("user", user), zap.Error(err))
			return
		}
		if len(keys) > 0 {
			if err := common.RDB.Del(ctx, keys...).Err(); err != nil {
				logger.Warn("evict balance cache failed", zap.String("user", user), zap.Error(err))
				return
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	logger.Info("evicted balance cache", zap.String("user", user))
}
