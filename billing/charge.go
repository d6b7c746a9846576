package billing

import (
	"context"
	"strconv"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/go-redis/redis/v8"

	"github.com/coreshub/imaas-gateway/common"
	"github.com/coreshub/imaas-gateway/common/config"
	"github.com/coreshub/imaas-gateway/common/helper"
	"github.com/coreshub/imaas-gateway/searchlog"
)

const chargeEventIdLength = 16

// Sweep converts accumulated meters into upstream charges. Only members
// holding at least one billable unit are read; success decrements the
// accumulator by exactly the charged amount so remainders carry over and a
// re-run never over-charges.
func Sweep(ctx context.Context, upstream Upstream, store searchlog.Writer) error {
	if !config.BillingEnabled {
		return nil
	}
	logger := gmw.GetLogger(ctx)

	for _, meter := range MeterKeys() {
		if err := sweepMeter(ctx, upstream, store, meter); err != nil {
			// one broken meter must not stop the others
			logger.Warn("sweep meter failed", zap.String("meter", meter), zap.Error(err))
		}
	}
	return nil
}

func sweepMeter(ctx context.Context, upstream Upstream, store searchlog.Writer, meter string) error {
	key := common.WrapKey(meter)
	rate := MeterRate(meter)
	unit := MeterUnit(meter)
	logger := gmw.GetLogger(ctx)

	entries, err := common.RDB.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(rate, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return errors.Wrapf(err, "read meter %s failed", meter)
	}
	if len(entries) == 0 {
		return cleanZeroed(ctx, key)
	}

	now := time.Now().UTC()
	start := now.Add(-config.BillingTaskInterval).Format(time.RFC3339)
	end := now.Format(time.RFC3339)

	var intents []ChargeIntent
	type pending struct {
		member string
		mount  int64
		entry  meterEntry
	}
	pendings := map[string]pending{}

	for _, z := range entries {
		member, _ := z.Member.(string)
		entry, err := parseMeterMember(member)
		if err != nil {
			logger.Warn("skip malformed meter member", zap.String("member", member), zap.Error(err))
			continue
		}
		mount := int64(z.Score) / rate
		if mount <= 0 {
			continue
		}
		if _, ok, err := LookupProduct(ctx, upstream, entry.Model, entry.TokenType, unit); err != nil {
			return err
		} else if !ok {
			logger.Warn("no product for meter entry, skipping",
				zap.String("model", entry.Model),
				zap.String("token_type", entry.TokenType),
				zap.String("unit", unit))
			continue
		}

		eventId := helper.RandomId(chargeEventIdLength)
		intents = append(intents, ChargeIntent{
			EventId:   eventId,
			User:      entry.User,
			Zone:      config.UpstreamZone,
			Unit:      unit,
			TokenType: entry.TokenType,
			Model:     entry.Model,
			Mount:     mount,
			StartTime: start,
			EndTime:   end,
			ChannelId: entry.ChannelId,
		})
		pendings[eventId] = pending{member: member, mount: mount, entry: entry}
	}

	if len(intents) == 0 {
		return cleanZeroed(ctx, key)
	}

	results, err := upstream.Charge(ctx, intents)
	if err != nil {
		return errors.Wrapf(err, "charge rpc for meter %s failed", meter)
	}

	var logs []map[string]any
	for _, intent := range intents {
		result := results[intent.EventId]
		p := pendings[intent.EventId]

		if result.Result == ChargeResultSuccess {
			charged := float64(p.mount * rate)
			if err := common.RDB.ZIncrBy(ctx, key, -charged, p.member).Err(); err != nil {
				logger.Error("decrement charged meter failed",
					zap.String("member", p.member), zap.Error(err))
			}
		} else {
			logger.Warn("charge not acknowledged",
				zap.String("event_id", intent.EventId),
				zap.String("result", result.Result),
				zap.String("msg", result.ResultMsg))
		}

		logs = append(logs, map[string]any{
			"@timestamp": time.Now().UTC().Format(time.RFC3339),
			"event_id":   intent.EventId,
			"user":       intent.User,
			"model":      intent.Model,
			"channel_id": intent.ChannelId,
			"token_type": intent.TokenType,
			"unit":       intent.Unit,
			"mount":      intent.Mount,
			"rate":       rate,
			"result":     result.Result,
			"result_msg": result.ResultMsg,
		})
	}

	if store != nil {
		if err := store.BulkIndex(ctx, searchlog.BillingLogIndex, logs); err != nil {
			logger.Warn("index billing logs failed", zap.Error(err))
		}
	}
	return cleanZeroed(ctx, key)
}

func cleanZeroed(ctx context.Context, key string) error {
	err := common.RDB.ZRemRangeByScore(ctx, key, "0", "0").Err()
	return errors.Wrapf(err, "clean zeroed meter %s failed", key)
}
