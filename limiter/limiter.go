package limiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/go-redis/redis/v8"

	"github.com/coreshub/imaas-gateway/common"
	"github.com/coreshub/imaas-gateway/common/config"
	"github.com/coreshub/imaas-gateway/model"
)

// Package limiter enforces sliding-window RPM and TPM budgets per
// (user, model). All state lives in redis so every replica shares the view.
//
// RPM admission is atomic via a server-side script. TPM is post-admission
// accounting: a request is admitted on past usage and its own tokens are
// recorded once the response reports them, so a single request may overshoot
// the budget by its own size.

const (
	windowMillis = 60_000
	bucketTTL    = 3600 // seconds

	// Unlimited disables a limit when configured as its value.
	Unlimited = -1
)

func rpmLimitKey(level int, modelName string) string {
	return fmt.Sprintf("limit:rpm:%d:%s", level, modelName)
}

func tpmLimitKey(level int, modelName string) string {
	return fmt.Sprintf("limit:tpm:%d:%s", level, modelName)
}

func rpmBucketKey(user, modelName string) string {
	return fmt.Sprintf("limit:buckets:rpm:%s:%s", user, modelName)
}

func tpmBucketKey(user, modelName string) string {
	return fmt.Sprintf("limit:buckets:tpm:%s:%s", user, modelName)
}

func levelKey(user string) string {
	return fmt.Sprintf("limit:level:%s", user)
}

// rpmScript trims the window, counts, and admits in one round trip.
// KEYS[1] bucket; ARGV: now_ms, window_ms, limit, member, ttl.
var rpmScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)
if redis.call('ZCARD', KEYS[1]) < limit then
    redis.call('ZADD', KEYS[1], now, ARGV[4])
    redis.call('EXPIRE', KEYS[1], ARGV[5])
    return 1
end
return 0
`)

// Check runs both RPM and TPM admission for (user, model). A limiter fault
// admits the request when LIMITER_FAIL_OPEN is set; an outage of the shared
// store must not become a gateway outage.
func Check(ctx context.Context, user, modelName string) bool {
	admitted, err := check(ctx, user, modelName)
	if err != nil {
		gmw.GetLogger(ctx).Warn("rate limiter failed",
			zap.String("user", user), zap.String("model", modelName), zap.Error(err))
		return config.LimiterFailOpen
	}
	return admitted
}

func check(ctx context.Context, user, modelName string) (bool, error) {
	level, err := getUserLevel(ctx, user)
	if err != nil {
		return false, err
	}

	rpm, err := getLimit(ctx, "rpm", level, modelName)
	if err != nil {
		return false, err
	}
	tpm, err := getLimit(ctx, "tpm", level, modelName)
	if err != nil {
		return false, err
	}

	if rpm != Unlimited {
		ok, err := checkRPM(ctx, user, modelName, rpm)
		if err != nil || !ok {
			return ok, err
		}
	}
	if tpm != Unlimited {
		ok, err := checkTPM(ctx, user, modelName, tpm)
		if err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}

func checkRPM(ctx context.Context, user, modelName string, limit int) (bool, error) {
	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d-%06d", now, time.Now().Nanosecond()%1_000_000)
	res, err := rpmScript.Run(ctx, common.RDB,
		[]string{common.WrapKey(rpmBucketKey(user, modelName))},
		now, windowMillis, limit, member, bucketTTL).Int()
	if err != nil {
		return false, errors.Wrap(err, "run rpm admission script failed")
	}
	return res == 1, nil
}

// checkTPM prunes expired members and sums the surviving token scores.
// Members are the millisecond timestamps their tokens were recorded at.
func checkTPM(ctx context.Context, user, modelName string, limit int) (bool, error) {
	key := common.WrapKey(tpmBucketKey(user, modelName))
	cutoff := time.Now().UnixMilli() - windowMillis

	entries, err := common.RDB.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return false, errors.Wrap(err, "scan tpm bucket failed")
	}

	var used int64
	var stale []interface{}
	for _, entry := range entries {
		member, _ := entry.Member.(string)
		ts, err := strconv.ParseInt(member, 10, 64)
		if err != nil || ts < cutoff {
			stale = append(stale, entry.Member)
			continue
		}
		used += int64(entry.Score)
	}
	if len(stale) > 0 {
		if err := common.RDB.ZRem(ctx, key, stale...).Err(); err != nil {
			return false, errors.Wrap(err, "prune tpm bucket failed")
		}
	}
	return used < int64(limit), nil
}

// RecordTokens adds observed token usage to the TPM window.
func RecordTokens(ctx context.Context, user, modelName string, tokens int) {
	if tokens <= 0 {
		return
	}
	key := common.WrapKey(tpmBucketKey(user, modelName))
	member := strconv.FormatInt(time.Now().UnixMilli(), 10)
	pipe := common.RDB.Pipeline()
	pipe.ZIncrBy(ctx, key, float64(tokens), member)
	pipe.Expire(ctx, key, bucketTTL*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		gmw.GetLogger(ctx).Warn("record token usage failed",
			zap.String("user", user), zap.String("model", modelName), zap.Error(err))
	}
}

// getUserLevel resolves the user's limit level, auto-inserting level 0 with
// a one hour TTL for users never seen before.
func getUserLevel(ctx context.Context, user string) (int, error) {
	val, err := common.RDB.Get(ctx, common.WrapKey(levelKey(user))).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			return 0, errors.Wrap(err, "get user level failed")
		}
		err = common.RDB.Set(ctx, common.WrapKey(levelKey(user)), "0", time.Hour).Err()
		if err != nil {
			return 0, errors.Wrap(err, "insert default user level failed")
		}
		return 0, nil
	}
	level, err := strconv.Atoi(val)
	if err != nil {
		return 0, nil
	}
	return level, nil
}

// getLimit resolves a limit for (kind, level, model): redis model key, redis
// Default key, database row, then the configured default. Values are coerced
// to int; the database hit backfills the redis key.
func getLimit(ctx context.Context, kind string, level int, modelName string) (int, error) {
	keyOf := rpmLimitKey
	fallback := config.DefaultRPM
	if kind == "tpm" {
		keyOf = tpmLimitKey
		fallback = config.DefaultTPM
	}

	for _, name := range []string{modelName, model.DefaultModelName} {
		val, err := common.RDB.Get(ctx, common.WrapKey(keyOf(level, name))).Result()
		if err == nil {
			if limit, convErr := strconv.Atoi(val); convErr == nil {
				return limit, nil
			}
			continue
		}
		if !errors.Is(err, redis.Nil) {
			return 0, errors.Wrap(err, "get limit key failed")
		}
	}

	row, err := model.GetRateLimit(level, modelName)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return fallback, nil
	}

	limit := row.RPM
	if kind == "tpm" {
		limit = row.TPM
	}
	err = common.RDB.Set(ctx, common.WrapKey(keyOf(level, row.ModelName)),
		strconv.Itoa(limit), 0).Err()
	if err != nil {
		return 0, errors.Wrap(err, "backfill limit key failed")
	}
	return limit, nil
}

// RefreshLimits reconciles the redis limit keys with the database rows:
// orphaned keys are deleted, every configured row is written. Run behind a
// short lock so only one replica rewrites at a time.
func RefreshLimits(ctx context.Context) error {
	rows, err := model.ListRateLimits()
	if err != nil {
		return err
	}

	desired := map[string]string{}
	for _, row := range rows {
		desired[common.WrapKey(rpmLimitKey(row.Level, row.ModelName))] = strconv.Itoa(row.RPM)
		desired[common.WrapKey(tpmLimitKey(row.Level, row.ModelName))] = strconv.Itoa(row.TPM)
	}

	for _, pattern := range []string{"limit:rpm:*", "limit:tpm:*"} {
		var cursor uint64
		for {
			keys, next, err := common.RDB.Scan(ctx, cursor, common.WrapKey(pattern), 100).Result()
			if err != nil {
				return errors.Wrap(err, "scan limit keys failed")
			}
			for _, key := range keys {
				if _, ok := desired[key]; !ok {
					if err := common.RDB.Del(ctx, key).Err(); err != nil {
						return errors.Wrap(err, "delete orphan limit key failed")
					}
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}

	for key, val := range desired {
		if err := common.RDB.Set(ctx, key, val, 0).Err(); err != nil {
			return errors.Wrap(err, "write limit key failed")
		}
	}
	gmw.GetLogger(ctx).Info("refreshed rate limit keys", zap.Int("rows", len(rows)))
	return nil
}
