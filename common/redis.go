package common

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/go-redis/redis/v8"

	"github.com/coreshub/imaas-gateway/common/config"
)

// RDB is the shared redis client. Every key passes through WrapKey so that
// several deployments can share one redis instance.
var RDB *redis.Client

// Shared stream names. Producers and consumers must agree on these.
const (
	APIInvokeEventQueue = "api_invoke_event_queue"
	APIErrorEventQueue  = "api_error_event_queue"
	ServerEventQueue    = "server_event_queue"
	APIConsumeGroup     = "api_consume_group"
)

// InitRedisClient connects to redis and verifies the connection.
func InitRedisClient(ctx context.Context) error {
	RDB = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.RedisHost, config.RedisPort),
		Password: config.RedisPassword,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := RDB.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "ping redis failed")
	}
	return nil
}

// UseRedisClient replaces the shared client, used by tests with miniredis.
func UseRedisClient(client *redis.Client) {
	RDB = client
}

// WrapKey prepends the deployment prefix to a redis key.
func WrapKey(key string) string {
	if strings.HasPrefix(key, config.RedisPrefix) {
		return key
	}
	return config.RedisPrefix + key
}

// PublishEvent appends a message to a capped stream.
func PublishEvent(ctx context.Context, stream string, maxLen int64, values map[string]any) error {
	err := RDB.XAdd(ctx, &redis.XAddArgs{
		Stream: WrapKey(stream),
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return errors.Wrapf(err, "xadd to stream %s failed", stream)
	}
	return nil
}

// EnsureConsumerGroup creates the consumer group if it does not exist yet.
// The group starts at the beginning of the stream so no pending message is lost.
func EnsureConsumerGroup(ctx context.Context, stream, group string) error {
	err := RDB.XGroupCreateMkStream(ctx, WrapKey(stream), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.Wrapf(err, "create consumer group %s on %s failed", group, stream)
	}
	return nil
}

// ReadGroupBatch reads up to count pending-new messages for the consumer,
// blocking up to block when the stream is empty.
func ReadGroupBatch(ctx context.Context, stream, group, consumer string,
	count int64, block time.Duration) ([]redis.XMessage, error) {
	streams, err := RDB.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{WrapKey(stream), ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "xreadgroup on %s failed", stream)
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return streams[0].Messages, nil
}

// AckAndDelete acknowledges processed messages and removes them from the stream.
func AckAndDelete(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	key := WrapKey(stream)
	if err := RDB.XAck(ctx, key, group, ids...).Err(); err != nil {
		return errors.Wrapf(err, "xack on %s failed", stream)
	}
	if err := RDB.XDel(ctx, key, ids...).Err(); err != nil {
		return errors.Wrapf(err, "xdel on %s failed", stream)
	}
	return nil
}
