package billing

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"

	"github.com/coreshub/imaas-gateway/common"
	"github.com/coreshub/imaas-gateway/common/config"
	"github.com/coreshub/imaas-gateway/model"
	"github.com/coreshub/imaas-gateway/monitor"
	relaymodel "github.com/coreshub/imaas-gateway/relay/model"
	"github.com/coreshub/imaas-gateway/searchlog"
)

// PublishUsage places a usage event on the invoke queue.
func PublishUsage(ctx context.Context, ev *relaymodel.UsageEvent) error {
	values := map[string]any{
		"model":             ev.Model,
		"channel_id":        strconv.Itoa(ev.ChannelId),
		"user_id":           ev.UserId,
		"api_key":           ev.ApiKey,
		"model_tag":         ev.ModelTag,
		"date_time":         ev.DateTime,
		"cost_time":         strconv.FormatFloat(ev.CostTime, 'f', -1, 64),
		"trace_id":          ev.TraceId,
		"prompt_tokens":     strconv.Itoa(ev.PromptTokens),
		"completion_tokens": strconv.Itoa(ev.CompletionTokens),
		"cached_tokens":     strconv.Itoa(ev.CachedTokens),
		"total_tokens":      strconv.Itoa(ev.TotalTokens),
		"speech_length":     strconv.FormatFloat(ev.SpeechLength, 'f', -1, 64),
		"words":             strconv.Itoa(ev.Words),
	}
	err := common.PublishEvent(ctx, common.APIInvokeEventQueue, config.APIEventQueueMaxLen, values)
	return errors.Wrap(err, "publish usage event failed")
}

// PublishError places an error event on the error queue.
func PublishError(ctx context.Context, ev *relaymodel.ErrorEvent) error {
	values := map[string]any{
		"model":      ev.Model,
		"channel_id": strconv.Itoa(ev.ChannelId),
		"user_id":    ev.UserId,
		"api_key":    ev.ApiKey,
		"date_time":  ev.DateTime,
		"cost_time":  strconv.FormatFloat(ev.CostTime, 'f', -1, 64),
		"err":        ev.Err,
		"message":    ev.Message,
		"stream":     strconv.FormatBool(ev.Stream),
		"trace_id":   ev.TraceId,
	}
	err := common.PublishEvent(ctx, common.APIErrorEventQueue, config.APIEventQueueMaxLen, values)
	return errors.Wrap(err, "publish error event failed")
}

// Consumer drains the invoke and error queues, converting events into
// Prometheus counters, meter increments and search-store documents.
type Consumer struct {
	Upstream Upstream
	Store    searchlog.Writer
	Consumer string

	batch int64
	block time.Duration
}

func NewConsumer(upstream Upstream, store searchlog.Writer, consumerName string) *Consumer {
	return &Consumer{
		Upstream: upstream,
		Store:    store,
		Consumer: consumerName,
		batch:    100,
		block:    10 * time.Second,
	}
}

// RunUsage consumes the invoke queue until ctx is canceled.
func (c *Consumer) RunUsage(ctx context.Context) {
	logger := gmw.GetLogger(ctx)
	if err := common.EnsureConsumerGroup(ctx, common.APIInvokeEventQueue, common.APIConsumeGroup); err != nil {
		logger.Error("ensure invoke consumer group failed", zap.Error(err))
		return
	}
	for ctx.Err() == nil {
		if err := c.ProcessUsageBatch(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("process usage batch failed", zap.Error(err))
			time.Sleep(time.Second)
		}
	}
}

// RunErrors consumes the error queue until ctx is canceled.
func (c *Consumer) RunErrors(ctx context.Context) {
	logger := gmw.GetLogger(ctx)
	if err := common.EnsureConsumerGroup(ctx, common.APIErrorEventQueue, common.APIConsumeGroup); err != nil {
		logger.Error("ensure error consumer group failed", zap.Error(err))
		return
	}
	for ctx.Err() == nil {
		if err := c.ProcessErrorBatch(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("process error batch failed", zap.Error(err))
			time.Sleep(time.Second)
		}
	}
}

// ProcessUsageBatch handles one poll of the invoke queue. Messages that
// process cleanly are acknowledged and deleted; failures stay pending for
// redelivery.
func (c *Consumer) ProcessUsageBatch(ctx context.Context) error {
	msgs, err := common.ReadGroupBatch(ctx, common.APIInvokeEventQueue,
		common.APIConsumeGroup, c.Consumer, c.batch, c.block)
	if err != nil || len(msgs) == 0 {
		return err
	}

	logger := gmw.GetLogger(ctx)
	var done []string
	var docs []map[string]any
	for _, msg := range msgs {
		ev := parseUsageMessage(msg.Values)
		if err := c.applyUsage(ctx, ev); err != nil {
			logger.Warn("apply usage event failed",
				zap.String("msg_id", msg.ID), zap.Error(err))
			continue
		}
		docs = append(docs, usageDoc(ev))
		done = append(done, msg.ID)
	}

	if c.Store != nil && len(docs) > 0 {
		if err := c.Store.BulkIndex(ctx, searchlog.APILogIndex, docs); err != nil {
			// the counters and meters already advanced; losing the raw log
			// is preferable to double counting on redelivery
			logger.Warn("index usage events failed", zap.Error(err))
		}
	}
	return common.AckAndDelete(ctx, common.APIInvokeEventQueue, common.APIConsumeGroup, done...)
}

// applyUsage updates counters and meters for one event.
func (c *Consumer) applyUsage(ctx context.Context, ev *relaymodel.UsageEvent) error {
	unit, counts := usageCounts(ev)
	for tokenType, count := range counts {
		if count <= 0 {
			continue
		}
		monitor.AddTokenUsage(ctx, ev.UserId, ev.Model, ev.ApiKey, tokenType, unit, count)
		if config.BillingEnabled {
			member := MeterMember(ev.UserId, ev.Model, ev.ChannelId, tokenType)
			if err := AddMeter(ctx, unit, member, count); err != nil {
				return err
			}
		}
	}
	return nil
}

// usageCounts derives the typed counts and metering unit from the model tag.
func usageCounts(ev *relaymodel.UsageEvent) (unit string, counts map[string]float64) {
	switch ev.ModelTag {
	case model.TagTTS:
		return relaymodel.UnitWords, map[string]float64{
			relaymodel.TokenTypeWords: float64(ev.Words),
		}
	case model.TagASR:
		return relaymodel.UnitSeconds, map[string]float64{
			relaymodel.TokenTypeSeconds: ev.SpeechLength,
		}
	case model.TagEmbedding:
		return relaymodel.UnitToken, map[string]float64{
			relaymodel.TokenTypePrompt: float64(ev.PromptTokens),
		}
	case model.TagReranker:
		return relaymodel.UnitToken, map[string]float64{
			relaymodel.TokenTypeTotal: float64(ev.TotalTokens),
		}
	default: // chat
		return relaymodel.UnitToken, map[string]float64{
			relaymodel.TokenTypePrompt:     float64(ev.PromptTokens),
			relaymodel.TokenTypeCompletion: float64(ev.CompletionTokens),
			relaymodel.TokenTypeCached:     float64(ev.CachedTokens),
		}
	}
}

// ProcessErrorBatch handles one poll of the error queue.
func (c *Consumer) ProcessErrorBatch(ctx context.Context) error {
	msgs, err := common.ReadGroupBatch(ctx, common.APIErrorEventQueue,
		common.APIConsumeGroup, c.Consumer, c.batch, c.block)
	if err != nil || len(msgs) == 0 {
		return err
	}

	var done []string
	for _, msg := range msgs {
		ev := parseErrorMessage(msg.Values)
		monitor.CountAPIError(ev.Model, ev.ChannelId, ev.UserId, ev.ApiKey, ev.Err, ev.Stream)
		done = append(done, msg.ID)
	}
	return common.AckAndDelete(ctx, common.APIErrorEventQueue, common.APIConsumeGroup, done...)
}

func parseUsageMessage(values map[string]any) *relaymodel.UsageEvent {
	get := fieldGetter(values)
	return &relaymodel.UsageEvent{
		Model:            get("model"),
		ChannelId:        atoi(get("channel_id")),
		UserId:           get("user_id"),
		ApiKey:           get("api_key"),
		ModelTag:         get("model_tag"),
		DateTime:         get("date_time"),
		CostTime:         atof(get("cost_time")),
		TraceId:          get("trace_id"),
		PromptTokens:     atoi(get("prompt_tokens")),
		CompletionTokens: atoi(get("completion_tokens")),
		CachedTokens:     atoi(get("cached_tokens")),
		TotalTokens:      atoi(get("total_tokens")),
		SpeechLength:     atof(get("speech_length")),
		Words:            atoi(get("words")),
	}
}

func parseErrorMessage(values map[string]any) *relaymodel.ErrorEvent {
	get := fieldGetter(values)
	stream, _ := strconv.ParseBool(get("stream"))
	return &relaymodel.ErrorEvent{
		Model:     get("model"),
		ChannelId: atoi(get("channel_id")),
		UserId:    get("user_id"),
		ApiKey:    get("api_key"),
		DateTime:  get("date_time"),
		CostTime:  atof(get("cost_time")),
		Err:       get("err"),
		Message:   get("message"),
		Stream:    stream,
		TraceId:   get("trace_id"),
	}
}

func fieldGetter(values map[string]any) func(string) string {
	return func(key string) string {
		s, _ := values[key].(string)
		return s
	}
}

// atoi coerces queue fields to int, tolerating float renderings.
func atoi(s string) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return 0
}

func atof(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func usageDoc(ev *relaymodel.UsageEvent) map[string]any {
	data, _ := json.Marshal(ev)
	var doc map[string]any
	_ = json.Unmarshal(data, &doc)
	doc["@timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return doc
}
