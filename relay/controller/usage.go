package controller

import (
	"time"

	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/coreshub/imaas-gateway/billing"
	"github.com/coreshub/imaas-gateway/common/ctxkey"
	"github.com/coreshub/imaas-gateway/common/helper"
	"github.com/coreshub/imaas-gateway/limiter"
	"github.com/coreshub/imaas-gateway/middleware"
	"github.com/coreshub/imaas-gateway/model"
	relaymodel "github.com/coreshub/imaas-gateway/relay/model"
)

// requestSeconds returns the elapsed wall time of the request.
func requestSeconds(c *gin.Context) float64 {
	start, ok := c.Get(ctxkey.RequestStart)
	if !ok {
		return 0
	}
	t, ok := start.(time.Time)
	if !ok {
		return 0
	}
	return time.Since(t).Seconds()
}

// baseUsageEvent fills the identity fields shared by every usage record.
func baseUsageEvent(c *gin.Context, modelName string, channelId int) *relaymodel.UsageEvent {
	key := middleware.GetApiKey(c)
	tag, _ := model.GetModelTag(modelName)
	ev := &relaymodel.UsageEvent{
		Model:     modelName,
		ChannelId: channelId,
		ModelTag:  tag,
		DateTime:  time.Now().Format(time.RFC3339),
		CostTime:  requestSeconds(c),
		TraceId:   c.GetString(helper.RequestIdKey),
	}
	if key != nil {
		ev.UserId = key.UserId
		ev.ApiKey = key.Id
	}
	return ev
}

// emitUsage queues the usage record and feeds consumed tokens back into the
// TPM window. Queue failures are logged, never surfaced to the client.
func emitUsage(c *gin.Context, ev *relaymodel.UsageEvent) {
	if err := billing.PublishUsage(c.Request.Context(), ev); err != nil {
		gmw.GetLogger(c).Error("publish usage event failed", zap.Error(err))
	}
	if ev.TotalTokens > 0 {
		limiter.RecordTokens(c, ev.UserId, ev.Model, ev.TotalTokens)
	}
}

// emitError queues an error record for the monitoring consumer.
func emitError(c *gin.Context, modelName string, channelId int, gerr *relaymodel.GatewayError, stream bool) {
	key := middleware.GetApiKey(c)
	ev := &relaymodel.ErrorEvent{
		Model:     modelName,
		ChannelId: channelId,
		DateTime:  time.Now().Format(time.RFC3339),
		CostTime:  requestSeconds(c),
		Err:       gerr.Msg,
		Message:   gerr.Msg,
		Stream:    stream,
		TraceId:   c.GetString(helper.RequestIdKey),
	}
	if key != nil {
		ev.UserId = key.UserId
		ev.ApiKey = key.Id
	}
	if err := billing.PublishError(c.Request.Context(), ev); err != nil {
		gmw.GetLogger(c).Error("publish error event failed", zap.Error(err))
	}
}
