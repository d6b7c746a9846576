package controller

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/coreshub/imaas-gateway/common"
	"github.com/coreshub/imaas-gateway/common/client"
	"github.com/coreshub/imaas-gateway/common/ctxkey"
	"github.com/coreshub/imaas-gateway/middleware"
	"github.com/coreshub/imaas-gateway/model"
	relaymodel "github.com/coreshub/imaas-gateway/relay/model"
)

// RelayEmbeddings handles POST /v1/embeddings. The dimensions field is
// dropped because most hosted models reject it.
func RelayEmbeddings(c *gin.Context) {
	relayJSON(c, func(body map[string]any) {
		delete(body, "dimensions")
	})
}

// RelayRerank handles POST /v1/rerank.
func RelayRerank(c *gin.Context) {
	relayJSON(c, nil)
}

// relayJSON forwards a non-streaming JSON request to the resolved channel,
// optionally mutating the body first, and accounts the reported usage.
func relayJSON(c *gin.Context, mutate func(map[string]any)) {
	c.Set(ctxkey.RequestStart, time.Now())
	logger := gmw.GetLogger(c)

	var body map[string]any
	if err := common.UnmarshalBodyReusable(c, &body); err != nil {
		abortWith(c, relaymodel.ErrInvalidBody("请求体不是合法的 JSON"))
		return
	}
	modelName := bodyModel(body)
	if modelName == "" {
		abortWith(c, relaymodel.ErrInvalidBody("缺少 model 字段"))
		return
	}
	c.Set(ctxkey.OriginModel, modelName)

	if !preflight(c, modelName) {
		return
	}

	key := middleware.GetApiKey(c)
	channel, err := model.PickChannel(c, modelName, key.Id)
	if err != nil {
		logger.Warn("pick channel failed", zap.String("model", modelName), zap.Error(err))
		abortWith(c, relaymodel.ErrNoChannel(modelName))
		return
	}
	c.Set(ctxkey.ChannelId, channel.ChannelId)

	ReplaceModel(body, channel.UpstreamModel(modelName))
	if mutate != nil {
		mutate(body)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		abortWith(c, relaymodel.ErrInvalidBody("请求体序列化失败"))
		return
	}

	url := model.ComposeUpstreamURL(channel.URL, reqPath(c))
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		abortWith(c, relaymodel.ErrUpstreamUnavailable())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+channel.Secret)

	resp, err := client.ImpatientHTTPClient.Do(req)
	if err != nil {
		gerr := transportError(err)
		emitError(c, modelName, channel.ChannelId, gerr, false)
		abortWith(c, gerr)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		gerr := relaymodel.ErrUpstreamUnavailable()
		emitError(c, modelName, channel.ChannelId, gerr, false)
		abortWith(c, gerr)
		return
	}
	if resp.StatusCode != http.StatusOK {
		gerr := upstreamError(resp.StatusCode, respBody)
		emitError(c, modelName, channel.ChannelId, gerr, false)
		abortWith(c, gerr)
		return
	}

	ev := baseUsageEvent(c, modelName, channel.ChannelId)
	var parsed map[string]any
	if err := json.Unmarshal(respBody, &parsed); err == nil {
		if usage := extractBodyUsage(parsed); usage != nil {
			ev.PromptTokens = usage.PromptTokens
			ev.CompletionTokens = usage.CompletionTokens
			ev.TotalTokens = usage.TotalTokens
		}
	}
	emitUsage(c, ev)
	c.Data(http.StatusOK, "application/json", respBody)
}
