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
	"github.com/coreshub/imaas-gateway/relay/parser"
	"github.com/coreshub/imaas-gateway/relay/relaymode"
)

// RelayChat handles POST /v1/chat/completions.
func RelayChat(c *gin.Context) {
	relayText(c)
}

// RelayCompletions handles POST /v1/completions.
func RelayCompletions(c *gin.Context) {
	relayText(c)
}

func relayText(c *gin.Context) {
	c.Set(ctxkey.RequestStart, time.Now())
	logger := gmw.GetLogger(c)

	mode := relaymode.GetByPath(reqPath(c))
	c.Set(ctxkey.RelayMode, mode)

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
	logger.Debug("relay request",
		zap.String("mode", relaymode.String(mode)), zap.String("model", modelName))

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

	upstreamModel := channel.UpstreamModel(modelName)
	ReplaceModel(body, upstreamModel)
	c.Set(ctxkey.RequestModel, upstreamModel)

	if mode == relaymode.ChatCompletions {
		applyMaxTokens(c, body, modelName)
	}

	stream, _ := body["stream"].(bool)
	includeUsage := false
	if stream {
		// always ask the upstream for usage, remembering what the client wanted
		if opts, ok := body["stream_options"].(map[string]any); ok {
			includeUsage, _ = opts["include_usage"].(bool)
			opts["include_usage"] = true
		} else {
			body["stream_options"] = map[string]any{"include_usage": true}
		}
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

	resp, err := client.RelayHTTPClient.Do(req)
	if err != nil {
		gerr := transportError(err)
		emitError(c, modelName, channel.ChannelId, gerr, stream)
		abortWith(c, gerr)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		gerr := upstreamError(resp.StatusCode, respBody)
		emitError(c, modelName, channel.ChannelId, gerr, stream)
		abortWith(c, gerr)
		return
	}

	if stream {
		relayTextStream(c, resp, body, modelName, channel.ChannelId, includeUsage)
		return
	}
	relayTextBlocking(c, resp, modelName, channel.ChannelId)
}

// applyMaxTokens injects the per-model default max_tokens and clamps
// client-supplied values to the configured ceiling.
func applyMaxTokens(c *gin.Context, body map[string]any, modelName string) {
	param, err := model.CachedGetModelParam(modelName, model.ParamMaxTokens)
	if err != nil {
		gmw.GetLogger(c).Warn("model param lookup failed", zap.Error(err))
		return
	}
	if requested, ok := body["max_tokens"].(float64); ok {
		if param.Max > 0 && int(requested) > param.Max {
			body["max_tokens"] = param.Max
		}
		return
	}
	if param.Value > 0 {
		body["max_tokens"] = param.Value
	}
}

// relayTextStream pipes upstream SSE frames to the client, splitting think
// prefixes and accounting usage on the way. A client disconnect stops the
// relay and falls back to local token counting.
func relayTextStream(c *gin.Context, resp *http.Response, reqBody map[string]any,
	modelName string, channelId int, includeUsage bool) {
	logger := gmw.GetLogger(c)
	common.SetEventStreamHeaders(c)

	p := parser.NewStreamParser(modelName)
	var usage *relaymodel.Usage
	clientGone := false

	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for _, chunk := range p.Feed(buf[:n]) {
				if chunk.Usage != nil {
					usage = chunk.Usage
				}
				if chunk.Type == parser.Usage && !includeUsage && !chunk.HasChoices {
					// the client never asked for usage, keep the frame to ourselves
					continue
				}
				if _, werr := c.Writer.Write(chunk.Bytes); werr != nil {
					clientGone = true
					break
				}
				c.Writer.Flush()
			}
		}
		if clientGone || c.Request.Context().Err() != nil {
			clientGone = true
			break
		}
		if readErr != nil {
			if readErr != io.EOF {
				logger.Warn("upstream stream read failed", zap.Error(readErr))
			}
			break
		}
	}

	ev := baseUsageEvent(c, modelName, channelId)
	if usage != nil {
		usage.NormalizeCached()
		ev.PromptTokens = usage.PromptTokens
		ev.CompletionTokens = usage.CompletionTokens
		ev.CachedTokens = usage.CachedTokens
		ev.TotalTokens = usage.TotalTokens
	} else {
		// disconnected or upstream never reported usage: count what we saw
		ev.PromptTokens = CountTokens(promptText(reqBody))
		ev.CompletionTokens = CountTokens(p.Reasoning() + p.Content())
		ev.TotalTokens = ev.PromptTokens + ev.CompletionTokens
		logger.Info("usage estimated locally",
			zap.Bool("client_gone", clientGone),
			zap.Int("prompt_tokens", ev.PromptTokens),
			zap.Int("completion_tokens", ev.CompletionTokens))
	}
	emitUsage(c, ev)
}

// relayTextBlocking forwards a non-streaming completion, applying the think
// split to the final message before responding.
func relayTextBlocking(c *gin.Context, resp *http.Response, modelName string, channelId int) {
	logger := gmw.GetLogger(c)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		gerr := relaymodel.ErrUpstreamUnavailable()
		emitError(c, modelName, channelId, gerr, false)
		abortWith(c, gerr)
		return
	}

	var body map[string]any
	out := respBody
	ev := baseUsageEvent(c, modelName, channelId)
	if err := json.Unmarshal(respBody, &body); err != nil {
		logger.Warn("upstream response is not JSON, forwarding verbatim", zap.Error(err))
	} else {
		changed := false
		if parser.IsThinkModel(modelName) {
			changed = splitThinkMessage(body)
		}
		if usage := extractBodyUsage(body); usage != nil {
			usage.NormalizeCached()
			ev.PromptTokens = usage.PromptTokens
			ev.CompletionTokens = usage.CompletionTokens
			ev.CachedTokens = usage.CachedTokens
			ev.TotalTokens = usage.TotalTokens
		}
		if changed {
			if rebuilt, merr := json.Marshal(body); merr == nil {
				out = rebuilt
			}
		}
	}

	emitUsage(c, ev)
	c.Data(http.StatusOK, "application/json", out)
}

// splitThinkMessage moves the pre-</think> prefix of every choice message
// into reasoning_content. Returns whether anything changed.
func splitThinkMessage(body map[string]any) bool {
	choices, _ := body["choices"].([]any)
	changed := false
	for _, raw := range choices {
		choice, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		msg, ok := choice["message"].(map[string]any)
		if !ok {
			continue
		}
		if _, has := msg["reasoning_content"].(string); has {
			continue
		}
		content, ok := msg["content"].(string)
		if !ok {
			continue
		}
		if reasoning, remainder, found := parser.SplitThinkContent(content); found {
			msg["reasoning_content"] = reasoning
			msg["content"] = remainder
			changed = true
		}
	}
	return changed
}

func extractBodyUsage(body map[string]any) *relaymodel.Usage {
	raw, ok := body["usage"]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var usage relaymodel.Usage
	if err := json.Unmarshal(data, &usage); err != nil {
		return nil
	}
	return &usage
}
