package controller

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/coreshub/imaas-gateway/common"
	"github.com/coreshub/imaas-gateway/common/client"
	"github.com/coreshub/imaas-gateway/common/ctxkey"
	"github.com/coreshub/imaas-gateway/common/helper"
	"github.com/coreshub/imaas-gateway/middleware"
	"github.com/coreshub/imaas-gateway/model"
	relaymodel "github.com/coreshub/imaas-gateway/relay/model"
)

const (
	minSpeechSpeed = 0.5
	maxSpeechSpeed = 2.0
)

func clampSpeed(speed float64) float64 {
	if speed < minSpeechSpeed {
		return minSpeechSpeed
	}
	if speed > maxSpeechSpeed {
		return maxSpeechSpeed
	}
	return speed
}

// resolveAudioChannel runs preflight and routing for an audio request.
func resolveAudioChannel(c *gin.Context, modelName string) *model.ChannelView {
	if modelName == "" {
		abortWith(c, relaymodel.ErrInvalidBody("缺少 model 字段"))
		return nil
	}
	c.Set(ctxkey.OriginModel, modelName)
	if !preflight(c, modelName) {
		return nil
	}
	key := middleware.GetApiKey(c)
	channel, err := model.PickChannel(c, modelName, key.Id)
	if err != nil {
		gmw.GetLogger(c).Warn("pick channel failed", zap.String("model", modelName), zap.Error(err))
		abortWith(c, relaymodel.ErrNoChannel(modelName))
		return nil
	}
	c.Set(ctxkey.ChannelId, channel.ChannelId)
	return channel
}

// RelaySpeech handles POST /v1/audio/speech: JSON body in, wav bytes out.
// The billed word count is the character count of the input, CJK doubled.
func RelaySpeech(c *gin.Context) {
	c.Set(ctxkey.RequestStart, time.Now())

	var body map[string]any
	if err := common.UnmarshalBodyReusable(c, &body); err != nil {
		abortWith(c, relaymodel.ErrInvalidBody("请求体不是合法的 JSON"))
		return
	}
	modelName := bodyModel(body)
	channel := resolveAudioChannel(c, modelName)
	if channel == nil {
		return
	}

	input, _ := body["input"].(string)
	if speed, ok := body["speed"].(float64); ok {
		body["speed"] = clampSpeed(speed)
	}
	ReplaceModel(body, channel.UpstreamModel(modelName))

	payload, err := json.Marshal(body)
	if err != nil {
		abortWith(c, relaymodel.ErrInvalidBody("请求体序列化失败"))
		return
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost,
		model.ComposeUpstreamURL(channel.URL, reqPath(c)), bytes.NewReader(payload))
	if err != nil {
		abortWith(c, relaymodel.ErrUpstreamUnavailable())
		return
	}
	req.Header.Set("Content-Type", "application/json")

	words := helper.CountCharacters(input)
	forwardSpeech(c, req, channel, modelName, words)
}

// RelaySpeechExt handles POST /v1/audio/speech-ext: multipart with an
// optional prompt wav. The form is rewritten so the model name and speed can
// be normalized before forwarding.
func RelaySpeechExt(c *gin.Context) {
	c.Set(ctxkey.RequestStart, time.Now())

	form, err := c.MultipartForm()
	if err != nil {
		abortWith(c, relaymodel.ErrInvalidBody("解析 multipart 表单失败"))
		return
	}
	modelName := formValue(form, "model")
	channel := resolveAudioChannel(c, modelName)
	if channel == nil {
		return
	}
	input := formValue(form, "input")

	buf, contentType, err := rewriteMultipart(form, channel.UpstreamModel(modelName), true)
	if err != nil {
		abortWith(c, relaymodel.ErrInvalidBody("重写表单失败"))
		return
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost,
		model.ComposeUpstreamURL(channel.URL, reqPath(c)), buf)
	if err != nil {
		abortWith(c, relaymodel.ErrUpstreamUnavailable())
		return
	}
	req.Header.Set("Content-Type", contentType)

	words := helper.CountCharacters(input)
	forwardSpeech(c, req, channel, modelName, words)
}

// forwardSpeech dispatches a prepared TTS request and relays the audio back.
func forwardSpeech(c *gin.Context, req *http.Request, channel *model.ChannelView, modelName string, words int) {
	logger := gmw.GetLogger(c)
	req.Header.Set("Authorization", "Bearer "+channel.Secret)

	resp, err := client.RelayHTTPClient.Do(req)
	if err != nil {
		gerr := transportError(err)
		emitError(c, modelName, channel.ChannelId, gerr, false)
		abortWith(c, gerr)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		gerr := upstreamError(resp.StatusCode, respBody)
		emitError(c, modelName, channel.ChannelId, gerr, false)
		abortWith(c, gerr)
		return
	}

	if sl := resp.Header.Get("speech-length"); sl != "" {
		logger.Info("speech synthesized", zap.String("speech_length", sl),
			zap.Int("words", words))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/wav"
	}
	c.Status(http.StatusOK)
	c.Header("Content-Type", contentType)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		logger.Warn("relay audio body failed", zap.Error(err))
	}

	ev := baseUsageEvent(c, modelName, channel.ChannelId)
	ev.Words = words
	emitUsage(c, ev)
}

// RelayTranscription handles POST /v1/audio/transcriptions. The upstream
// answers {audio_lengths, result[0].text}; clients get the OpenAI {text}
// shape and seconds are billed from the first audio length.
func RelayTranscription(c *gin.Context) {
	c.Set(ctxkey.RequestStart, time.Now())
	logger := gmw.GetLogger(c)

	form, err := c.MultipartForm()
	if err != nil {
		abortWith(c, relaymodel.ErrInvalidBody("解析 multipart 表单失败"))
		return
	}
	modelName := formValue(form, "model")
	channel := resolveAudioChannel(c, modelName)
	if channel == nil {
		return
	}

	buf, contentType, err := rewriteMultipart(form, channel.UpstreamModel(modelName), false)
	if err != nil {
		abortWith(c, relaymodel.ErrInvalidBody("重写表单失败"))
		return
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost,
		model.ComposeUpstreamURL(channel.URL, reqPath(c)), buf)
	if err != nil {
		abortWith(c, relaymodel.ErrUpstreamUnavailable())
		return
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+channel.Secret)

	resp, err := client.RelayHTTPClient.Do(req)
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

	var upstream struct {
		AudioLengths []float64 `json:"audio_lengths"`
		Result       []struct {
			Text string `json:"text"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &upstream); err != nil {
		logger.Warn("transcription response is not JSON, forwarding verbatim", zap.Error(err))
		c.Data(http.StatusOK, "application/json", respBody)
		return
	}

	text := ""
	if len(upstream.Result) > 0 {
		text = upstream.Result[0].Text
	}
	seconds := 0.0
	if len(upstream.AudioLengths) > 0 {
		seconds = upstream.AudioLengths[0]
	}

	// empty transcripts are not billed
	if text != "" {
		ev := baseUsageEvent(c, modelName, channel.ChannelId)
		ev.SpeechLength = seconds
		emitUsage(c, ev)
	}
	c.JSON(http.StatusOK, gin.H{"text": text})
}

func formValue(form *multipart.Form, field string) string {
	if values, ok := form.Value[field]; ok && len(values) > 0 {
		return values[0]
	}
	return ""
}

// rewriteMultipart rebuilds a parsed form with the upstream model name
// substituted and, when asked, the speed field clamped. File parts are copied
// through unchanged.
func rewriteMultipart(form *multipart.Form, upstreamModel string, clampSpeedField bool) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for field, values := range form.Value {
		for _, v := range values {
			switch {
			case field == "model":
				v = upstreamModel
			case field == "speed" && clampSpeedField:
				if speed, err := strconv.ParseFloat(v, 64); err == nil {
					v = strconv.FormatFloat(clampSpeed(speed), 'f', -1, 64)
				}
			}
			if err := writer.WriteField(field, v); err != nil {
				return nil, "", errors.Wrapf(err, "write form field %s failed", field)
			}
		}
	}
	for field, headers := range form.File {
		for _, fh := range headers {
			src, err := fh.Open()
			if err != nil {
				return nil, "", errors.Wrapf(err, "open form file %s failed", fh.Filename)
			}
			dst, err := writer.CreateFormFile(field, fh.Filename)
			if err == nil {
				_, err = io.Copy(dst, src)
			}
			src.Close()
			if err != nil {
				return nil, "", errors.Wrapf(err, "copy form file %s failed", fh.Filename)
			}
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", errors.Wrap(err, "finalize multipart form failed")
	}
	return &buf, writer.FormDataContentType(), nil
}
