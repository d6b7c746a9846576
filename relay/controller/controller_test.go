package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/coreshub/imaas-gateway/billing"
	"github.com/coreshub/imaas-gateway/common"
	"github.com/coreshub/imaas-gateway/common/cache"
	"github.com/coreshub/imaas-gateway/common/config"
	"github.com/coreshub/imaas-gateway/middleware"
	"github.com/coreshub/imaas-gateway/model"
)

const testKey = "sk-test-key"

type stubUpstream struct {
	balance    bool
	balanceErr error
	probes     int
}

func (s *stubUpstream) CheckBalance(_ context.Context, _, _, _, _ string, _ int64, _ string) (bool, error) {
	s.probes++
	return s.balance, s.balanceErr
}

func (s *stubUpstream) Charge(_ context.Context, _ []billing.ChargeIntent) (map[string]billing.ChargeResult, error) {
	return nil, nil
}

func (s *stubUpstream) GetUser(_ context.Context, _ string) (*billing.UserInfo, error) {
	return &billing.UserInfo{UserName: "tester"}, nil
}

func (s *stubUpstream) ListProducts(_ context.Context) ([]billing.Product, error) {
	return nil, nil
}

// setupGateway wires an engine with the full relay route surface against
// in-memory storage and a stub biller.
func setupGateway(t *testing.T) (*gin.Engine, *miniredis.Miniredis, *stubUpstream) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, model.UseDB(db))
	cache.EvictModule("channel")
	cache.EvictModule("apikey")
	cache.EvictModule("param")

	mr := miniredis.RunT(t)
	common.UseRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	stub := &stubUpstream{balance: true}
	origUpstream := upstreamBilling
	upstreamBilling = stub
	origBilling := config.BillingEnabled
	config.BillingEnabled = true
	t.Cleanup(func() {
		upstreamBilling = origUpstream
		config.BillingEnabled = origBilling
	})

	engine := gin.New()
	engine.Use(middleware.Trace())
	v1 := engine.Group(config.APIPrefix + "/v1")
	v1.Use(middleware.TokenAuth())
	v1.POST("/chat/completions", RelayChat)
	v1.POST("/completions", RelayCompletions)
	v1.POST("/embeddings", RelayEmbeddings)
	v1.POST("/rerank", RelayRerank)
	v1.POST("/audio/speech", RelaySpeech)
	v1.POST("/audio/transcriptions", RelayTranscription)
	v1.GET("/models", ListModels)
	v1.POST("/files", UploadFile)
	v1.GET("/files", ListFiles)
	v1.GET("/files/:id", GetFile)
	v1.DELETE("/files/:id", DeleteFile)

	return engine, mr, stub
}

// seedGateway binds every given model name to one enabled healthy channel.
func seedGateway(t *testing.T, upstreamURL string, models map[string]string) {
	t.Helper()
	require.NoError(t, model.DB.Create(&model.ApiKey{
		Id: testKey, UserId: "u1", Name: "test", Status: model.ApiKeyStatusActive,
	}).Error)
	require.NoError(t, model.DB.Create(&model.Channel{
		Id: 1, Name: "ch", URL: upstreamURL, Secret: "chsec",
		Status: model.StatusEnabled, Health: model.HealthUp,
	}).Error)
	id := 1
	for name, tag := range models {
		require.NoError(t, model.DB.Create(&model.Model{
			Id: id, Name: name, Tag: tag, Status: model.StatusEnabled,
		}).Error)
		require.NoError(t, model.DB.Create(&model.ChannelBinding{
			ChannelId: 1, ModelId: id, Status: model.StatusEnabled,
		}).Error)
		id++
	}
	cache.EvictModule("channel")
}

func doJSON(engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if raw, ok := body.([]byte); ok {
		reader = bytes.NewReader(raw)
	} else {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, config.APIPrefix+path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testKey)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func invokeQueueEvents(t *testing.T) []map[string]any {
	t.Helper()
	msgs, err := common.RDB.XRange(context.Background(),
		common.WrapKey(common.APIInvokeEventQueue), "-", "+").Result()
	require.NoError(t, err)
	var events []map[string]any
	for _, m := range msgs {
		events = append(events, m.Values)
	}
	return events
}

func TestRelayChatNonStreaming(t *testing.T) {
	engine, _, _ := setupGateway(t)

	var gotPath, gotAuth string
	var gotBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"choices":[{"index":0,"message":{"role":"assistant","content":"hi"}}],
			"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15,
				"prompt_tokens_details":{"cached_tokens":4}}
		}`)
	}))
	defer upstream.Close()
	seedGateway(t, upstream.URL, map[string]string{"m": model.TagChat})

	w := doJSON(engine, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":    "m",
		"messages": []map[string]any{{"role": "user", "content": "hello"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "/v1/chat/completions", gotPath)
	require.Equal(t, "Bearer chsec", gotAuth)
	require.Equal(t, "m", gotBody["model"])
	// default max_tokens injected for chat
	require.Equal(t, float64(4096), gotBody["max_tokens"])

	events := invokeQueueEvents(t)
	require.Len(t, events, 1)
	require.Equal(t, "m", events[0]["model"])
	// cached tokens split out of prompt tokens
	require.Equal(t, "6", events[0]["prompt_tokens"])
	require.Equal(t, "4", events[0]["cached_tokens"])
	require.Equal(t, "15", events[0]["total_tokens"])
}

func TestRelayChatModelRedirect(t *testing.T) {
	engine, _, _ := setupGateway(t)

	var gotBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"choices":[],"usage":{"total_tokens":1}}`)
	}))
	defer upstream.Close()
	seedGateway(t, upstream.URL, map[string]string{"m": model.TagChat})
	require.NoError(t, model.DB.Model(&model.Channel{}).Where("id = ?", 1).
		Update("model_redirect", `{"m":"upstream-m"}`).Error)
	cache.EvictModule("channel")

	w := doJSON(engine, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":    "m",
		"messages": []map[string]any{{"role": "user", "content": "x"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "upstream-m", gotBody["model"])

	// billed under the client-facing name
	events := invokeQueueEvents(t)
	require.Len(t, events, 1)
	require.Equal(t, "m", events[0]["model"])
}

func TestRelayChatMaxTokensClamped(t *testing.T) {
	engine, _, _ := setupGateway(t)

	var gotBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer upstream.Close()
	seedGateway(t, upstream.URL, map[string]string{"m": model.TagChat})

	w := doJSON(engine, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":      "m",
		"max_tokens": 999999,
		"messages":   []map[string]any{{"role": "user", "content": "x"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, float64(model.DefaultMaxTokensCap), gotBody["max_tokens"])
}

func TestRelayChatThinkSplitNonStreaming(t *testing.T) {
	engine, _, _ := setupGateway(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{
			"choices":[{"index":0,"message":{"role":"assistant","content":"think hard</think>answer"}}],
			"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}
		}`)
	}))
	defer upstream.Close()
	seedGateway(t, upstream.URL, map[string]string{"QwQ-32B": model.TagChat})

	w := doJSON(engine, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":    "QwQ-32B",
		"messages": []map[string]any{{"role": "user", "content": "x"}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	msg := resp["choices"].([]any)[0].(map[string]any)["message"].(map[string]any)
	require.Equal(t, "think hard", msg["reasoning_content"])
	require.Equal(t, "answer", msg["content"])
}

func TestRelayChatStreaming(t *testing.T) {
	engine, _, _ := setupGateway(t)

	var gotBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"he\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"llo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":2,\"total_tokens\":9}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()
	seedGateway(t, upstream.URL, map[string]string{"m": model.TagChat})

	w := doJSON(engine, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":    "m",
		"stream":   true,
		"messages": []map[string]any{{"role": "user", "content": "x"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	// usage always requested upstream
	opts := gotBody["stream_options"].(map[string]any)
	require.Equal(t, true, opts["include_usage"])

	out := w.Body.String()
	require.Contains(t, out, `"content":"he"`)
	require.Contains(t, out, `"content":"llo"`)
	require.Contains(t, out, "data: [DONE]")
	// client never asked for usage and the frame has no choices content,
	// so the usage frame stays internal
	require.NotContains(t, out, `"total_tokens":9`)

	events := invokeQueueEvents(t)
	require.Len(t, events, 1)
	require.Equal(t, "9", events[0]["total_tokens"])
}

func TestRelayChatStreamingUsageForwarded(t *testing.T) {
	engine, _, _ := setupGateway(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[],\"usage\":{\"prompt_tokens\":1,\"completion_tokens\":1,\"total_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()
	seedGateway(t, upstream.URL, map[string]string{"m": model.TagChat})

	w := doJSON(engine, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":          "m",
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
		"messages":       []map[string]any{{"role": "user", "content": "x"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"total_tokens":2`)
}

func TestRelayChatStreamingUsageFallbackLocalCount(t *testing.T) {
	engine, _, _ := setupGateway(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"he\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"llo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()
	seedGateway(t, upstream.URL, map[string]string{"m": model.TagChat})

	w := doJSON(engine, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":    "m",
		"stream":   true,
		"messages": []map[string]any{{"role": "user", "content": "count my prompt"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "data: [DONE]")

	// the upstream never reported usage, so the gateway counts the prompt
	// and the relayed completion text itself
	wantPrompt := CountTokens("count my prompt")
	wantCompletion := CountTokens("hello")
	events := invokeQueueEvents(t)
	require.Len(t, events, 1)
	require.Equal(t, fmt.Sprintf("%d", wantPrompt), events[0]["prompt_tokens"])
	require.Equal(t, fmt.Sprintf("%d", wantCompletion), events[0]["completion_tokens"])
	require.Equal(t, fmt.Sprintf("%d", wantPrompt+wantCompletion), events[0]["total_tokens"])
}

func TestRelayChatStreamingThinkSplit(t *testing.T) {
	engine, _, _ := setupGateway(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"plan\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"</think>done\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()
	seedGateway(t, upstream.URL, map[string]string{"QwQ-32B": model.TagChat})

	w := doJSON(engine, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":    "QwQ-32B",
		"stream":   true,
		"messages": []map[string]any{{"role": "user", "content": "x"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	out := w.Body.String()
	require.Contains(t, out, `"reasoning_content":"plan"`)
	require.Contains(t, out, `"content":"done"`)
	require.NotContains(t, out, "</think>")
}

func TestRelayChatUpstreamError(t *testing.T) {
	engine, _, _ := setupGateway(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"backend exploded"}}`)
	}))
	defer upstream.Close()
	seedGateway(t, upstream.URL, map[string]string{"m": model.TagChat})

	w := doJSON(engine, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model":    "m",
		"messages": []map[string]any{{"role": "user", "content": "x"}},
	})
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Contains(t, w.Body.String(), "backend exploded")
	require.Contains(t, w.Body.String(), "request id:")

	errs, err := common.RDB.XLen(context.Background(),
		common.WrapKey(common.APIErrorEventQueue)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), errs)
}

func TestRelayChatAdmission(t *testing.T) {
	engine, _, stub := setupGateway(t)
	seedGateway(t, "http://unused", map[string]string{"m": model.TagChat})

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, config.APIPrefix+"/v1/chat/completions",
			strings.NewReader(`{"model":"m"}`))
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		require.Equal(t, http.StatusUnauthorized, w.Code)
		require.Contains(t, w.Body.String(), "未提供令牌")
	})

	t.Run("unknown token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, config.APIPrefix+"/v1/chat/completions",
			strings.NewReader(`{"model":"m"}`))
		req.Header.Set("Authorization", "Bearer sk-nope")
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		require.Equal(t, http.StatusUnauthorized, w.Code)
		require.Contains(t, w.Body.String(), "无效的令牌")
	})

	t.Run("malformed body", func(t *testing.T) {
		w := doJSON(engine, http.MethodPost, "/v1/chat/completions", []byte(`{`))
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("unknown model", func(t *testing.T) {
		w := doJSON(engine, http.MethodPost, "/v1/chat/completions", map[string]any{
			"model": "nope", "messages": []map[string]any{},
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "未找到模型[nope]的渠道")
	})

	t.Run("insufficient balance", func(t *testing.T) {
		stub.balance = false
		defer func() { stub.balance = true }()
		w := doJSON(engine, http.MethodPost, "/v1/chat/completions", map[string]any{
			"model": "m", "messages": []map[string]any{},
		})
		require.Equal(t, http.StatusPaymentRequired, w.Code)
		require.Contains(t, w.Body.String(), "账户余额不足")
	})
}

func TestRelayChatRateLimited(t *testing.T) {
	engine, mr, _ := setupGateway(t)
	seedGateway(t, "http://unused", map[string]string{"m": model.TagChat})

	require.NoError(t, mr.Set(common.WrapKey("limit:rpm:0:m"), "0"))

	w := doJSON(engine, http.MethodPost, "/v1/chat/completions", map[string]any{
		"model": "m", "messages": []map[string]any{},
	})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Contains(t, w.Body.String(), "请求频率超过限制")
}

func TestRelayEmbeddingsStripsDimensions(t *testing.T) {
	engine, _, _ := setupGateway(t)

	var gotBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"data":[],"usage":{"prompt_tokens":3,"total_tokens":3}}`)
	}))
	defer upstream.Close()
	seedGateway(t, upstream.URL, map[string]string{"emb": model.TagEmbedding})

	w := doJSON(engine, http.MethodPost, "/v1/embeddings", map[string]any{
		"model": "emb", "input": "text", "dimensions": 128,
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NotContains(t, gotBody, "dimensions")

	events := invokeQueueEvents(t)
	require.Len(t, events, 1)
	require.Equal(t, "3", events[0]["total_tokens"])
	require.Equal(t, model.TagEmbedding, events[0]["model_tag"])
}

func TestRelaySpeechCountsWords(t *testing.T) {
	engine, _, _ := setupGateway(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		w.Header().Set("speech-length", "1.5")
		w.Write([]byte("RIFFwav-bytes"))
	}))
	defer upstream.Close()
	seedGateway(t, upstream.URL, map[string]string{"tts": model.TagTTS})

	w := doJSON(engine, http.MethodPost, "/v1/audio/speech", map[string]any{
		"model": "tts", "input": "你好ab", "voice": "alloy", "speed": 5.0,
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "audio/wav", w.Header().Get("Content-Type"))
	require.Equal(t, "RIFFwav-bytes", w.Body.String())

	events := invokeQueueEvents(t)
	require.Len(t, events, 1)
	// two CJK chars count double plus two ascii
	require.Equal(t, "6", events[0]["words"])
}

func TestRelayTranscription(t *testing.T) {
	engine, _, _ := setupGateway(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "asr", r.FormValue("model"))
		require.Equal(t, "zh", r.FormValue("language"))
		fmt.Fprint(w, `{"audio_lengths":[12.5],"result":[{"text":"你好"}]}`)
	}))
	defer upstream.Close()
	seedGateway(t, upstream.URL, map[string]string{"asr": model.TagASR})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("model", "asr"))
	require.NoError(t, mw.WriteField("language", "zh"))
	part, err := mw.CreateFormFile("file", "clip.wav")
	require.NoError(t, err)
	_, err = part.Write([]byte("RIFFfake"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, config.APIPrefix+"/v1/audio/transcriptions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testKey)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "你好", resp["text"])

	events := invokeQueueEvents(t)
	require.Len(t, events, 1)
	require.Equal(t, "12.5", events[0]["speech_length"])
}

func TestRelayTranscriptionEmptyResultNotBilled(t *testing.T) {
	engine, _, _ := setupGateway(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"audio_lengths":[3.0],"result":[]}`)
	}))
	defer upstream.Close()
	seedGateway(t, upstream.URL, map[string]string{"asr": model.TagASR})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("model", "asr"))
	part, err := mw.CreateFormFile("file", "silence.wav")
	require.NoError(t, err)
	_, err = part.Write([]byte("RIFFfake"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, config.APIPrefix+"/v1/audio/transcriptions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testKey)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "", resp["text"])
	require.Empty(t, invokeQueueEvents(t))
}

func TestListModels(t *testing.T) {
	engine, _, _ := setupGateway(t)
	seedGateway(t, "http://unused", map[string]string{"m": model.TagChat, "emb": model.TagEmbedding})

	req := httptest.NewRequest(http.MethodGet, config.APIPrefix+"/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Object string `json:"object"`
		Data   []struct {
			Id string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "list", resp.Object)
	var ids []string
	for _, d := range resp.Data {
		ids = append(ids, d.Id)
	}
	require.ElementsMatch(t, []string{"m", "emb"}, ids)
}

func TestFilesLifecycle(t *testing.T) {
	engine, _, stub := setupGateway(t)
	seedGateway(t, "http://unused", map[string]string{"m": model.TagChat})

	origDir := config.UserFileDir
	config.UserFileDir = t.TempDir()
	t.Cleanup(func() { config.UserFileDir = origDir })

	// file endpoints never consult the biller
	stub.balance = false

	upload := func(filename, purpose string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write([]byte("file-contents"))
		require.NoError(t, err)
		require.NoError(t, mw.WriteField("purpose", purpose))
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, config.APIPrefix+"/v1/files", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+testKey)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w
	}

	w := upload("data.jsonl", "sell-organs")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = upload("data.jsonl", "batch")
	require.Equal(t, http.StatusOK, w.Code)
	var uploaded struct {
		Id    string `json:"id"`
		Bytes int64  `json:"bytes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &uploaded))
	require.True(t, strings.HasPrefix(uploaded.Id, "file-"))
	require.Equal(t, int64(len("file-contents")), uploaded.Bytes)

	require.Zero(t, stub.probes)

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, config.APIPrefix+path, nil)
		req.Header.Set("Authorization", "Bearer "+testKey)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w
	}

	w = get("/v1/files")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), uploaded.Id)

	w = get("/v1/files/" + uploaded.Id)
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodDelete, config.APIPrefix+"/v1/files/"+uploaded.Id, nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = get("/v1/files/" + uploaded.Id)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCountTokens(t *testing.T) {
	t.Parallel()

	require.Zero(t, CountTokens(""))
	require.Greater(t, CountTokens("hello world, this is a test"), 3)
}
