package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	glog "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
)

type harness struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  glog.Logger
}

func newHarness(baseURL, apiKey, model string, logger glog.Logger) *harness {
	return &harness{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 300 * time.Second},
		logger:  logger,
	}
}

// run executes every probe in order, stopping at the first failure.
func (h *harness) run(ctx context.Context) error {
	probes := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"list_models", h.probeModels},
		{"chat", h.probeChat},
		{"chat_stream", h.probeChatStream},
		{"embeddings", h.probeEmbeddings},
	}
	for _, probe := range probes {
		start := time.Now()
		if err := probe.fn(ctx); err != nil {
			return errors.Wrapf(err, "probe %s failed", probe.name)
		}
		h.logger.Info("probe passed",
			zap.String("probe", probe.name),
			zap.Duration("duration", time.Since(start)))
	}
	return nil
}

func (h *harness) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	resp, err := h.client.Do(req)
	return resp, errors.Wrap(err, "do request")
}

func (h *harness) probeModels(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/v1/models", nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	resp, err := h.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %d", resp.StatusCode)
	}

	var listing struct {
		Data []struct {
			Id string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return errors.Wrap(err, "decode model list")
	}
	if len(listing.Data) == 0 {
		return errors.New("no active models")
	}
	h.logger.Info("models listed", zap.Int("count", len(listing.Data)))
	return nil
}

func (h *harness) probeChat(ctx context.Context) error {
	resp, err := h.post(ctx, "/v1/chat/completions", map[string]any{
		"model":    h.model,
		"messages": []map[string]any{{"role": "user", "content": "Reply with the single word: pong"}},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &completion); err != nil {
		return errors.Wrap(err, "decode completion")
	}
	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return errors.New("empty completion")
	}
	if completion.Usage.TotalTokens == 0 {
		return errors.New("missing usage")
	}
	return nil
}

func (h *harness) probeChatStream(ctx context.Context) error {
	resp, err := h.post(ctx, "/v1/chat/completions", map[string]any{
		"model":          h.model,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
		"messages":       []map[string]any{{"role": "user", "content": "Count from 1 to 5."}},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	var frames int
	sawDone := false
	sawUsage := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		frames++
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			sawDone = true
			break
		}
		if strings.Contains(payload, `"total_tokens"`) {
			sawUsage = true
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "read stream")
	}
	if frames == 0 {
		return errors.New("no stream frames")
	}
	if !sawDone {
		return errors.New("stream ended without [DONE]")
	}
	if !sawUsage {
		return errors.New("stream carried no usage frame")
	}
	h.logger.Info("stream consumed", zap.Int("frames", frames))
	return nil
}

func (h *harness) probeEmbeddings(ctx context.Context) error {
	resp, err := h.post(ctx, "/v1/embeddings", map[string]any{
		"model": h.model,
		"input": "the quick brown fox",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	// a chat-only deployment legitimately has no embedding channel
	if resp.StatusCode == http.StatusBadRequest && bytes.Contains(body, []byte("未找到模型")) {
		h.logger.Info("embeddings skipped, model has no channel")
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	return nil
}
