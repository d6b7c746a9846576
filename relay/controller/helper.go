package controller

import (
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/pkoukk/tiktoken-go"

	"github.com/coreshub/imaas-gateway/billing"
	"github.com/coreshub/imaas-gateway/common/config"
)

// upstreamBilling is the billing/user-directory collaborator, injected at
// boot. Tests substitute a fake.
var upstreamBilling billing.Upstream

// Setup wires the upstream billing client into the relay handlers.
func Setup(upstream billing.Upstream) {
	upstreamBilling = upstream
}

// reqPath returns the request path after the "/v1" version prefix,
// e.g. "/chat/completions".
func reqPath(c *gin.Context) string {
	path := strings.TrimPrefix(c.Request.URL.Path, config.APIPrefix)
	return strings.TrimPrefix(path, "/v1")
}

// ReplaceModel swaps the model field of a parsed body, leaving every other
// field untouched.
func ReplaceModel(body map[string]any, modelName string) {
	body["model"] = modelName
}

// bodyModel extracts the model field from a parsed body.
func bodyModel(body map[string]any) string {
	m, _ := body["model"].(string)
	return m
}

// promptText concatenates every message content string, for the
// client-disconnect token fallback. Multimodal part lists contribute their
// text parts.
func promptText(body map[string]any) string {
	messages, _ := body["messages"].([]any)
	var sb strings.Builder
	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch content := msg["content"].(type) {
		case string:
			sb.WriteString(content)
		case []any:
			for _, part := range content {
				if m, ok := part.(map[string]any); ok {
					if text, ok := m["text"].(string); ok {
						sb.WriteString(text)
					}
				}
			}
		}
	}
	return sb.String()
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// CountTokens estimates the token count of text with the o200k_base BPE.
// Falls back to a character heuristic if the encoding is unavailable.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("o200k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return len([]rune(text)) / 2
	}
	return len(encoding.Encode(text, nil, nil))
}
