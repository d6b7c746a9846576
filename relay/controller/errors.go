package controller

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"

	"github.com/coreshub/imaas-gateway/middleware"
	relaymodel "github.com/coreshub/imaas-gateway/relay/model"
)

func abortWith(c *gin.Context, gerr *relaymodel.GatewayError) {
	middleware.AbortWithGatewayError(c, gerr)
}

// upstreamError maps a non-200 upstream response to a GatewayError,
// preserving the upstream's message when the body is JSON.
func upstreamError(status int, body []byte) *relaymodel.GatewayError {
	msg := extractUpstreamMessage(body)
	if msg == "" {
		msg = "服务器繁忙"
	}
	return relaymodel.NewGatewayError(status, msg)
}

func extractUpstreamMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		if len(body) > 0 && len(body) <= 512 {
			return string(body)
		}
		return ""
	}
	if envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return envelope.Message
}

// transportError maps a request error to timeout or unavailable.
func transportError(err error) *relaymodel.GatewayError {
	var urlErr *url.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &urlErr) && urlErr.Timeout()) {
		return relaymodel.ErrUpstreamTimeout()
	}
	return relaymodel.ErrUpstreamUnavailable()
}
