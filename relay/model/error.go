package model

import (
	"fmt"
	"net/http"
)

// GatewayError is the error sum type surfaced at the /v1 boundary. Code is
// the HTTP status the client receives.
type GatewayError struct {
	Code int    `json:"code"`
	Msg  string `json:"message"`
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Msg)
}

func NewGatewayError(code int, msg string) *GatewayError {
	return &GatewayError{Code: code, Msg: msg}
}

// Client-facing messages. These strings are stable: users match on them.
func ErrApiKeyMissing() *GatewayError {
	return NewGatewayError(http.StatusUnauthorized, "未提供令牌")
}

func ErrApiKeyInvalid() *GatewayError {
	return NewGatewayError(http.StatusUnauthorized, "无效的令牌")
}

func ErrApiKeyInactive() *GatewayError {
	return NewGatewayError(http.StatusUnauthorized, "令牌未生效")
}

func ErrInsufficientBalance() *GatewayError {
	return NewGatewayError(http.StatusPaymentRequired, "账户余额不足")
}

func ErrRateLimited() *GatewayError {
	return NewGatewayError(http.StatusTooManyRequests, "请求频率超过限制")
}

func ErrNoChannel(modelName string) *GatewayError {
	return NewGatewayError(http.StatusBadRequest, fmt.Sprintf("未找到模型[%s]的渠道", modelName))
}

func ErrUpstreamTimeout() *GatewayError {
	return NewGatewayError(http.StatusGatewayTimeout, "请求超时")
}

func ErrUpstreamUnavailable() *GatewayError {
	return NewGatewayError(http.StatusServiceUnavailable, "服务器繁忙")
}

func ErrUnknownRoute(path string) *GatewayError {
	return NewGatewayError(http.StatusNotFound, fmt.Sprintf("不存在的接口[%s]", path))
}

func ErrInvalidBody(detail string) *GatewayError {
	return NewGatewayError(http.StatusUnprocessableEntity, detail)
}
