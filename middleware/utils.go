package middleware

import (
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/coreshub/imaas-gateway/common/helper"
	relaymodel "github.com/coreshub/imaas-gateway/relay/model"
)

// AbortWithGatewayError ends the request with the /v1 error envelope:
// {object:"error", message, code}, HTTP status = code. Every message carries
// the request id so users can quote it.
func AbortWithGatewayError(c *gin.Context, gerr *relaymodel.GatewayError) {
	logger := gmw.GetLogger(c)
	if gerr.Code >= 500 {
		logger.Error("request aborted", zap.Int("code", gerr.Code), zap.String("msg", gerr.Msg))
	} else {
		logger.Warn("request aborted", zap.Int("code", gerr.Code), zap.String("msg", gerr.Msg))
	}

	c.JSON(gerr.Code, gin.H{
		"object":  "error",
		"message": helper.MessageWithRequestId(gerr.Msg, c.GetString(helper.RequestIdKey)),
		"code":    gerr.Code,
	})
	c.Abort()
}
