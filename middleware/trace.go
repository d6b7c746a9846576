package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/coreshub/imaas-gateway/common/helper"
)

// Trace assigns every request a sortable id, exposed to the client in the
// trace-id header and appended to every error message.
func Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Request.Header.Get(helper.RequestIdKey)
		if id == "" {
			id = helper.GenRequestId()
		}
		c.Set(helper.RequestIdKey, id)
		c.Header("trace-id", id)
		c.Next()
	}
}
