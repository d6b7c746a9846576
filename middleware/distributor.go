package middleware

import (
	"strings"

	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/coreshub/imaas-gateway/common/ctxkey"
	"github.com/coreshub/imaas-gateway/common/helper"
	"github.com/coreshub/imaas-gateway/model"
	relaymodel "github.com/coreshub/imaas-gateway/relay/model"
)

// TokenAuth resolves the bearer api key and stores the entity on the
// context. Balance and limiter checks happen later, once the target model
// is known.
func TokenAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := extractBearer(c)
		if key == "" {
			AbortWithGatewayError(c, relaymodel.ErrApiKeyMissing())
			return
		}

		entity, err := model.CachedGetApiKey(key)
		if err != nil {
			gmw.GetLogger(c).Error("look up api key failed",
				zap.String("api_key", helper.MaskAPIKey(key)), zap.Error(err))
			AbortWithGatewayError(c, relaymodel.ErrApiKeyInvalid())
			return
		}
		if entity == nil {
			AbortWithGatewayError(c, relaymodel.ErrApiKeyInvalid())
			return
		}
		if entity.Status != model.ApiKeyStatusActive {
			AbortWithGatewayError(c, relaymodel.ErrApiKeyInactive())
			return
		}

		model.TouchApiKey(entity.Id)
		c.Set(ctxkey.ApiKey, entity)
		c.Set(ctxkey.UserId, entity.UserId)
		c.Next()
	}
}

func extractBearer(c *gin.Context) string {
	key := c.Request.Header.Get("Authorization")
	key = strings.TrimPrefix(key, "Bearer ")
	return strings.TrimSpace(key)
}

// GetApiKey returns the authenticated key entity set by TokenAuth.
func GetApiKey(c *gin.Context) *model.ApiKey {
	if v, ok := c.Get(ctxkey.ApiKey); ok {
		if key, ok := v.(*model.ApiKey); ok {
			return key
		}
	}
	return nil
}
