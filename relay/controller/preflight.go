package controller

import (
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/coreshub/imaas-gateway/billing"
	"github.com/coreshub/imaas-gateway/limiter"
	"github.com/coreshub/imaas-gateway/middleware"
	"github.com/coreshub/imaas-gateway/model"
	relaymodel "github.com/coreshub/imaas-gateway/relay/model"
)

// unitForTag maps a model family to the unit its balance is checked in.
func unitForTag(tag string) string {
	switch tag {
	case model.TagTTS:
		return relaymodel.UnitWords
	case model.TagASR:
		return relaymodel.UnitSeconds
	default:
		return relaymodel.UnitToken
	}
}

// tokenTypeForUnit picks the probe token type for a balance check.
func tokenTypeForUnit(unit string) string {
	switch unit {
	case relaymodel.UnitWords:
		return relaymodel.TokenTypeWords
	case relaymodel.UnitSeconds:
		return relaymodel.TokenTypeSeconds
	default:
		return relaymodel.TokenTypeCompletion
	}
}

// preflight runs the per-request admission gates: balance first, then rate
// limits. Returns false after writing the error response.
func preflight(c *gin.Context, modelName string) bool {
	key := middleware.GetApiKey(c)
	if key == nil {
		abortWith(c, relaymodel.ErrApiKeyInvalid())
		return false
	}

	tag, err := model.GetModelTag(modelName)
	if err != nil {
		gmw.GetLogger(c).Debug("model tag lookup failed, assuming chat",
			zap.String("model", modelName), zap.Error(err))
	}
	unit := unitForTag(tag)
	if !billing.ValidBalance(c.Request.Context(), upstreamBilling,
		key.UserId, tag, modelName, tokenTypeForUnit(unit), unit) {
		abortWith(c, relaymodel.ErrInsufficientBalance())
		return false
	}

	if !limiter.Check(c, key.UserId, modelName) {
		abortWith(c, relaymodel.ErrRateLimited())
		return false
	}
	return true
}
