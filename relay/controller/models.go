package controller

import (
	"net/http"

	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/coreshub/imaas-gateway/common/helper"
	"github.com/coreshub/imaas-gateway/model"
	relaymodel "github.com/coreshub/imaas-gateway/relay/model"
)

// ListModels handles GET /v1/models with the OpenAI list shape. Only models
// reachable through at least one enabled channel are returned.
func ListModels(c *gin.Context) {
	names, err := model.ListActiveModelNames()
	if err != nil {
		gmw.GetLogger(c).Error("list active models failed", zap.Error(err))
		abortWith(c, relaymodel.ErrUpstreamUnavailable())
		return
	}

	data := make([]gin.H, 0, len(names))
	created := helper.GetTimestamp()
	for _, name := range names {
		data = append(data, gin.H{
			"id":       name,
			"object":   "model",
			"created":  created,
			"owned_by": "imaas",
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   data,
	})
}
