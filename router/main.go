package router

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/coreshub/imaas-gateway/common/config"
	"github.com/coreshub/imaas-gateway/middleware"
	"github.com/coreshub/imaas-gateway/monitor"
	"github.com/coreshub/imaas-gateway/relay/controller"
	relaymodel "github.com/coreshub/imaas-gateway/relay/model"
)

// SetRouter registers every HTTP surface on the engine: the /v1 relay API
// under the configured prefix and the Prometheus scrape endpoint.
func SetRouter(engine *gin.Engine) {
	engine.Use(gin.Recovery())
	engine.Use(middleware.Trace())

	engine.GET("/metrics", gin.WrapH(monitor.Handler()))

	engine.NoRoute(func(c *gin.Context) {
		path := strings.TrimPrefix(c.Request.URL.Path, config.APIPrefix)
		middleware.AbortWithGatewayError(c, relaymodel.ErrUnknownRoute(path))
	})

	v1 := engine.Group(config.APIPrefix + "/v1")
	v1.Use(middleware.TokenAuth())
	{
		v1.POST("/chat/completions", controller.RelayChat)
		v1.POST("/completions", controller.RelayCompletions)
		v1.POST("/embeddings", controller.RelayEmbeddings)
		v1.POST("/rerank", controller.RelayRerank)
		v1.POST("/audio/speech", controller.RelaySpeech)
		v1.POST("/audio/speech-ext", controller.RelaySpeechExt)
		v1.POST("/audio/transcriptions", controller.RelayTranscription)
		v1.GET("/models", controller.ListModels)

		files := v1.Group("/files")
		{
			files.POST("", controller.UploadFile)
			files.GET("", controller.ListFiles)
			files.GET("/:id", controller.GetFile)
			files.DELETE("/:id", controller.DeleteFile)
		}
	}
}
