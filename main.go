package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v7"
	glog "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/coreshub/imaas-gateway/billing"
	"github.com/coreshub/imaas-gateway/common"
	"github.com/coreshub/imaas-gateway/common/client"
	"github.com/coreshub/imaas-gateway/common/config"
	"github.com/coreshub/imaas-gateway/common/helper"
	"github.com/coreshub/imaas-gateway/common/logger"
	"github.com/coreshub/imaas-gateway/event"
	"github.com/coreshub/imaas-gateway/model"
	"github.com/coreshub/imaas-gateway/relay/controller"
	"github.com/coreshub/imaas-gateway/router"
	"github.com/coreshub/imaas-gateway/scheduler"
	"github.com/coreshub/imaas-gateway/searchlog"
)

func main() {
	config.Load()
	if config.DebugEnabled {
		logger.SetLevel(glog.LevelDebug)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	client.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := model.InitDB(); err != nil {
		logger.Logger.Panic("init database failed", zap.Error(err))
	}
	if err := common.InitRedisClient(ctx); err != nil {
		logger.Logger.Panic("init redis failed", zap.Error(err))
	}

	store, err := searchlog.New()
	if err != nil {
		logger.Logger.Panic("init opensearch failed", zap.Error(err))
	}

	upstream := billing.NewClient()
	controller.Setup(upstream)

	// cache eviction and balance events run on every replica
	bus := event.NewBus()
	bus.SubscribeEvict()
	billing.SubscribeBalanceEvents(bus)
	go bus.Run(ctx)

	hostname, _ := os.Hostname()
	consumerName := fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), helper.RandomId(4))
	scheduler.Start(ctx, upstream, store, consumerName)

	engine := gin.New()
	engine.Use(gmw.NewLoggerMiddleware(
		gmw.WithLogger(logger.Logger.Named("gin")),
	))
	router.SetRouter(engine)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: engine,
	}
	go func() {
		logger.Logger.Info("gateway listening", zap.Int("port", config.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logger.Panic("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Warn("server shutdown failed", zap.Error(err))
	}
}
