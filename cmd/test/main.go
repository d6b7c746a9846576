// Package main implements imaas-test, a smoke harness run against a live
// gateway. It exercises the relay surface end to end: model listing, chat in
// both modes, and embeddings.
//
// Running every probe needs a configured channel behind the gateway; use
// -model to point at one that is actually routable.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	glog "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	logger, err := glog.NewConsoleWithName("imaas-test", glog.LevelInfo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %+v\n", err)
		os.Exit(1)
	}

	var (
		baseURL = flag.String("base-url", envOr("IMAAS_BASE_URL", "http://localhost:3000/imaas"), "gateway base url including api prefix")
		apiKey  = flag.String("api-key", os.Getenv("IMAAS_API_KEY"), "bearer api key")
		model   = flag.String("model", envOr("IMAAS_MODEL", "DeepSeek-R1"), "model to exercise")
	)
	flag.Parse()

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "api key required: set IMAAS_API_KEY or pass -api-key")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	harness := newHarness(*baseURL, *apiKey, *model, logger)
	if err := harness.run(ctx); err != nil {
		logger.Error("smoke run failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("smoke run completed")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
