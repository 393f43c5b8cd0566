package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"codeground/internal/app"
	"codeground/internal/config"
	"codeground/internal/logger"
)

func main() {
	cfg, err := config.LoadRelay()
	if err != nil {
		panic(err)
	}

	log, err := logger.Init(cfg.Logger())
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relay, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("relay startup failed", zap.Error(err))
	}

	runErr := relay.Run(ctx)
	relay.Close(context.Background())
	if runErr != nil {
		log.Error("relay stopped with error", zap.Error(runErr))
		os.Exit(1)
	}
	log.Info("relay exited")
}
