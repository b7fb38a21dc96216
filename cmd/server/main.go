package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"carechat/internal/app"
	"carechat/internal/logger"
)

func main() {
	configName := flag.String("config", "carechat", "config file name (without extension), looked up in the working directory")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	log := logger.New(*logLevel)
	defer func() { _ = log.Sync() }()

	cfg, err := app.Load(log, *configName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup error: %v\n", err)
		os.Exit(1)
	}

	if err := handle.Wait(); err != nil {
		log.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
}
