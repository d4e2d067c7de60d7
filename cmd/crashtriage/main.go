// Package main runs the crash triage dispatch service or a local worker pool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/JakeFAU/crashtriage/internal/config"
	"github.com/JakeFAU/crashtriage/internal/logging"
	"github.com/JakeFAU/crashtriage/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	modeFlag := flag.String("mode", string(server.ModeServer), "Run mode: server or worker")
	flag.Parse()

	mode, err := server.ParseMode(*modeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	}, string(mode))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, cfg, mode, server.WithLogger(logger))
	if err != nil {
		logger.Error("build failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		logger.Error("run failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
