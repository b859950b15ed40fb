package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/cmd"
	"github.com/JakeFAU/opendata-harvester/internal/app"
	"github.com/JakeFAU/opendata-harvester/internal/config"
	"github.com/JakeFAU/opendata-harvester/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	workers := flag.Bool("workers", true, "run extraction workers next to the API")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appInstance, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init app", zap.Error(err))
	}
	defer appInstance.Close()

	if err := cmd.Serve(ctx, appInstance, cmd.ServeOptions{Workers: *workers}); err != nil {
		logger.Error("service stopped", zap.Error(err))
		stop()
		appInstance.Close()
		_ = logger.Sync()
		os.Exit(1)
	}
}
