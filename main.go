package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eddielth/device-comm/app"
	"github.com/eddielth/device-comm/config"
	"github.com/eddielth/device-comm/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logger.Error("%v", err)
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	lc := cfg.Logger
	if err := logger.InitFromConfig(lc.Level, lc.FilePath, lc.MaxSize, lc.MaxBackups, lc.Console); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	err = config.WatchConfig(configPath, func(newCfg *config.Config) error {
		logger.Info("applying new configuration, transport and storage changes take effect after restart")
		return application.ApplyConfig(newCfg)
	})
	if err != nil {
		logger.Warn("failed to watch config file: %v", err)
	} else {
		logger.Info("watching %s for changes", configPath)
	}

	logger.Info("device communication service started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received %s, shutting down", sig)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := application.Stop(stopCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("service stopped")
	return nil
}
