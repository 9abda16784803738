// Command loomd runs the loom runtime: the event catalog, the bus, an
// optional metrics endpoint, and the lifecycle tree actors are hosted
// on. Configuration comes entirely from the environment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/nmxmxh/loom/internal/bootstrap"
	"github.com/nmxmxh/loom/internal/config"
	"github.com/nmxmxh/loom/pkg/logger"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loomd: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Environment: cfg.Environment,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.ServiceName,
	})
	defer func() {
		_ = log.Sync()
	}()

	banner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Boot(ctx, cfg, log)
	if err != nil {
		log.Fatal("boot failed", zap.Error(err))
	}

	log.Info("loomd starting",
		zap.String("version", version),
		zap.String("environment", cfg.Environment),
		zap.String("bus_mode", cfg.BusMode),
		zap.String("validation_mode", cfg.ValidationMode),
		zap.Duration("ask_timeout", cfg.AskTimeout),
	)

	if err := rt.Run(ctx); err != nil {
		log.Error("shutdown finished with errors", zap.Error(err))
		os.Exit(1)
	}
	log.Info("loomd stopped")
}

func banner(cfg *config.Config) {
	title := color.New(color.FgHiMagenta, color.Bold)
	dim := color.New(color.FgHiBlack)
	title.Printf("loom %s\n", version)
	dim.Printf("service=%s environment=%s bus=%s validation=%s\n",
		cfg.ServiceName, cfg.Environment, cfg.BusMode, cfg.ValidationMode)
}
