package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/acme/lead-call-orchestrator/internal/api"
	"github.com/acme/lead-call-orchestrator/internal/api/handlers"
	"github.com/acme/lead-call-orchestrator/internal/api/media"
	"github.com/acme/lead-call-orchestrator/internal/app"
	"github.com/acme/lead-call-orchestrator/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())
	logger := container.Logger.Logger

	shutdownTracing, err := telemetry.Setup(ctx, container.Config.Telemetry, "api", container.Config.App.Version)
	if err != nil {
		logger.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	if err := container.EnsureSchema(ctx); err != nil {
		logger.Fatal("failed to ensure schema", zap.Error(err))
	}
	if err := container.EnsureTopics(ctx); err != nil {
		logger.Fatal("failed to ensure kafka topics", zap.Error(err))
	}

	orchestrator := container.Services().Orchestrator
	if n, err := orchestrator.Reconcile(ctx); err != nil {
		logger.Error("reconcile interrupted attempts failed", zap.Error(err))
	} else if n > 0 {
		logger.Warn("failed attempts interrupted by the previous run", zap.Int("count", n))
	}

	if container.Config.Scheduler.Enabled {
		sched, err := container.Scheduler()
		if err != nil {
			logger.Fatal("failed to build scheduler", zap.Error(err))
		}
		go func() {
			if err := sched.Run(ctx); err != nil {
				logger.Error("scheduler terminated", zap.Error(err))
			}
		}()
	}

	relay := media.NewRelay(orchestrator, media.Options{Logger: logger})
	server := api.NewServer(container.Config.HTTP, handlers.NewHandlerSet(handlers.FromContainer(container)), relay, logger)

	logger.Info("starting api", zap.String("env", container.Config.App.Env), zap.Int("port", container.Config.HTTP.Port))
	if err := server.Start(ctx); err != nil {
		logger.Error("server terminated", zap.Error(err))
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := container.Shutdown(drainCtx); err != nil {
		logger.Error("calls still running at shutdown", zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
