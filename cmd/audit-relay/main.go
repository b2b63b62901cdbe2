// audit-relay mirrors group audit events into Postgres and relays the
// allowlisted ones to the configured sink.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/upb/audit-relay/app"
	"github.com/upb/audit-relay/config"
	"github.com/upb/audit-relay/internal/observability"
	"github.com/upb/audit-relay/routes"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "audit-relay:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.New(ctx)
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("environment", cfg.Environment))

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		_ = logger.Sync()
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := deps.Close(closeCtx); err != nil {
			logger.Error("shutdown incomplete", zap.Error(err))
		}
	}()

	pipeline := app.NewPipeline(deps, routes.SetupRoutes(deps))
	if err := pipeline.Run(ctx); err != nil {
		logger.Error("pipeline failed", zap.Error(err))
		return err
	}
	return nil
}
