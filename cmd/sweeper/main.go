// Command sweeper periodically fails orders stuck in issuance so they surface for retry.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/estamp-field/api/internal/bootstrap"
	"github.com/estamp-field/api/internal/di"
	"github.com/estamp-field/api/internal/platform/config"
	"github.com/estamp-field/api/internal/platform/observability"
	"github.com/estamp-field/api/internal/services"
)

const sweepTimeout = 2 * time.Minute

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("sweeper")

	loaded, err := bootstrap.Load(ctx, logger)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	defer func() {
		_ = loaded.Close()
	}()
	cfg := loaded.Config

	container, err := di.NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build dependencies", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("dependency close error", zap.Error(err))
		}
	}()

	adapter := observability.NewPrintfAdapter(logger.Named("cron"))
	scheduler := cron.New(
		cron.WithLogger(adapter),
		cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
	)
	job := sweepJob(container.Services.Orders, cfg, logger)
	if _, err := scheduler.AddFunc(cfg.Sweeper.Schedule, job); err != nil {
		logger.Fatal("invalid sweep schedule", zap.String("schedule", cfg.Sweeper.Schedule), zap.Error(err))
	}

	scheduler.Start()
	logger.Info("sweeper started", zap.String("schedule", cfg.Sweeper.Schedule))

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	logger.Info("shutdown signal received; waiting for running sweep")
	stopped := scheduler.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(sweepTimeout):
		logger.Warn("sweep did not finish before shutdown")
	}
}

func sweepJob(orders services.StampOrderService, cfg config.Config, logger *zap.Logger) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()

		result, err := orders.FailStuckIssuance(ctx, services.SweepStuckIssuanceCommand{
			OlderThan: cfg.Stamps.StuckThreshold,
			Limit:     cfg.Stamps.SweepLimit,
		})
		if err != nil {
			logger.Error("stuck issuance sweep failed", zap.Error(err))
			return
		}
		if len(result.Resumed) > 0 {
			logger.Info("resumed issuance for verified orders",
				zap.Int("examined", result.Examined),
				zap.Strings("orderIds", result.Resumed),
			)
		}
		if len(result.Failed) > 0 {
			logger.Warn("failed stuck issuance orders",
				zap.Int("examined", result.Examined),
				zap.Strings("orderIds", result.Failed),
			)
			return
		}
		logger.Debug("stuck issuance sweep finished", zap.Int("examined", result.Examined))
	}
}
