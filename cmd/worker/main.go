package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"reengagement-scheduler/internal/bootstrap"
	"reengagement-scheduler/internal/config"
	"reengagement-scheduler/internal/logging"
	"reengagement-scheduler/internal/telemetry"
)

func main() {
	once := flag.Bool("once", false, "run a single scan and dispatch cycle, then exit")
	flag.Parse()

	cfg := config.Load()

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to start worker", zap.Error(err))
	}
	defer app.Close()

	if *once {
		res, err := app.Scheduler.Cycle(ctx)
		if err != nil {
			logger.Fatal("Cycle failed", zap.Error(err))
		}
		logger.Info("Cycle finished",
			zap.Int("enrolled", res.Scan.Enrolled),
			zap.Int("dispatched", res.Dispatch.Dispatched),
			zap.Int("dead_letters", res.Dispatch.DeadLetters))
		return
	}

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		logger.Info("Serving metrics", zap.String("addr", cfg.MetricsAddr))
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()

	if err := app.Scheduler.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}
	logger.Info("Worker started",
		zap.String("schedule", cfg.CronSchedule),
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("backoff_initial", cfg.BackoffInitial))

	<-ctx.Done()
	logger.Info("Shutting down...")

	cronCtx := app.Scheduler.Stop()
	<-cronCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server forced to shutdown", zap.Error(err))
	}
	logger.Info("Worker exited")
}
