// Package main provides the entry point for the render queue: the HTTP
// ingestion surface, the worker pool and the maintenance scheduler in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maauso/renderqueue/internal/bootstrap"
	"github.com/maauso/renderqueue/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting render queue",
		slog.Int("port", cfg.Port),
		slog.String("worker_id", cfg.WorkerID),
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.Bool("use_gpu", cfg.UseGPU),
		slog.Bool("redis_enabled", cfg.RedisEnabled()),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
		slog.String("config", cfg.String()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error("failed to close dependencies", slog.String("error", err.Error()))
		}
	}()

	if cfg.RestoreOnStart {
		n, err := deps.Queue.Restore(ctx)
		if err != nil {
			return fmt.Errorf("restore interrupted jobs: %w", err)
		}
		if n > 0 {
			logger.Warn("re-queued jobs interrupted by the previous shutdown", slog.Int("count", n))
		}
	}

	if err := deps.Janitor.Start(ctx); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           deps.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      300 * time.Second, // Downloads of large outputs
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return deps.Pool.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := deps.Janitor.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("janitor shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("render queue stopped gracefully")
	return nil
}
