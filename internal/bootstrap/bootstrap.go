// Package bootstrap provides dependency initialization for the render queue.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maauso/renderqueue/internal/config"
	"github.com/maauso/renderqueue/internal/encoder"
	"github.com/maauso/renderqueue/internal/janitor"
	"github.com/maauso/renderqueue/internal/job"
	"github.com/maauso/renderqueue/internal/notify"
	"github.com/maauso/renderqueue/internal/queue"
	"github.com/maauso/renderqueue/internal/render"
	"github.com/maauso/renderqueue/internal/server"
	"github.com/maauso/renderqueue/internal/storage"
	"github.com/maauso/renderqueue/internal/worker"
)

const redisPingTimeout = 5 * time.Second

// Dependencies holds the wired components of one process.
type Dependencies struct {
	Queue   *queue.Queue
	Pool    *worker.Pool
	Janitor *janitor.Janitor
	Router  http.Handler

	closers []func() error
}

// Close releases external connections.
func (d *Dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	return errors.Join(errs...)
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{}

	for _, dir := range []string{cfg.UploadsDir, cfg.OutputsDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create media directory %s: %w", dir, err)
		}
	}

	repo, err := initRepository(ctx, cfg, logger, deps)
	if err != nil {
		return nil, err
	}

	store, err := initStorage(cfg, logger)
	if err != nil {
		_ = deps.Close()
		return nil, err
	}

	sink, err := initSink(cfg, logger)
	if err != nil {
		_ = deps.Close()
		return nil, err
	}

	deps.Queue = queue.New(repo,
		queue.WithLogger(logger),
		queue.WithMaxAttempts(cfg.MaxAttempts),
		queue.WithBackoffBase(cfg.BackoffBase),
		queue.WithStallTimeout(cfg.StallTimeout),
		queue.WithPollInterval(cfg.PollInterval),
	)

	synth := render.NewSynthesizer(render.Options{
		UploadsDir: cfg.UploadsDir,
		OutputsDir: cfg.OutputsDir,
		UseGPU:     cfg.UseGPU,
	})
	engine := encoder.NewEngine(store,
		encoder.WithFFmpegPath(cfg.FFmpegPath),
		encoder.WithProber(encoder.NewFFprobe(cfg.FFprobePath)),
		encoder.WithLogger(logger),
	)

	deps.Pool = worker.NewPool(deps.Queue, synth, engine, sink, store, logger,
		worker.WithConcurrency(cfg.WorkerConcurrency),
		worker.WithWorkerID(cfg.WorkerID),
		worker.WithUseGPU(cfg.UseGPU),
		worker.WithJobTimeout(cfg.JobTimeout),
		worker.WithExternalDomain(cfg.ExternalDomain),
		worker.WithProgressStep(cfg.ProgressNotifyStep),
	)

	deps.Janitor = janitor.New(deps.Queue,
		janitor.WithLogger(logger),
		janitor.WithReap(cfg.ReapSchedule, cfg.ReapAfter()),
		janitor.WithStallCheck(cfg.StallCheckSchedule),
		janitor.WithFileSweep(cfg.FileCleanupSchedule, cfg.CleanupAfter(),
			cfg.UploadsDir, cfg.OutputsDir, cfg.TempDir),
	)

	handlers := server.NewHandlers(deps.Queue, logger, server.WithOutputsDir(cfg.OutputsDir))
	deps.Router = server.NewRouter(handlers, logger, server.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		MaxBodyBytes:   cfg.MaxBodyBytes,
	})

	return deps, nil
}

// initRepository selects Redis when REDIS_ADDR is set and memory otherwise.
func initRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps *Dependencies) (job.Repository, error) {
	if !cfg.RedisEnabled() {
		logger.Warn("REDIS_ADDR not set, jobs are kept in memory and lost on restart")
		return job.NewMemoryRepository(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
	}
	deps.closers = append(deps.closers, client.Close)

	logger.Info("redis job store configured",
		slog.String("addr", cfg.RedisAddr),
		slog.Int("db", cfg.RedisDB),
		slog.String("key_prefix", cfg.RedisKeyPrefix),
	)
	return job.NewRedisRepository(client, job.WithKeyPrefix(cfg.RedisKeyPrefix)), nil
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			Prefix:          cfg.S3Prefix,
		}
		s3Store, err := storage.NewS3Storage(cfg.TempDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("temp_dir", cfg.TempDir),
		slog.String("external_domain", cfg.ExternalDomain),
	)
	return localStore, nil
}

// initSink always logs events and posts them to WEBHOOK_URL when set.
func initSink(cfg *config.Config, logger *slog.Logger) (notify.Sink, error) {
	sinks := []notify.Sink{notify.NewLogSink(logger)}
	if cfg.WebhookURL != "" {
		webhook, err := notify.NewWebhookSink(cfg.WebhookURL,
			notify.WithHTTPClient(&http.Client{Timeout: cfg.WebhookTimeout}),
			notify.WithMaxRetries(cfg.WebhookMaxRetries),
		)
		if err != nil {
			return nil, fmt.Errorf("create webhook sink: %w", err)
		}
		sinks = append(sinks, webhook)
	}
	return notify.Multi(sinks...), nil
}
