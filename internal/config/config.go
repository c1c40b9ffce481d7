// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"

	"github.com/maauso/renderqueue/internal/janitor"
)

// Static errors for configuration validation.
var (
	// ErrInvalidConfig wraps field bound violations.
	ErrInvalidConfig = errors.New("config: invalid value")
	// ErrS3RegionRequired is returned when S3_BUCKET is set without S3_REGION.
	ErrS3RegionRequired = errors.New("config: S3_REGION is required when S3_BUCKET is set")
	// ErrInvalidSchedule is returned when a maintenance schedule does not parse.
	ErrInvalidSchedule = errors.New("config: invalid schedule")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port           int      `env:"PORT, default=3001" json:"port" validate:"min=1,max=65535"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS, default=*" json:"allowed_origins"`
	MaxBodyBytes   int64    `env:"MAX_BODY_BYTES, default=1048576" json:"max_body_bytes" validate:"gte=0"`
	// ShutdownTimeout bounds graceful shutdown of HTTP and running attempts.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT, default=30s" json:"shutdown_timeout" validate:"gte=0"`

	// Media directories
	UploadsDir string `env:"UPLOADS_DIR, default=/uploads" json:"uploads_dir" validate:"required"`
	OutputsDir string `env:"OUTPUTS_DIR, default=/outputs" json:"outputs_dir" validate:"required"`
	TempDir    string `env:"TEMP_DIR, default=/tmp/render" json:"temp_dir" validate:"required"`

	// Worker settings
	UseGPU             bool          `env:"USE_GPU, default=false" json:"use_gpu"`
	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY, default=1" json:"worker_concurrency" validate:"min=1,max=64"`
	WorkerID           string        `env:"WORKER_ID" json:"worker_id"`
	JobTimeout         time.Duration `env:"JOB_TIMEOUT, default=2h" json:"job_timeout" validate:"gte=0"`
	ProgressNotifyStep int           `env:"PROGRESS_NOTIFY_STEP, default=10" json:"progress_notify_step" validate:"gte=0,lte=100"`
	FFmpegPath         string        `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	FFprobePath        string        `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`

	// Queue settings
	MaxAttempts    int           `env:"MAX_ATTEMPTS, default=3" json:"max_attempts" validate:"min=1"`
	BackoffBase    time.Duration `env:"BACKOFF_BASE, default=5s" json:"backoff_base" validate:"gte=0"`
	StallTimeout   time.Duration `env:"STALL_TIMEOUT, default=5m" json:"stall_timeout" validate:"gte=0"`
	PollInterval   time.Duration `env:"POLL_INTERVAL, default=1s" json:"poll_interval" validate:"gt=0"`
	RestoreOnStart bool          `env:"RESTORE_ON_START, default=true" json:"restore_on_start"`

	// Optional Redis settings; an empty address keeps jobs in memory.
	RedisAddr      string `env:"REDIS_ADDR" json:"redis_addr,omitempty"`
	RedisPassword  string `env:"REDIS_PASSWORD" json:"-"` // Masked in JSON
	RedisDB        int    `env:"REDIS_DB, default=0" json:"redis_db" validate:"gte=0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX, default=render" json:"redis_key_prefix" validate:"required"`

	// Optional webhook settings
	WebhookURL        string        `env:"WEBHOOK_URL" json:"webhook_url,omitempty" validate:"omitempty,url"`
	WebhookTimeout    time.Duration `env:"WEBHOOK_TIMEOUT, default=10s" json:"webhook_timeout" validate:"gt=0"`
	WebhookMaxRetries int           `env:"WEBHOOK_MAX_RETRIES, default=0" json:"webhook_max_retries" validate:"gte=0,lte=10"`
	ExternalDomain    string        `env:"EXTERNAL_DOMAIN, default=http://localhost:3001" json:"external_domain" validate:"required,url"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty" validate:"omitempty,url"`
	S3Prefix           string `env:"S3_PREFIX" json:"s3_prefix,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Maintenance schedules in cron syntax; empty disables the task.
	ReapSchedule        string `env:"REAP_SCHEDULE, default=0 * * * *" json:"reap_schedule"`
	ReapAfterHours      int    `env:"REAP_AFTER_HOURS, default=24" json:"reap_after_hours" validate:"min=1"`
	StallCheckSchedule  string `env:"STALL_CHECK_SCHEDULE, default=@every 30s" json:"stall_check_schedule"`
	FileCleanupSchedule string `env:"FILE_CLEANUP_SCHEDULE" json:"file_cleanup_schedule,omitempty"`
	CleanupAfterHours   int    `env:"CLEANUP_AFTER_HOURS, default=2" json:"cleanup_after_hours" validate:"min=1"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format" validate:"oneof=json text JSON TEXT"`
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"` // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != ""
}

// RedisEnabled returns true if jobs are persisted in Redis.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// ReapAfter is the retention of finished jobs.
func (c *Config) ReapAfter() time.Duration {
	return time.Duration(c.ReapAfterHours) * time.Hour
}

// CleanupAfter is the retention of media files.
func (c *Config) CleanupAfter() time.Duration {
	return time.Duration(c.CleanupAfterHours) * time.Hour
}

// Load reads configuration from environment variables using go-envconfig.
func Load() (*Config, error) {
	return LoadFrom(context.Background(), envconfig.OsLookuper())
}

// LoadFrom reads configuration through lookuper. A missing WORKER_ID
// falls back to the host name.
func LoadFrom(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}
	return cfg, nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return fmt.Sprintf("worker-%d", os.Getpid())
	}
	return "worker-" + host
}

// Validate checks field bounds and cross-field requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.S3Bucket != "" && c.S3Region == "" {
		return ErrS3RegionRequired
	}

	schedules := []struct {
		name string
		spec string
	}{
		{"REAP_SCHEDULE", c.ReapSchedule},
		{"STALL_CHECK_SCHEDULE", c.StallCheckSchedule},
		{"FILE_CLEANUP_SCHEDULE", c.FileCleanupSchedule},
	}
	for _, s := range schedules {
		if err := janitor.ValidateSchedule(s.spec); err != nil {
			return fmt.Errorf("%w: %s %q: %w", ErrInvalidSchedule, s.name, s.spec, err)
		}
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	return slog.New(c.newHandler(os.Stdout))
}

func (c *Config) newHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(c.LogLevel)}
	if strings.ToLower(c.LogFormat) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, WorkerID: %s, Concurrency: %d, UseGPU: %t, UploadsDir: %s, OutputsDir: %s, TempDir: %s, "+
			"MaxAttempts: %d, JobTimeout: %s, Redis: %s, Webhook: %s, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.WorkerID,
		c.WorkerConcurrency,
		c.UseGPU,
		c.UploadsDir,
		c.OutputsDir,
		c.TempDir,
		c.MaxAttempts,
		c.JobTimeout,
		orNone(c.RedisAddr),
		redactURL(c.WebhookURL),
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// redactURL hides everything after the host, where webhook tokens usually live.
func redactURL(raw string) string {
	if raw == "" {
		return "none"
	}
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return "***"
	}
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		rest = rest[i+1:]
	}
	host, _, hasPath := strings.Cut(rest, "/")
	if hasPath {
		return scheme + "://" + host + "/***"
	}
	return scheme + "://" + host
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
