// Package janitor runs periodic queue maintenance on cron schedules:
// reaping finished jobs, recovering stalled ones and sweeping old media files.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("janitor: already started")

// Maintainer is the part of queue.Queue the janitor drives.
type Maintainer interface {
	Reap(ctx context.Context, maxAge time.Duration) (int, error)
	RecoverStalled(ctx context.Context) (int, error)
}

// Janitor owns a cron scheduler for maintenance tasks.
type Janitor struct {
	queue  Maintainer
	logger *slog.Logger
	now    func() time.Time

	reapSchedule  string
	reapAfter     time.Duration
	stallSchedule string
	sweepSchedule string
	sweepAfter    time.Duration
	sweepDirs     []string

	cron *cron.Cron
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Janitor) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// WithClock sets the time source used for file ages.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) {
		if now != nil {
			j.now = now
		}
	}
}

// WithReap deletes terminal jobs older than maxAge on schedule.
func WithReap(schedule string, maxAge time.Duration) Option {
	return func(j *Janitor) {
		j.reapSchedule = schedule
		j.reapAfter = maxAge
	}
}

// WithStallCheck runs stall recovery on schedule.
func WithStallCheck(schedule string) Option {
	return func(j *Janitor) {
		j.stallSchedule = schedule
	}
}

// WithFileSweep removes files older than maxAge from dirs on schedule.
func WithFileSweep(schedule string, maxAge time.Duration, dirs ...string) Option {
	return func(j *Janitor) {
		j.sweepSchedule = schedule
		j.sweepAfter = maxAge
		j.sweepDirs = dirs
	}
}

// New creates a Janitor. Tasks without a schedule are not registered.
func New(q Maintainer, opts ...Option) *Janitor {
	j := &Janitor{
		queue:  q,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start registers every scheduled task and starts the scheduler. Tasks run
// with ctx; Stop must be called to release the scheduler.
func (j *Janitor) Start(ctx context.Context) error {
	if j.cron != nil {
		return ErrAlreadyStarted
	}

	logger := cronLogger{j.logger}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))

	tasks := []struct {
		name     string
		schedule string
		run      func(context.Context)
	}{
		{"reap", j.reapSchedule, j.reap},
		{"stall-check", j.stallSchedule, j.recoverStalled},
		{"file-sweep", j.sweepSchedule, j.sweep},
	}
	for _, t := range tasks {
		if t.schedule == "" {
			continue
		}
		run := t.run
		if _, err := c.AddFunc(t.schedule, func() { run(ctx) }); err != nil {
			return fmt.Errorf("janitor: schedule %s %q: %w", t.name, t.schedule, err)
		}
		j.logger.Info("maintenance task scheduled", slog.String("task", t.name), slog.String("schedule", t.schedule))
	}

	j.cron = c
	c.Start()
	return nil
}

// Stop halts the scheduler and waits for running tasks or ctx.
func (j *Janitor) Stop(ctx context.Context) error {
	if j.cron == nil {
		return nil
	}
	select {
	case <-j.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Janitor) reap(ctx context.Context) {
	n, err := j.queue.Reap(ctx, j.reapAfter)
	if err != nil {
		j.logger.Error("reap failed", slog.String("error", err.Error()))
		return
	}
	j.logger.Debug("reap finished", slog.Int("removed", n))
}

func (j *Janitor) recoverStalled(ctx context.Context) {
	n, err := j.queue.RecoverStalled(ctx)
	if err != nil {
		j.logger.Error("stall recovery failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		j.logger.Warn("recovered stalled jobs", slog.Int("count", n))
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	res := Sweep(ctx, j.now().Add(-j.sweepAfter), j.logger, j.sweepDirs...)
	j.logger.Info("file sweep finished",
		slog.Int("deleted_files", res.DeletedFiles),
		slog.Int64("freed_bytes", res.FreedBytes),
	)
}

// ValidateSchedule reports whether spec is a schedule Start accepts.
// An empty spec disables the task and is valid.
func ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	_, err := cron.ParseStandard(spec)
	return err
}

// cronLogger routes scheduler logs to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
