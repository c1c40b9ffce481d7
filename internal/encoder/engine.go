// Package encoder runs render plans through ffmpeg.
// It drains the diagnostic stream, derives progress from it and guarantees
// that a failed or aborted run leaves no partial output behind.
package encoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maauso/renderqueue/internal/job"
	"github.com/maauso/renderqueue/internal/render"
	"github.com/maauso/renderqueue/internal/storage"
)

const (
	defaultDiagnosticLines = 40
	defaultKillGrace       = 10 * time.Second
	maxLineSize            = 1024 * 1024
)

// Result describes a successfully encoded output.
type Result struct {
	OutputFile string
	OutputPath string
	FileSize   int64
	// Duration is the probed media duration in seconds, 0 when unknown.
	Duration   float64
	RenderTime time.Duration
}

// Engine executes render plans.
type Engine struct {
	temp       storage.TempStore
	ffmpegPath string
	launcher   Launcher
	prober     Prober
	logger     *slog.Logger
	now        func() time.Time
	tailLines  int
	killGrace  time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithFFmpegPath sets the ffmpeg binary.
func WithFFmpegPath(path string) Option {
	return func(e *Engine) {
		if path != "" {
			e.ffmpegPath = path
		}
	}
}

// WithLauncher replaces the process launcher.
func WithLauncher(l Launcher) Option {
	return func(e *Engine) {
		e.launcher = l
	}
}

// WithProber replaces the output duration prober.
func WithProber(p Prober) Option {
	return func(e *Engine) {
		e.prober = p
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock sets the time source used for render time.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithDiagnosticLines sets how many trailing stderr lines an EncodingError keeps.
func WithDiagnosticLines(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.tailLines = n
		}
	}
}

// WithKillGrace sets how long a cancelled process may take to exit before
// it is killed.
func WithKillGrace(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.killGrace = d
		}
	}
}

// NewEngine creates an Engine that writes concat lists through temp.
func NewEngine(temp storage.TempStore, opts ...Option) *Engine {
	e := &Engine{
		temp:       temp,
		ffmpegPath: "ffmpeg",
		launcher:   ExecLauncher{Grace: defaultKillGrace},
		prober:     NewFFprobe(""),
		logger:     slog.Default(),
		now:        time.Now,
		tailLines:  defaultDiagnosticLines,
		killGrace:  defaultKillGrace,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes plan. onProgress receives strictly increasing percentages
// and may be nil. A cancelled ctx terminates the process and returns an
// error matching job.ErrAborted.
func (e *Engine) Run(ctx context.Context, plan *render.Plan, onProgress func(int)) (*Result, error) {
	log := e.logger.With(slog.String("job_id", plan.JobID))
	start := e.now()

	var concatPath string
	if plan.ConcatList != nil {
		p, err := e.temp.SaveTemp(ctx, "concat_"+plan.JobID, strings.NewReader(plan.ConcatList.Render()))
		if err != nil {
			if ctx.Err() != nil {
				return nil, aborted(ctx)
			}
			return nil, fmt.Errorf("write concat list: %w", err)
		}
		concatPath = p
		defer func() {
			if err := e.temp.CleanupTemp(context.WithoutCancel(ctx), []string{concatPath}); err != nil {
				log.Warn("failed to remove concat list", slog.String("path", concatPath), slog.String("error", err.Error()))
			}
		}()
	}

	if err := os.MkdirAll(filepath.Dir(plan.OutputPath), 0750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	args := plan.Args(concatPath)
	log.Debug("starting ffmpeg", slog.String("format", string(plan.Format)), slog.Any("args", args))

	handle, err := e.launcher.Start(ctx, e.ffmpegPath, args)
	if err != nil {
		// exec refuses to start under a done context; that is an abort.
		if ctx.Err() != nil {
			return nil, aborted(ctx)
		}
		return nil, &ProcessLaunchError{Path: e.ffmpegPath, Err: err}
	}

	relay := newProgressRelay(onProgress)
	tracker := &progressTracker{fallback: plan.DeclaredDuration}
	tail := newTailBuffer(e.tailLines)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		stderr := handle.Stderr()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		scanner.Split(scanLines)
		for scanner.Scan() {
			line := scanner.Text()
			tail.add(line)
			if p, ok := tracker.observe(line); ok {
				relay.offer(p)
			}
		}
		// Keep the pipe empty even if the scanner gave up on an oversized line.
		_, _ = io.Copy(io.Discard, stderr)
	}()

	exited := make(chan struct{})
	stopKill := context.AfterFunc(ctx, func() {
		select {
		case <-exited:
		case <-time.After(e.killGrace):
			log.Warn("ffmpeg ignored interrupt, killing")
			_ = handle.Kill()
		}
	})

	waitErr := handle.Wait()
	close(exited)
	stopKill()
	<-drained
	relay.close()

	if ctx.Err() != nil {
		e.removeOutput(log, plan.OutputPath)
		return nil, aborted(ctx)
	}

	if waitErr != nil {
		e.removeOutput(log, plan.OutputPath)
		code := -1
		var exit interface{ ExitCode() int }
		if errors.As(waitErr, &exit) {
			code = exit.ExitCode()
		}
		return nil, &EncodingError{ExitCode: code, Diagnostics: tail.String(), Err: waitErr}
	}

	info, err := os.Stat(plan.OutputPath)
	if err != nil {
		e.removeOutput(log, plan.OutputPath)
		return nil, fmt.Errorf("%w: stat output: %w", job.ErrEncoding, err)
	}

	duration, err := e.prober.Duration(ctx, plan.OutputPath)
	if err != nil {
		log.Warn("failed to probe output duration", slog.String("error", err.Error()))
		duration = 0
	}

	result := &Result{
		OutputFile: plan.OutputFile,
		OutputPath: plan.OutputPath,
		FileSize:   info.Size(),
		Duration:   duration,
		RenderTime: e.now().Sub(start),
	}
	log.Info("ffmpeg finished",
		slog.String("output", result.OutputFile),
		slog.Int64("size", result.FileSize),
		slog.Float64("duration", result.Duration),
		slog.Duration("render_time", result.RenderTime),
	)
	return result, nil
}

func aborted(ctx context.Context) error {
	return fmt.Errorf("%w: %w", job.ErrAborted, context.Cause(ctx))
}

func (e *Engine) removeOutput(log *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to remove partial output", slog.String("path", path), slog.String("error", err.Error()))
	}
}
