// Package worker runs the render loop: a fixed pool of slots that dequeue
// jobs, synthesize and execute the encoder plan, publish the output and
// report every lifecycle change.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maauso/renderqueue/internal/encoder"
	"github.com/maauso/renderqueue/internal/job"
	"github.com/maauso/renderqueue/internal/notify"
	"github.com/maauso/renderqueue/internal/render"
	"github.com/maauso/renderqueue/internal/storage"
)

// Progress milestones of an attempt. Encoder progress is mapped into
// [progressEncodeStart, progressEncodeStart+progressEncodeSpan].
const (
	progressClaimed     = 10
	progressEncodeStart = 20
	progressEncodeSpan  = 70
	progressEncoded     = 95
)

const (
	defaultExternalDomain = "http://localhost:3001"
	defaultProgressStep   = 10
	dequeueRetryDelay     = time.Second
)

// Queue is the part of queue.Queue the worker uses.
type Queue interface {
	Dequeue(ctx context.Context) (*job.Job, error)
	Complete(ctx context.Context, jobID, claim string, result job.Result) (*job.Job, error)
	Fail(ctx context.Context, jobID, claim string, cause error) (*job.Job, error)
	UpdateProgress(ctx context.Context, jobID, claim string, progress int) error
	Track(jobID string, cancel context.CancelCauseFunc) (untrack func())
}

// Planner turns a spec into an encoder plan.
type Planner interface {
	Build(spec job.Spec, jobID string) (*render.Plan, error)
}

// Encoder executes plans.
type Encoder interface {
	Run(ctx context.Context, plan *render.Plan, onProgress func(int)) (*encoder.Result, error)
}

// Pool is a fixed set of worker slots sharing one queue.
type Pool struct {
	queue     Queue
	planner   Planner
	encoder   Encoder
	sink      notify.Sink
	publisher storage.Publisher
	logger    *slog.Logger
	now       func() time.Time

	concurrency    int
	workerID       string
	useGPU         bool
	jobTimeout     time.Duration
	externalDomain string
	progressStep   int
}

// Option configures a Pool.
type Option func(*Pool)

// WithConcurrency sets the number of slots.
func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithWorkerID sets the identity reported in events.
func WithWorkerID(id string) Option {
	return func(p *Pool) {
		if id != "" {
			p.workerID = id
		}
	}
}

// WithUseGPU declares that this worker can run hardware encoders.
func WithUseGPU(use bool) Option {
	return func(p *Pool) {
		p.useGPU = use
	}
}

// WithJobTimeout bounds every attempt. Zero disables the bound.
func WithJobTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d >= 0 {
			p.jobTimeout = d
		}
	}
}

// WithExternalDomain sets the base of download URLs for outputs that are not
// published to S3.
func WithExternalDomain(domain string) Option {
	return func(p *Pool) {
		if domain != "" {
			p.externalDomain = strings.TrimRight(domain, "/")
		}
	}
}

// WithProgressStep sets the minimum progress increase between progress events.
// Zero disables progress events.
func WithProgressStep(step int) Option {
	return func(p *Pool) {
		if step >= 0 {
			p.progressStep = step
		}
	}
}

// WithClock sets the time source for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPool creates a Pool. A nil sink discards events and a nil publisher
// serves every output from the external domain.
func NewPool(q Queue, planner Planner, enc Encoder, sink notify.Sink, publisher storage.Publisher, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = notify.NopSink{}
	}
	p := &Pool{
		queue:          q,
		planner:        planner,
		encoder:        enc,
		sink:           sink,
		publisher:      publisher,
		logger:         logger,
		now:            time.Now,
		concurrency:    1,
		workerID:       "worker",
		externalDomain: defaultExternalDomain,
		progressStep:   defaultProgressStep,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes jobs until ctx is done. An attempt interrupted by shutdown is
// left active for queue.Restore on the next start.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started",
		slog.String("worker_id", p.workerID),
		slog.Int("concurrency", p.concurrency),
		slog.Bool("use_gpu", p.useGPU),
	)

	g, ctx := errgroup.WithContext(ctx)
	for slot := range p.concurrency {
		g.Go(func() error {
			p.loop(ctx, slot)
			return nil
		})
	}
	err := g.Wait()

	p.logger.Info("worker pool stopped", slog.String("worker_id", p.workerID))
	return err
}

func (p *Pool) loop(ctx context.Context, slot int) {
	log := p.logger.With(slog.Int("slot", slot))
	for {
		j, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("failed to dequeue job", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueRetryDelay):
			}
			continue
		}
		p.process(ctx, j)
	}
}

// attemptState carries per-attempt progress bookkeeping.
type attemptState struct {
	job *job.Job
	log *slog.Logger

	mu           sync.Mutex
	lastNotified int
}

func (p *Pool) process(ctx context.Context, j *job.Job) {
	st := &attemptState{
		job: j,
		log: p.logger.With(
			slog.String("job_id", j.ID),
			slog.Int("attempt", j.Attempts),
			slog.String("worker_id", p.workerID),
		),
	}
	st.log.Info("processing job",
		slog.String("kind", string(j.Spec.Kind)),
		slog.Int("clips", j.Spec.ClipCount()),
		slog.Bool("gpu", j.Spec.GPU()),
	)

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	untrack := p.queue.Track(j.ID, cancel)
	defer untrack()

	if p.jobTimeout > 0 {
		var stop context.CancelFunc
		attemptCtx, stop = context.WithTimeoutCause(attemptCtx, p.jobTimeout,
			fmt.Errorf("%w: exceeded job timeout of %s", job.ErrAborted, p.jobTimeout))
		defer stop()
	}

	result, err := p.render(attemptCtx, st)

	// Queue writes and events must land even though the attempt context is done.
	writeCtx := context.WithoutCancel(ctx)
	if err != nil {
		if ctx.Err() != nil {
			st.log.Warn("attempt interrupted by shutdown", slog.String("error", err.Error()))
			return
		}
		p.fail(writeCtx, st, err)
		return
	}

	if _, err := p.queue.Complete(writeCtx, j.ID, j.Claim, *result); err != nil {
		st.log.Error("failed to record completion", slog.String("error", err.Error()))
		return
	}
	p.notify(writeCtx, st, notify.Completed(j.ID, *result, p.now()))
	st.log.Info("job completed",
		slog.String("output", result.OutputFile),
		slog.String("download_url", result.DownloadURL),
		slog.Int64("render_time_ms", result.RenderTimeMs),
	)
}

func (p *Pool) render(ctx context.Context, st *attemptState) (*job.Result, error) {
	j := st.job

	p.progress(ctx, st, progressClaimed)
	p.notify(ctx, st, notify.Started(j, p.now()))

	if j.Spec.GPU() && !p.useGPU {
		return nil, job.ErrGPUUnavailable
	}

	plan, err := p.planner.Build(j.Spec, j.ID)
	if err != nil {
		return nil, err
	}
	p.progress(ctx, st, progressEncodeStart)

	encoded, err := p.encoder.Run(ctx, plan, func(pct int) {
		p.progress(ctx, st, progressEncodeStart+pct*progressEncodeSpan/100)
	})
	if err != nil {
		return nil, err
	}
	p.progress(ctx, st, progressEncoded)

	downloadURL, err := p.publish(ctx, encoded)
	if err != nil {
		return nil, err
	}

	return &job.Result{
		OutputFile:   encoded.OutputFile,
		OutputPath:   encoded.OutputPath,
		DownloadURL:  downloadURL,
		FileSize:     encoded.FileSize,
		Duration:     encoded.Duration,
		RenderTimeMs: encoded.RenderTime.Milliseconds(),
		Resolution:   plan.Resolution(),
		FPS:          plan.FPS,
		UseGPU:       plan.UseGPU,
		Format:       string(plan.Format),
	}, nil
}

// publish uploads the output when remote storage is configured and returns
// the URL clients download it from.
func (p *Pool) publish(ctx context.Context, r *encoder.Result) (string, error) {
	if p.publisher == nil {
		return p.downloadURL(r.OutputFile), nil
	}

	f, err := os.Open(r.OutputPath)
	if err != nil {
		return "", fmt.Errorf("open output: %w", err)
	}
	defer func() { _ = f.Close() }()

	location, err := p.publisher.Publish(ctx, r.OutputFile, f)
	if errors.Is(err, storage.ErrS3NotConfigured) {
		return p.downloadURL(r.OutputFile), nil
	}
	if err != nil {
		return "", fmt.Errorf("publish output: %w", err)
	}
	return location, nil
}

func (p *Pool) downloadURL(file string) string {
	return p.externalDomain + "/download/" + url.PathEscape(file)
}

func (p *Pool) fail(ctx context.Context, st *attemptState, cause error) {
	j := st.job
	updated, err := p.queue.Fail(ctx, j.ID, j.Claim, cause)
	if err != nil {
		if errors.Is(err, job.ErrNotActive) {
			st.log.Warn("attempt outcome discarded, job is no longer held",
				slog.String("cause", cause.Error()))
			return
		}
		st.log.Error("failed to record failure",
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()))
		return
	}

	retrying := updated.Status == job.StatusQueued
	st.log.Error("job attempt failed",
		slog.String("error", cause.Error()),
		slog.Bool("retrying", retrying),
	)
	p.notify(ctx, st, notify.Failed(j.ID, cause, updated.Attempts, retrying, p.now()))
}

// progress persists v and emits a progress event once it moved at least
// progressStep since the last one.
func (p *Pool) progress(ctx context.Context, st *attemptState, v int) {
	if err := p.queue.UpdateProgress(ctx, st.job.ID, st.job.Claim, v); err != nil {
		st.log.Debug("failed to update progress", slog.Int("progress", v), slog.String("error", err.Error()))
		return
	}

	if p.progressStep == 0 {
		return
	}
	st.mu.Lock()
	emit := v-st.lastNotified >= p.progressStep
	if emit {
		st.lastNotified = v
	}
	st.mu.Unlock()

	if emit {
		p.notify(ctx, st, notify.Progress(st.job.ID, v, p.now()))
	}
}

func (p *Pool) notify(ctx context.Context, st *attemptState, e notify.Event) {
	e.WorkerID = p.workerID
	e.UseGPU = p.useGPU
	if err := p.sink.Notify(ctx, e); err != nil {
		st.log.Warn("failed to deliver event",
			slog.String("status", string(e.Status)),
			slog.String("error", err.Error()))
	}
}
