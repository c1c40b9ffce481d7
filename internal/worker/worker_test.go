package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/renderqueue/internal/encoder"
	"github.com/maauso/renderqueue/internal/job"
	"github.com/maauso/renderqueue/internal/notify"
	"github.com/maauso/renderqueue/internal/queue"
	"github.com/maauso/renderqueue/internal/render"
	"github.com/maauso/renderqueue/internal/storage"
)

// fakeEncoder writes a small output file and reports scripted progress.
type fakeEncoder struct {
	progress []int
	err      error
	// block makes Run wait for its context to end.
	block bool

	mu      sync.Mutex
	running int
	peak    int
	plans   []*render.Plan
	release chan struct{}
}

func (e *fakeEncoder) Run(ctx context.Context, plan *render.Plan, onProgress func(int)) (*encoder.Result, error) {
	e.mu.Lock()
	e.running++
	e.peak = max(e.peak, e.running)
	e.plans = append(e.plans, plan)
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
	}()

	if e.release != nil {
		select {
		case <-e.release:
		case <-ctx.Done():
		}
	}
	if e.block {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", job.ErrAborted, context.Cause(ctx))
	}
	for _, p := range e.progress {
		onProgress(p)
	}
	if e.err != nil {
		return nil, e.err
	}

	if err := os.WriteFile(plan.OutputPath, []byte("video"), 0600); err != nil {
		return nil, err
	}
	return &encoder.Result{
		OutputFile: plan.OutputFile,
		OutputPath: plan.OutputPath,
		FileSize:   5,
		Duration:   2,
		RenderTime: 1500 * time.Millisecond,
	}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *recordingSink) Notify(_ context.Context, e notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return errors.New("observer unreachable")
}

func (s *recordingSink) snapshot() []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Event(nil), s.events...)
}

func (s *recordingSink) statuses() []notify.Status {
	var out []notify.Status
	for _, e := range s.snapshot() {
		out = append(out, e.Status)
	}
	return out
}

type recordingPublisher struct {
	key  string
	body string
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, key string, data io.Reader) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	p.key, p.body = key, string(b)
	return "https://renders.s3.eu-west-1.amazonaws.com/" + key, nil
}

type harness struct {
	queue *queue.Queue
	sink  *recordingSink
	pool  *Pool
	out   string
}

func newHarness(t *testing.T, enc *fakeEncoder, publisher storage.Publisher, qopts []queue.Option, opts ...Option) *harness {
	t.Helper()
	out := t.TempDir()
	q := queue.New(job.NewMemoryRepository(), append([]queue.Option{
		queue.WithPollInterval(5 * time.Millisecond),
		queue.WithBackoffBase(0),
	}, qopts...)...)
	synth := render.NewSynthesizer(
		render.Options{UploadsDir: "/uploads", OutputsDir: out},
		render.WithFileExists(func(string) bool { return true }),
	)
	sink := &recordingSink{}
	return &harness{
		queue: q,
		sink:  sink,
		pool:  NewPool(q, synth, enc, sink, publisher, nil, append([]Option{WithWorkerID("worker-test")}, opts...)...),
		out:   out,
	}
}

func (h *harness) claim(t *testing.T, gpu bool) *job.Job {
	t.Helper()
	ctx := context.Background()
	_, err := h.queue.Enqueue(ctx, job.NewSimple(job.SimpleSpec{
		Clips: []job.ClipRef{{Path: "a.jpg", Duration: 2}},
		GPU:   gpu,
	}), "")
	require.NoError(t, err)

	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	j, err := h.queue.Dequeue(dctx)
	require.NoError(t, err)
	return j
}

func (h *harness) get(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestProcess_CompletesWithLocalDownload(t *testing.T) {
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	h := newHarness(t, &fakeEncoder{progress: []int{10, 50, 100}}, local, nil,
		WithExternalDomain("https://render.example.com/"))
	j := h.claim(t, false)

	h.pool.process(context.Background(), j)

	stored := h.get(t, j.ID)
	require.Equal(t, job.StatusCompleted, stored.Status)
	require.NotNil(t, stored.Result)
	file := "video_" + j.ID + ".mp4"
	assert.Equal(t, file, stored.Result.OutputFile)
	assert.Equal(t, filepath.Join(h.out, file), stored.Result.OutputPath)
	assert.Equal(t, "https://render.example.com/download/"+file, stored.Result.DownloadURL)
	assert.Equal(t, int64(1500), stored.Result.RenderTimeMs)
	assert.Equal(t, "1080x1920", stored.Result.Resolution)
	assert.Equal(t, 30, stored.Result.FPS)
	assert.Equal(t, "images", stored.Result.Format)
	assert.Equal(t, 100, stored.Progress)

	events := h.sink.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, notify.StatusStarted, events[0].Status)
	assert.NotNil(t, events[0].EstimatedDuration)
	assert.Equal(t, notify.StatusCompleted, events[len(events)-1].Status)
	assert.Equal(t, stored.Result.DownloadURL, events[len(events)-1].DownloadURL)

	var progress []int
	for _, e := range events {
		assert.Equal(t, "worker-test", e.WorkerID)
		if e.Status == notify.StatusProgress {
			progress = append(progress, e.Progress)
		}
	}
	// Encoder progress maps to 27, 55 and 90; 27 and 95 are within one step
	// of the previous event.
	assert.Equal(t, []int{10, 20, 55, 90}, progress)
}

func TestProcess_PublishesToS3(t *testing.T) {
	pub := &recordingPublisher{}
	h := newHarness(t, &fakeEncoder{}, pub, nil)
	j := h.claim(t, false)

	h.pool.process(context.Background(), j)

	stored := h.get(t, j.ID)
	require.Equal(t, job.StatusCompleted, stored.Status)
	assert.Equal(t, "video_"+j.ID+".mp4", pub.key)
	assert.Equal(t, "video", pub.body)
	assert.Equal(t, "https://renders.s3.eu-west-1.amazonaws.com/video_"+j.ID+".mp4", stored.Result.DownloadURL)
}

func TestProcess_PublishFailureRetries(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("access denied")}
	h := newHarness(t, &fakeEncoder{}, pub, []queue.Option{queue.WithMaxAttempts(2)})
	j := h.claim(t, false)

	h.pool.process(context.Background(), j)

	stored := h.get(t, j.ID)
	assert.Equal(t, job.StatusQueued, stored.Status)
	assert.Contains(t, stored.LastError, "access denied")
}

func TestProcess_GPUJobOnCPUWorker(t *testing.T) {
	enc := &fakeEncoder{}
	h := newHarness(t, enc, nil, []queue.Option{queue.WithMaxAttempts(2)})

	j := h.claim(t, true)
	h.pool.process(context.Background(), j)

	stored := h.get(t, j.ID)
	assert.Equal(t, job.StatusQueued, stored.Status)
	assert.Contains(t, stored.LastError, job.ErrGPUUnavailable.Error())
	assert.Empty(t, enc.plans, "encoder must not run")

	events := h.sink.snapshot()
	last := events[len(events)-1]
	assert.Equal(t, notify.StatusFailed, last.Status)
	require.NotNil(t, last.Retryable)
	assert.True(t, *last.Retryable)
	assert.Equal(t, 1, last.Attempts)

	dctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	again, err := h.queue.Dequeue(dctx)
	require.NoError(t, err)
	h.pool.process(context.Background(), again)

	stored = h.get(t, j.ID)
	assert.Equal(t, job.StatusFailed, stored.Status)
	events = h.sink.snapshot()
	last = events[len(events)-1]
	require.NotNil(t, last.Retryable)
	assert.False(t, *last.Retryable)
	assert.Equal(t, 2, last.Attempts)
}

func TestProcess_GPUWorkerRunsGPUJob(t *testing.T) {
	enc := &fakeEncoder{}
	h := newHarness(t, enc, nil, nil, WithUseGPU(true))

	j := h.claim(t, true)
	h.pool.process(context.Background(), j)

	assert.Equal(t, job.StatusCompleted, h.get(t, j.ID).Status)
	for _, e := range h.sink.snapshot() {
		assert.True(t, e.UseGPU)
	}
}

func TestProcess_NonRetryableEncoderFailure(t *testing.T) {
	enc := &fakeEncoder{err: &encoder.ProcessLaunchError{Path: "ffmpeg", Err: os.ErrNotExist}}
	h := newHarness(t, enc, nil, []queue.Option{queue.WithMaxAttempts(3)})

	j := h.claim(t, false)
	h.pool.process(context.Background(), j)

	stored := h.get(t, j.ID)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestProcess_JobTimeout(t *testing.T) {
	h := newHarness(t, &fakeEncoder{block: true}, nil, []queue.Option{queue.WithMaxAttempts(1)},
		WithJobTimeout(20*time.Millisecond))

	j := h.claim(t, false)
	h.pool.process(context.Background(), j)

	stored := h.get(t, j.ID)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "job timeout")
}

func TestProcess_CancelAbortsAttempt(t *testing.T) {
	h := newHarness(t, &fakeEncoder{block: true}, nil, []queue.Option{queue.WithMaxAttempts(3)})
	j := h.claim(t, false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.pool.process(context.Background(), j)
	}()

	require.Eventually(t, func() bool {
		_, err := h.queue.Cancel(context.Background(), j.ID)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	<-done

	stored := h.get(t, j.ID)
	assert.Equal(t, job.StatusQueued, stored.Status, "an aborted attempt follows retry accounting")
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.LastError, "cancelled")
}

func TestProcess_ShutdownLeavesJobActive(t *testing.T) {
	h := newHarness(t, &fakeEncoder{block: true}, nil, nil)
	j := h.claim(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.pool.process(ctx, j)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	stored := h.get(t, j.ID)
	assert.Equal(t, job.StatusActive, stored.Status)
	for _, s := range h.sink.statuses() {
		assert.NotEqual(t, notify.StatusFailed, s)
	}
}

func TestProcess_MissingMedia(t *testing.T) {
	out := t.TempDir()
	q := queue.New(job.NewMemoryRepository(), queue.WithPollInterval(5*time.Millisecond))
	synth := render.NewSynthesizer(render.Options{UploadsDir: t.TempDir(), OutputsDir: out})
	sink := &recordingSink{}
	pool := NewPool(q, synth, &fakeEncoder{}, sink, nil, nil)

	ctx := context.Background()
	_, err := q.Enqueue(ctx, job.NewSimple(job.SimpleSpec{Clips: []job.ClipRef{{Path: "missing.jpg"}}}), "m")
	require.NoError(t, err)
	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	j, err := q.Dequeue(dctx)
	require.NoError(t, err)

	pool.process(ctx, j)

	stored, err := q.Get(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, stored.Status)
	assert.Contains(t, stored.LastError, "missing.jpg")
}

func TestPool_RunConcurrentSlots(t *testing.T) {
	enc := &fakeEncoder{release: make(chan struct{})}
	h := newHarness(t, enc, nil, nil, WithConcurrency(2))

	ctx := context.Background()
	var ids []string
	for range 3 {
		j, err := h.queue.Enqueue(ctx, job.NewSimple(job.SimpleSpec{Clips: []job.ClipRef{{Path: "a.jpg"}}}), "")
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}

	runCtx, stop := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- h.pool.Run(runCtx) }()

	require.Eventually(t, func() bool {
		enc.mu.Lock()
		defer enc.mu.Unlock()
		return enc.running == 2
	}, 2*time.Second, 5*time.Millisecond)
	close(enc.release)

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if h.get(t, id).Status != job.StatusCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	stop()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
	assert.Equal(t, 2, enc.peak)
}
