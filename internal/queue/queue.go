// Package queue implements the durable render job queue on top of a
// job.Repository. It owns dispatch order, attempt accounting, retry backoff,
// stall recovery and the registry of running attempts.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/maauso/renderqueue/internal/job"
	"github.com/maauso/renderqueue/internal/job/id"
)

const (
	defaultBackoffBase  = 5 * time.Second
	defaultStallTimeout = 5 * time.Minute
	defaultPollInterval = time.Second
	maxBackoffShift     = 20
)

// Reasons recorded on jobs that did not fail inside an attempt.
const (
	reasonCancelled = "cancelled"
	reasonRestored  = "restored after restart"
)

var (
	// ErrNotCancellable is returned by Cancel for terminal jobs.
	ErrNotCancellable = errors.New("job cannot be cancelled")

	// ErrNotOwned is returned by Cancel when the active attempt runs in another process.
	ErrNotOwned = errors.New("job is running in another process")

	errClaimLost = errors.New("claim lost")
	errUnchanged = errors.New("unchanged")
)

// Stats counts jobs per status.
type Stats struct {
	Queued    int `json:"queued"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

type runningAttempt struct {
	cancel context.CancelCauseFunc
}

// Queue dispatches render jobs to workers.
type Queue struct {
	repo         job.Repository
	logger       *slog.Logger
	now          func() time.Time
	maxAttempts  int
	backoffBase  time.Duration
	stallTimeout time.Duration
	pollInterval time.Duration

	// claimMu serializes scans in this process. Cross-process exclusion
	// comes from Repository.Update.
	claimMu sync.Mutex

	wakeMu sync.Mutex
	wake   chan struct{}

	runningMu sync.Mutex
	running   map[string]*runningAttempt
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithMaxAttempts caps how many times a job is dispatched.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithBackoffBase sets the first retry delay. It doubles on every attempt.
func WithBackoffBase(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.backoffBase = d
		}
	}
}

// WithStallTimeout sets how long an active job may go without progress.
// Zero disables stall recovery.
func WithStallTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.stallTimeout = d
		}
	}
}

// WithPollInterval sets how often a blocked Dequeue rescans the repository.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// New creates a Queue backed by repo.
func New(repo job.Repository, opts ...Option) *Queue {
	q := &Queue{
		repo:         repo,
		logger:       slog.Default(),
		now:          time.Now,
		maxAttempts:  job.DefaultMaxAttempts,
		backoffBase:  defaultBackoffBase,
		stallTimeout: defaultStallTimeout,
		pollInterval: defaultPollInterval,
		wake:         make(chan struct{}),
		running:      make(map[string]*runningAttempt),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue persists a new queued job. A non-empty explicitID replaces any
// existing job with that ID; a running attempt of the replaced job is aborted.
func (q *Queue) Enqueue(ctx context.Context, spec job.Spec, explicitID string) (*job.Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	now := q.now()
	var j *job.Job
	if explicitID != "" {
		if !id.Valid(explicitID) {
			return nil, &job.ValidationError{Field: "id", Reason: "must contain only letters, digits, '-', '_' or '.'"}
		}
		j = job.NewWithID(explicitID, spec, now)
	} else {
		j = job.New(spec, now)
	}
	j.MaxAttempts = q.maxAttempts

	if err := q.repo.Save(ctx, j); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}
	if explicitID != "" {
		q.abort(explicitID, fmt.Errorf("%w: job was resubmitted", job.ErrAborted))
	}

	q.logger.Info("job enqueued",
		slog.String("job_id", j.ID),
		slog.String("kind", string(spec.Kind)),
		slog.Int("priority", j.Priority),
		slog.Int("clips", spec.ClipCount()),
	)
	q.signal()
	return j, nil
}

// Dequeue blocks until a job is claimed or ctx is done. The returned job is
// active with its attempt counter already incremented.
func (q *Queue) Dequeue(ctx context.Context) (*job.Job, error) {
	for {
		wake := q.waitCh()

		j, err := q.claimNext(ctx)
		if err != nil {
			return nil, err
		}
		if j != nil {
			return j, nil
		}

		timer := time.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (q *Queue) claimNext(ctx context.Context) (*job.Job, error) {
	q.claimMu.Lock()
	defer q.claimMu.Unlock()

	if _, err := q.RecoverStalled(ctx); err != nil {
		q.logger.Warn("stall recovery failed", slog.String("error", err.Error()))
	}

	jobs, err := q.repo.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}

	now := q.now()
	candidates := jobs[:0]
	for _, j := range jobs {
		if j.Eligible(now) {
			candidates = append(candidates, j)
		}
	}
	sortByDispatchOrder(candidates)

	for _, c := range candidates {
		claimed, err := q.repo.Update(ctx, c.ID, func(j *job.Job) error {
			if !j.Eligible(now) {
				return errClaimLost
			}
			return j.Activate(now)
		})
		if errors.Is(err, errClaimLost) || errors.Is(err, job.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", c.ID, err)
		}
		q.logger.Info("job claimed",
			slog.String("job_id", claimed.ID),
			slog.Int("attempt", claimed.Attempts),
			slog.Int("max_attempts", claimed.MaxAttempts),
		)
		return claimed, nil
	}
	return nil, nil
}

// sortByDispatchOrder orders by priority desc, then createdAt, then Seq.
func sortByDispatchOrder(jobs []*job.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		ja, jb := jobs[a], jobs[b]
		if ja.Priority != jb.Priority {
			return ja.Priority > jb.Priority
		}
		if !ja.CreatedAt.Equal(jb.CreatedAt) {
			return ja.CreatedAt.Before(jb.CreatedAt)
		}
		return ja.Seq < jb.Seq
	})
}

// held checks that j is still active under the given claim.
func held(j *job.Job, claim string) error {
	if j.Status != job.StatusActive || claim == "" || j.Claim != claim {
		return job.ErrNotActive
	}
	return nil
}

// Complete records the result of the attempt identified by claim. Returns
// job.ErrNotActive when the job is no longer held by that claim.
func (q *Queue) Complete(ctx context.Context, jobID, claim string, result job.Result) (*job.Job, error) {
	now := q.now()
	updated, err := q.repo.Update(ctx, jobID, func(j *job.Job) error {
		if err := held(j, claim); err != nil {
			return err
		}
		return j.Complete(result, now)
	})
	if err != nil {
		return nil, err
	}
	q.logger.Info("job completed",
		slog.String("job_id", jobID),
		slog.String("output", result.OutputFile),
		slog.Int("attempts", updated.Attempts),
	)
	return updated, nil
}

// Fail records a failed attempt. The job goes back to the queue with an
// exponential delay unless cause is not retryable or attempts are exhausted,
// in which case it fails for good. Returns job.ErrNotActive when the job is
// no longer held by claim.
func (q *Queue) Fail(ctx context.Context, jobID, claim string, cause error) (*job.Job, error) {
	return q.fail(ctx, jobID, claim, cause, nil)
}

func (q *Queue) fail(ctx context.Context, jobID, claim string, cause error, guard job.UpdateFunc) (*job.Job, error) {
	if cause == nil {
		cause = errors.New("unknown error")
	}
	reason := cause.Error()
	retryable := job.IsRetryable(cause)
	now := q.now()

	updated, err := q.repo.Update(ctx, jobID, func(j *job.Job) error {
		if err := held(j, claim); err != nil {
			return err
		}
		if guard != nil {
			if err := guard(j); err != nil {
				return err
			}
		}
		if retryable && j.Attempts < j.MaxAttempts {
			return j.Requeue(reason, now.Add(q.backoff(j.Attempts)), now)
		}
		return j.Fail(reason, now)
	})
	if err != nil {
		return nil, err
	}

	log := q.logger.With(slog.String("job_id", jobID))
	if updated.Status == job.StatusQueued {
		log.Warn("job attempt failed, retrying",
			slog.String("error", reason),
			slog.Int("attempt", updated.Attempts),
			slog.Time("not_before", updated.NotBefore),
		)
		q.signal()
	} else {
		log.Error("job failed",
			slog.String("error", reason),
			slog.Int("attempts", updated.Attempts),
			slog.Bool("retryable", retryable),
		)
	}
	return updated, nil
}

// backoff returns base * 2^(attempts-1).
func (q *Queue) backoff(attempts int) time.Duration {
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return q.backoffBase * time.Duration(1<<shift)
}

// UpdateProgress raises the progress of the attempt identified by claim.
// Lower values are ignored.
func (q *Queue) UpdateProgress(ctx context.Context, jobID, claim string, progress int) error {
	now := q.now()
	_, err := q.repo.Update(ctx, jobID, func(j *job.Job) error {
		if err := held(j, claim); err != nil {
			return err
		}
		if !j.UpdateProgress(progress, now) {
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	return err
}

// Stats counts jobs per status. Delayed counts queued jobs still waiting for
// their retry time and is included in Queued.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	jobs, err := q.repo.List(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list jobs: %w", err)
	}

	now := q.now()
	var s Stats
	for _, j := range jobs {
		switch j.Status {
		case job.StatusQueued:
			s.Queued++
			if j.NotBefore.After(now) {
				s.Delayed++
			}
		case job.StatusActive:
			s.Active++
		case job.StatusCompleted:
			s.Completed++
		case job.StatusFailed:
			s.Failed++
		}
	}
	s.Total = len(jobs)
	return s, nil
}

// Reap deletes terminal jobs that finished more than maxAge ago.
func (q *Queue) Reap(ctx context.Context, maxAge time.Duration) (int, error) {
	jobs, err := q.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}

	cutoff := q.now().Add(-maxAge)
	removed := 0
	for _, j := range jobs {
		if !j.Status.IsTerminal() {
			continue
		}
		finished := j.FinishedAt
		if finished.IsZero() {
			finished = j.UpdatedAt
		}
		if !finished.Before(cutoff) {
			continue
		}
		if err := q.repo.Delete(ctx, j.ID); err != nil {
			if errors.Is(err, job.ErrJobNotFound) {
				continue
			}
			return removed, fmt.Errorf("delete job %s: %w", j.ID, err)
		}
		removed++
	}

	if removed > 0 {
		q.logger.Info("reaped finished jobs", slog.Int("count", removed), slog.Time("cutoff", cutoff))
	}
	return removed, nil
}

// RecoverStalled fails active jobs that reported no progress within the
// stall timeout. Each recovery consumes the attempt and aborts the attempt
// if it runs in this process.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	if q.stallTimeout <= 0 {
		return 0, nil
	}

	jobs, err := q.repo.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}

	cutoff := q.now().Add(-q.stallTimeout)
	stale := func(j *job.Job) bool {
		last := j.ProgressAt
		if last.IsZero() {
			last = j.StartedAt
		}
		return last.Before(cutoff)
	}

	recovered := 0
	for _, j := range jobs {
		if j.Status != job.StatusActive || !stale(j) {
			continue
		}
		cause := fmt.Errorf("%w: no progress for %s", job.ErrStalled, q.stallTimeout)
		_, err := q.fail(ctx, j.ID, j.Claim, cause, func(current *job.Job) error {
			if !stale(current) {
				return errClaimLost
			}
			return nil
		})
		// ErrNotActive wraps ErrJobNotFound.
		if errors.Is(err, errClaimLost) || errors.Is(err, job.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		q.abort(j.ID, cause)
		recovered++
	}
	return recovered, nil
}

// Restore returns every active job to the queue without consuming the
// attempt. Call it once at startup, before workers run, when no attempt of
// a previous process can still be alive.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	jobs, err := q.repo.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}

	now := q.now()
	restored := 0
	for _, j := range jobs {
		if j.Status != job.StatusActive {
			continue
		}
		_, err := q.repo.Update(ctx, j.ID, func(current *job.Job) error {
			if current.Status != job.StatusActive {
				return errClaimLost
			}
			return current.Release(reasonRestored, now)
		})
		if errors.Is(err, errClaimLost) || errors.Is(err, job.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return restored, fmt.Errorf("restore job %s: %w", j.ID, err)
		}
		restored++
	}

	if restored > 0 {
		q.logger.Info("restored interrupted jobs", slog.Int("count", restored))
		q.signal()
	}
	return restored, nil
}

// Track registers the cancel func of the attempt running jobID. The returned
// func unregisters it and must be called when the attempt ends.
func (q *Queue) Track(jobID string, cancel context.CancelCauseFunc) (untrack func()) {
	a := &runningAttempt{cancel: cancel}

	q.runningMu.Lock()
	q.running[jobID] = a
	q.runningMu.Unlock()

	return func() {
		q.runningMu.Lock()
		defer q.runningMu.Unlock()
		if q.running[jobID] == a {
			delete(q.running, jobID)
		}
	}
}

// abort cancels the attempt running jobID in this process, if any.
func (q *Queue) abort(jobID string, cause error) bool {
	q.runningMu.Lock()
	a, ok := q.running[jobID]
	q.runningMu.Unlock()
	if !ok {
		return false
	}
	a.cancel(cause)
	return true
}

// Cancel stops a job. A queued job fails immediately. An active job has its
// attempt aborted and goes through the usual retry accounting.
func (q *Queue) Cancel(ctx context.Context, jobID string) (*job.Job, error) {
	now := q.now()
	updated, err := q.repo.Update(ctx, jobID, func(j *job.Job) error {
		switch j.Status {
		case job.StatusQueued:
			return j.Fail(reasonCancelled, now)
		case job.StatusActive:
			return errUnchanged
		default:
			return ErrNotCancellable
		}
	})

	switch {
	case err == nil:
		q.logger.Info("queued job cancelled", slog.String("job_id", jobID))
		return updated, nil
	case errors.Is(err, errUnchanged):
		if !q.abort(jobID, fmt.Errorf("%w: %s", job.ErrAborted, reasonCancelled)) {
			return nil, ErrNotOwned
		}
		q.logger.Info("active job aborted", slog.String("job_id", jobID))
		return q.repo.FindByID(ctx, jobID)
	default:
		return nil, err
	}
}

// Get returns the job with the given ID.
func (q *Queue) Get(ctx context.Context, jobID string) (*job.Job, error) {
	return q.repo.FindByID(ctx, jobID)
}

// Recent returns up to n jobs, newest first.
func (q *Queue) Recent(ctx context.Context, n int) ([]*job.Job, error) {
	jobs, err := q.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	sort.SliceStable(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
		}
		return jobs[a].Seq > jobs[b].Seq
	})
	if n > 0 && len(jobs) > n {
		jobs = jobs[:n]
	}
	return jobs, nil
}

func (q *Queue) waitCh() <-chan struct{} {
	q.wakeMu.Lock()
	defer q.wakeMu.Unlock()
	return q.wake
}

// signal wakes every blocked Dequeue.
func (q *Queue) signal() {
	q.wakeMu.Lock()
	defer q.wakeMu.Unlock()
	close(q.wake)
	q.wake = make(chan struct{})
}
