// Package job provides the Job aggregate for video render requests.
// It includes the Job record with its status machine, the tagged render
// specification, the error taxonomy shared by the render pipeline, and the
// repository port with in-memory and Redis implementations.
package job

import (
	"sync"
	"time"

	"github.com/maauso/renderqueue/internal/job/id"
)

// Priority levels assigned at enqueue time. Higher values dequeue first.
const (
	PriorityCPU = 5
	PriorityGPU = 10
)

// DefaultMaxAttempts is the attempt cap used when none is configured.
const DefaultMaxAttempts = 3

// Status represents the current state of a Job.
type Status string

const (
	// StatusQueued indicates the job is waiting for a worker.
	StatusQueued Status = "queued"
	// StatusActive indicates a worker holds the job.
	StatusActive Status = "active"
	// StatusCompleted indicates the output was produced.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the job will not be attempted again.
	StatusFailed Status = "failed"
)

// validTransitions defines which state transitions are allowed.
// active -> queued is the retry / stall recovery path.
var validTransitions = map[Status][]Status{
	StatusQueued:    {StatusActive, StatusFailed},
	StatusActive:    {StatusCompleted, StatusFailed, StatusQueued},
	StatusCompleted: {},
	StatusFailed:    {},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Result describes the output of a completed job.
type Result struct {
	// OutputFile is the file name inside the outputs directory.
	OutputFile string `json:"outputFile"`
	// OutputPath is the absolute path of the rendered file.
	OutputPath string `json:"outputPath"`
	// DownloadURL is where clients can fetch the output.
	DownloadURL string `json:"downloadUrl,omitempty"`
	// FileSize is the output size in bytes.
	FileSize int64 `json:"fileSize"`
	// Duration is the measured media duration in seconds.
	Duration float64 `json:"duration"`
	// RenderTimeMs is the wall-clock render time in milliseconds.
	RenderTimeMs int64 `json:"renderTime"`
	// Resolution is formatted as WIDTHxHEIGHT.
	Resolution string `json:"resolution,omitempty"`
	FPS        int    `json:"fps,omitempty"`
	UseGPU     bool   `json:"useGpu"`
	// Format is the synthesized plan format.
	Format string `json:"format,omitempty"`
}

// Job represents a render request from submission to terminal state.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string `json:"id"`
	// Spec is the render specification, immutable after enqueue.
	Spec Spec `json:"spec"`
	// Priority is derived from the GPU flag at enqueue time.
	Priority int `json:"priority"`
	// Status is the current job state.
	Status Status `json:"status"`
	// Progress is the percentage of completion (0-100).
	Progress int `json:"progress"`
	// Attempts counts dispatches to a worker.
	Attempts int `json:"attempts"`
	// MaxAttempts caps Attempts.
	MaxAttempts int `json:"maxAttempts"`
	// Claim identifies the current attempt. It is unique across
	// resubmissions of the same ID, unlike Attempts.
	Claim string `json:"claim,omitempty"`
	// Result is set only on completed jobs.
	Result *Result `json:"result,omitempty"`
	// FailureReason is set only on failed jobs.
	FailureReason string `json:"failureReason,omitempty"`
	// LastError keeps the latest attempt error, including re-queued attempts.
	LastError string `json:"lastError,omitempty"`
	// NotBefore hides a queued job from dequeue until the given time.
	NotBefore time.Time `json:"notBefore,omitzero"`
	// Seq breaks createdAt ties in FIFO order.
	Seq int64 `json:"seq"`

	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	StartedAt  time.Time `json:"startedAt,omitzero"`
	ProgressAt time.Time `json:"progressAt,omitzero"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
}

// New creates a queued Job with a generated ID.
func New(spec Spec, now time.Time) *Job {
	return NewWithID(id.Generate(), spec, now)
}

// NewWithID creates a queued Job with the specified ID.
func NewWithID(jobID string, spec Spec, now time.Time) *Job {
	priority := PriorityCPU
	if spec.GPU() {
		priority = PriorityGPU
	}
	return &Job{
		ID:          jobID,
		Spec:        spec,
		Priority:    priority,
		Status:      StatusQueued,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// transitionTo changes the status. Callers hold j.mu.
func (j *Job) transitionTo(status Status, now time.Time) error {
	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}
	j.Status = status
	j.UpdatedAt = now
	return nil
}

// Activate claims a queued job for a new attempt.
func (j *Job) Activate(now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.transitionTo(StatusActive, now); err != nil {
		return err
	}
	j.Attempts++
	j.Claim = id.Generate()
	j.Progress = 0
	j.StartedAt = now
	j.ProgressAt = now
	j.NotBefore = time.Time{}
	return nil
}

// Requeue returns an active job to the queue, visible again at notBefore.
func (j *Job) Requeue(reason string, notBefore, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.transitionTo(StatusQueued, now); err != nil {
		return err
	}
	j.LastError = reason
	j.NotBefore = notBefore
	return nil
}

// Release returns an active job to the queue without consuming the attempt.
// Used when the owning process went away before the attempt could finish.
func (j *Job) Release(reason string, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.transitionTo(StatusQueued, now); err != nil {
		return err
	}
	if j.Attempts > 0 {
		j.Attempts--
	}
	j.Progress = 0
	j.LastError = reason
	j.NotBefore = time.Time{}
	return nil
}

// Complete records the result of an active job.
func (j *Job) Complete(result Result, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.transitionTo(StatusCompleted, now); err != nil {
		return err
	}
	j.Progress = 100
	j.Result = &result
	j.FinishedAt = now
	return nil
}

// Fail moves the job to its terminal failed state.
func (j *Job) Fail(reason string, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.transitionTo(StatusFailed, now); err != nil {
		return err
	}
	j.FailureReason = reason
	j.LastError = reason
	j.FinishedAt = now
	return nil
}

// UpdateProgress raises the progress percentage. Lower values are ignored
// and reported as false.
func (j *Job) UpdateProgress(progress int, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if progress > 100 {
		progress = 100
	}
	if progress < j.Progress {
		return false
	}
	j.Progress = progress
	j.ProgressAt = now
	j.UpdatedAt = now
	return true
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status.IsTerminal()
}

// Eligible reports whether the job can be claimed at now.
func (j *Job) Eligible(now time.Time) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status == StatusQueued && !j.NotBefore.After(now)
}

// Clone creates a deep copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var result *Result
	if j.Result != nil {
		r := *j.Result
		result = &r
	}

	return &Job{
		ID:            j.ID,
		Spec:          j.Spec.Clone(),
		Priority:      j.Priority,
		Status:        j.Status,
		Progress:      j.Progress,
		Attempts:      j.Attempts,
		MaxAttempts:   j.MaxAttempts,
		Claim:         j.Claim,
		Result:        result,
		FailureReason: j.FailureReason,
		LastError:     j.LastError,
		NotBefore:     j.NotBefore,
		Seq:           j.Seq,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		StartedAt:     j.StartedAt,
		ProgressAt:    j.ProgressAt,
		FinishedAt:    j.FinishedAt,
	}
}
