// Package notify delivers job lifecycle events to external observers.
// Delivery is best effort: callers log failures and carry on.
package notify

import (
	"fmt"
	"math"
	"time"

	"github.com/maauso/renderqueue/internal/job"
)

// Status is the lifecycle stage an Event reports.
type Status string

const (
	StatusStarted   Status = "started"
	StatusProgress  Status = "progress"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const (
	gpuSpeedFactor   = 0.3
	highFPSThreshold = 30
	highFPSFactor    = 1.5
)

// Estimate is a rough render time prediction sent with started events.
type Estimate struct {
	TotalClipDuration            float64 `json:"totalClipDuration"`
	EstimatedRenderTime          int     `json:"estimatedRenderTime"`
	EstimatedRenderTimeFormatted string  `json:"estimatedRenderTimeFormatted"`
}

// Event is the JSON document posted for every lifecycle change. Fields that
// do not apply to Status are omitted.
type Event struct {
	JobID     string    `json:"jobId"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	WorkerID  string    `json:"workerId"`
	UseGPU    bool      `json:"useGpu"`
	Message   string    `json:"message,omitempty"`

	EstimatedDuration *Estimate `json:"estimatedDuration,omitempty"`
	Clips             int       `json:"clips,omitempty"`

	Progress int `json:"progress,omitempty"`

	OutputFile  string   `json:"outputFile,omitempty"`
	DownloadURL string   `json:"downloadUrl,omitempty"`
	Duration    *float64 `json:"duration,omitempty"`
	FileSize    int64    `json:"fileSize,omitempty"`
	RenderTime  int64    `json:"renderTime,omitempty"`
	Resolution  string   `json:"resolution,omitempty"`
	FPS         int      `json:"fps,omitempty"`

	Error     string `json:"error,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	Retryable *bool  `json:"retryable,omitempty"`
}

// Started builds the event sent when a worker picks up j.
func Started(j *job.Job, now time.Time) Event {
	return Event{
		JobID:             j.ID,
		Status:            StatusStarted,
		Timestamp:         now,
		Message:           "Video rendering started",
		EstimatedDuration: EstimateFor(j.Spec),
		Clips:             j.Spec.ClipCount(),
	}
}

// Progress builds a progress event.
func Progress(jobID string, progress int, now time.Time) Event {
	return Event{
		JobID:     jobID,
		Status:    StatusProgress,
		Timestamp: now,
		Message:   "Video rendering in progress",
		Progress:  progress,
	}
}

// Completed builds the event sent once the output is stored.
func Completed(jobID string, r job.Result, now time.Time) Event {
	duration := r.Duration
	return Event{
		JobID:       jobID,
		Status:      StatusCompleted,
		Timestamp:   now,
		Message:     "Video rendering completed successfully",
		OutputFile:  r.OutputFile,
		DownloadURL: r.DownloadURL,
		Duration:    &duration,
		FileSize:    r.FileSize,
		RenderTime:  r.RenderTimeMs,
		Resolution:  r.Resolution,
		FPS:         r.FPS,
	}
}

// Failed builds the event sent after a failed attempt. retryable reports
// whether the job went back to the queue.
func Failed(jobID string, cause error, attempts int, retryable bool, now time.Time) Event {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return Event{
		JobID:     jobID,
		Status:    StatusFailed,
		Timestamp: now,
		Message:   "Video rendering failed",
		Error:     msg,
		Attempts:  attempts,
		Retryable: &retryable,
	}
}

// EstimateFor predicts render time from the declared clip durations.
// GPU jobs are assumed three times faster, frame rates above 30 half again slower.
func EstimateFor(spec job.Spec) *Estimate {
	durations := spec.Durations()
	if len(durations) == 0 {
		return nil
	}

	var total float64
	for _, d := range durations {
		total += d
	}

	factor := 1.0
	if spec.GPU() {
		factor = gpuSpeedFactor
	}
	if spec.FPS() > highFPSThreshold {
		factor *= highFPSFactor
	}

	seconds := int(math.Ceil(total * factor))
	return &Estimate{
		TotalClipDuration:            total,
		EstimatedRenderTime:          seconds,
		EstimatedRenderTimeFormatted: fmt.Sprintf("%dm %ds", seconds/60, seconds%60),
	}
}
