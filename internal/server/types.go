// Package server provides the HTTP ingestion surface of the render queue.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/maauso/renderqueue/internal/job"
)

// CreateJobResponse is the HTTP response after enqueueing a job.
type CreateJobResponse struct {
	// JobID is the identifier of the enqueued job.
	JobID string `json:"jobId"`
	// Status is the initial job status.
	Status string `json:"status"`
	// Message is a human-readable summary.
	Message string `json:"message"`
}

// ListJobsQuery holds the query parameters of GET /jobs.
type ListJobsQuery struct {
	Limit int `validate:"min=1,max=100"`
}

// JobResponse is the HTTP view of a job.
type JobResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Attempts int    `json:"attempts"`
	// Data is the resolved render specification.
	Data         job.Spec    `json:"data"`
	CreatedAt    time.Time   `json:"createdAt"`
	ProcessedAt  *time.Time  `json:"processedAt"`
	FinishedAt   *time.Time  `json:"finishedAt"`
	FailedReason *string     `json:"failedReason"`
	ReturnValue  *job.Result `json:"returnValue"`
	// LastError is the error of the latest attempt, kept across retries.
	LastError string `json:"lastError,omitempty"`
}

// QueueStatsResponse reports job counts by state.
type QueueStatsResponse struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    float64   `json:"uptime"`
	Queue     string    `json:"queue"`
}

func newJobResponse(j *job.Job) JobResponse {
	resp := JobResponse{
		ID:          j.ID,
		Status:      string(j.Status),
		Progress:    j.Progress,
		Attempts:    j.Attempts,
		Data:        j.Spec,
		CreatedAt:   j.CreatedAt,
		ProcessedAt: timePtr(j.StartedAt),
		FinishedAt:  timePtr(j.FinishedAt),
		ReturnValue: j.Result,
		LastError:   j.LastError,
	}
	if j.FailureReason != "" {
		reason := j.FailureReason
		resp.FailedReason = &reason
	}
	return resp
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
