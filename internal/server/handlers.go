package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/renderqueue/internal/job"
	"github.com/maauso/renderqueue/internal/queue"
)

const defaultListLimit = 10

// JobQueue is the part of queue.Queue the HTTP surface uses.
type JobQueue interface {
	Enqueue(ctx context.Context, spec job.Spec, explicitID string) (*job.Job, error)
	Get(ctx context.Context, jobID string) (*job.Job, error)
	Recent(ctx context.Context, n int) ([]*job.Job, error)
	Cancel(ctx context.Context, jobID string) (*job.Job, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	queue      JobQueue
	validator  *validator.Validate
	logger     *slog.Logger
	outputsDir string
	started    time.Time
	now        func() time.Time
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithOutputsDir enables GET /download/{file} from dir.
func WithOutputsDir(dir string) HandlerOption {
	return func(h *Handlers) {
		h.outputsDir = dir
	}
}

// WithHandlerClock sets the time source for health reports.
func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(h *Handlers) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(q JobQueue, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		queue:     q,
		validator: validator.New(),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.started = h.now()
	return h
}

// Health handles GET /health requests. It reports 503 when the job store
// cannot be read.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: now.UTC(),
		Uptime:    now.Sub(h.started).Seconds(),
		Queue:     "connected",
	}
	if _, err := h.queue.Stats(r.Context()); err != nil {
		h.logger.Warn("health check failed", slog.String("error", err.Error()))
		resp.Status = "unhealthy"
		resp.Queue = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateJob handles POST /jobs requests.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit), "BODY_TOO_LARGE")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body", "INVALID_BODY")
		return
	}

	sub, err := job.ParseSubmission(body)
	if err != nil {
		h.logger.Warn("invalid job submission",
			slog.String("error", err.Error()),
			slog.String("request_id", RequestID(r.Context())),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	// Field bounds are declared as struct tags on job.Spec.
	if err := h.validator.Struct(sub.Spec); err != nil {
		h.logger.Warn("job submission validation failed",
			slog.String("error", err.Error()),
			slog.String("request_id", RequestID(r.Context())),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	created, err := h.queue.Enqueue(r.Context(), sub.Spec, sub.ID)
	if err != nil {
		if errors.Is(err, job.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
			return
		}
		h.logger.Error("failed to enqueue job",
			slog.String("error", err.Error()),
			slog.String("request_id", RequestID(r.Context())),
		)
		writeError(w, http.StatusInternalServerError, "failed to create job", "JOB_CREATION_FAILED")
		return
	}

	writeJSON(w, http.StatusCreated, CreateJobResponse{
		JobID:   created.ID,
		Status:  string(created.Status),
		Message: "Job created successfully",
	})
}

// ListJobs handles GET /jobs requests, newest first.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := ListJobsQuery{Limit: defaultListLimit}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer", "INVALID_LIMIT")
			return
		}
		query.Limit = n
	}
	if err := h.validator.Struct(query); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_LIMIT")
		return
	}

	jobs, err := h.queue.Recent(r.Context(), query.Limit)
	if err != nil {
		h.logger.Error("failed to list jobs", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve jobs", "JOB_LIST_FAILED")
		return
	}

	resp := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, newJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /jobs/{id} requests.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	found, err := h.queue.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
			return
		}
		h.logger.Error("failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get job", "JOB_FETCH_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, newJobResponse(found))
}

// CancelJob handles DELETE /jobs/{id} requests.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	cancelled, err := h.queue.Cancel(r.Context(), jobID)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrNotCancellable):
		writeError(w, http.StatusConflict, "job already finished", "JOB_NOT_CANCELLABLE")
		return
	case errors.Is(err, queue.ErrNotOwned):
		writeError(w, http.StatusConflict, "job is running on another worker", "JOB_NOT_OWNED")
		return
	case errors.Is(err, job.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
		return
	default:
		h.logger.Error("failed to cancel job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to cancel job", "JOB_CANCEL_FAILED")
		return
	}

	h.logger.Info("job cancelled", slog.String("job_id", jobID), slog.String("status", string(cancelled.Status)))
	writeJSON(w, http.StatusOK, newJobResponse(cancelled))
}

// QueueStats handles GET /queue/stats requests.
func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to get queue stats", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get queue stats", "QUEUE_STATS_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, QueueStatsResponse{
		Waiting:   st.Queued,
		Delayed:   st.Delayed,
		Active:    st.Active,
		Completed: st.Completed,
		Failed:    st.Failed,
		Total:     st.Total,
	})
}

// Download handles GET /download/{file} requests for local outputs.
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("file")
	if !fs.ValidPath(name) || name == "." {
		writeError(w, http.StatusForbidden, "access denied", "ACCESS_DENIED")
		return
	}

	fsys := os.DirFS(h.outputsDir)
	info, err := fs.Stat(fsys, name)
	if err != nil || !info.Mode().IsRegular() {
		writeError(w, http.StatusNotFound, "file not found", "FILE_NOT_FOUND")
		return
	}

	if strings.EqualFold(path.Ext(name), ".mp4") {
		w.Header().Set("Content-Type", "video/mp4")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFileFS(w, r, fsys, name)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
