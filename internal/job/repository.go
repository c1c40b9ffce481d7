package job

import (
	"context"
)

// UpdateFunc mutates a job inside Repository.Update. Returning an error
// aborts the update and leaves the stored job unchanged.
type UpdateFunc func(j *Job) error

// Repository defines the interface for job persistence.
// It acts as a port in the hexagonal architecture pattern.
type Repository interface {
	// Save persists a job to the storage.
	// If the job already exists, it is replaced.
	Save(ctx context.Context, job *Job) error

	// FindByID retrieves a job by its unique identifier.
	// Returns ErrJobNotFound if the job does not exist.
	FindByID(ctx context.Context, id string) (*Job, error)

	// List returns all jobs.
	List(ctx context.Context) ([]*Job, error)

	// ListPending returns the queued and active jobs. Its cost does not grow
	// with the number of finished jobs kept for inspection.
	ListPending(ctx context.Context) ([]*Job, error)

	// Delete removes a job from storage.
	// Returns ErrJobNotFound if the job does not exist.
	Delete(ctx context.Context, id string) error

	// Update atomically reads, mutates and writes back one job.
	// No concurrent Update of the same job observes an intermediate state,
	// which makes it the compare-and-swap point for status transitions.
	// Returns the stored job after fn ran, or ErrJobNotFound.
	Update(ctx context.Context, id string, fn UpdateFunc) (*Job, error)
}
