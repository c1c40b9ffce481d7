package job

import (
	"context"
	"sync"
)

// Compile-time check that MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-memory implementation of Repository.
// It uses a map with RWMutex for thread-safe access.
// State is lost on restart; use RedisRepository when jobs must survive it.
type MemoryRepository struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	seq  int64
}

// NewMemoryRepository creates a new in-memory job repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs: make(map[string]*Job),
	}
}

// Save persists a job to the in-memory storage.
// Creates a clone to avoid external mutations.
func (r *MemoryRepository) Save(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := job.Clone()
	if stored.Seq == 0 {
		r.seq++
		stored.Seq = r.seq
	}
	r.jobs[job.ID] = stored
	return nil
}

// FindByID retrieves a job by its ID.
// Returns a clone to prevent external mutations.
func (r *MemoryRepository) FindByID(_ context.Context, id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns all jobs in the repository.
// Returns clones to prevent external mutations.
func (r *MemoryRepository) List(_ context.Context) ([]*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		result = append(result, job.Clone())
	}
	return result, nil
}

// ListPending returns clones of the non-terminal jobs.
func (r *MemoryRepository) ListPending(_ context.Context) ([]*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Job, 0)
	for _, job := range r.jobs {
		if !job.Status.IsTerminal() {
			result = append(result, job.Clone())
		}
	}
	return result, nil
}

// Delete removes a job from storage.
func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(r.jobs, id)
	return nil
}

// Update applies fn to a copy of the stored job under the write lock and
// stores the copy only when fn succeeds.
func (r *MemoryRepository) Update(_ context.Context, id string, fn UpdateFunc) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	working := current.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	r.jobs[id] = working
	return working.Clone(), nil
}
