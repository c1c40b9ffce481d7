package job

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemoryRepository_Save(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := New(simpleSpec(false), t0)

	err := repo.Save(ctx, job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Verify it was saved
	saved, err := repo.FindByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.ID != job.ID {
		t.Errorf("expected ID %s, got %s", job.ID, saved.ID)
	}
	if saved.Seq == 0 {
		t.Error("expected sequence to be assigned")
	}
}

func TestMemoryRepository_Save_Replace(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := NewWithID("same", simpleSpec(false), t0)
	_ = repo.Save(ctx, job)

	replacement := NewWithID("same", simpleSpec(true), t0)
	_ = repo.Save(ctx, replacement)

	saved, _ := repo.FindByID(ctx, "same")
	if saved.Priority != PriorityGPU {
		t.Errorf("expected replaced job, got priority %d", saved.Priority)
	}
	jobs, _ := repo.List(ctx)
	if len(jobs) != 1 {
		t.Errorf("expected 1 job, got %d", len(jobs))
	}
}

func TestMemoryRepository_FindByID_NotFound(t *testing.T) {
	repo := NewMemoryRepository()

	_, err := repo.FindByID(context.Background(), "missing")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestMemoryRepository_Delete(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := New(simpleSpec(false), t0)
	_ = repo.Save(ctx, job)

	if err := repo.Delete(ctx, job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.Delete(ctx, job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestMemoryRepository_Update(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := New(simpleSpec(false), t0)
	_ = repo.Save(ctx, job)

	updated, err := repo.Update(ctx, job.ID, func(j *Job) error {
		return j.Activate(t0)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != StatusActive {
		t.Errorf("expected active, got %s", updated.Status)
	}

	// A failing update leaves the stored job untouched.
	_, err = repo.Update(ctx, job.ID, func(j *Job) error {
		j.Progress = 99
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	saved, _ := repo.FindByID(ctx, job.ID)
	if saved.Progress != 0 {
		t.Errorf("expected progress 0, got %d", saved.Progress)
	}

	if _, err := repo.Update(ctx, "missing", func(*Job) error { return nil }); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestMemoryRepository_Update_SingleClaim(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := New(simpleSpec(false), t0)
	_ = repo.Save(ctx, job)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Update(ctx, job.ID, func(j *Job) error {
				return j.Activate(t0)
			})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one claim, got %d", winners)
	}
}

func TestMemoryRepository_ListPending(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	_ = repo.Save(ctx, NewWithID("queued", simpleSpec(false), t0))
	_ = repo.Save(ctx, NewWithID("done", simpleSpec(false), t0))
	_, _ = repo.Update(ctx, "done", func(j *Job) error { return j.Fail("cancelled", t0) })

	pending, err := repo.ListPending(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "queued" {
		t.Errorf("expected only the queued job, got %v", pending)
	}
}
