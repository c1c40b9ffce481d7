package janitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMaintainer struct {
	reaps     atomic.Int32
	stalls    atomic.Int32
	lastAge   atomic.Int64
	reapErr   error
	stallsErr error
}

func (m *fakeMaintainer) Reap(_ context.Context, maxAge time.Duration) (int, error) {
	m.reaps.Add(1)
	m.lastAge.Store(int64(maxAge))
	return 2, m.reapErr
}

func (m *fakeMaintainer) RecoverStalled(context.Context) (int, error) {
	m.stalls.Add(1)
	return 1, m.stallsErr
}

func TestJanitor_RunsScheduledTasks(t *testing.T) {
	m := &fakeMaintainer{}
	j := New(m,
		WithReap("@every 1s", 24*time.Hour),
		WithStallCheck("@every 1s"),
	)

	require.NoError(t, j.Start(context.Background()))
	t.Cleanup(func() { _ = j.Stop(context.Background()) })

	require.Eventually(t, func() bool {
		return m.reaps.Load() > 0 && m.stalls.Load() > 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(24*time.Hour), m.lastAge.Load())
}

func TestJanitor_StartTwice(t *testing.T) {
	j := New(&fakeMaintainer{})
	require.NoError(t, j.Start(context.Background()))
	defer func() { _ = j.Stop(context.Background()) }()

	assert.ErrorIs(t, j.Start(context.Background()), ErrAlreadyStarted)
}

func TestJanitor_InvalidSchedule(t *testing.T) {
	j := New(&fakeMaintainer{}, WithReap("every hour", time.Hour))
	err := j.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reap")
}

func TestJanitor_TaskErrorsAreLogged(t *testing.T) {
	m := &fakeMaintainer{reapErr: errors.New("redis down"), stallsErr: errors.New("redis down")}
	j := New(m)

	j.reap(context.Background())
	j.recoverStalled(context.Background())

	assert.Equal(t, int32(1), m.reaps.Load())
	assert.Equal(t, int32(1), m.stalls.Load())
}

func TestJanitor_StopWithoutStart(t *testing.T) {
	assert.NoError(t, New(&fakeMaintainer{}).Stop(context.Background()))
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule(""))
	assert.NoError(t, ValidateSchedule("0 * * * *"))
	assert.NoError(t, ValidateSchedule("@every 30s"))
	assert.Error(t, ValidateSchedule("* * *"))
}

func writeFile(t *testing.T, path string, size int, modTime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0600))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func TestSweep(t *testing.T) {
	now := time.Now()
	old := now.Add(-3 * time.Hour)
	outputs := t.TempDir()
	temp := t.TempDir()

	writeFile(t, filepath.Join(outputs, "old.mp4"), 100, old)
	writeFile(t, filepath.Join(outputs, "new.mp4"), 50, now)
	writeFile(t, filepath.Join(temp, "job-1", "concat.txt"), 10, old)
	writeFile(t, filepath.Join(temp, "job-2", "concat.txt"), 10, now)

	res := Sweep(context.Background(), now.Add(-2*time.Hour), nil, outputs, temp, filepath.Join(temp, "missing"))

	assert.Equal(t, SweepResult{DeletedFiles: 2, FreedBytes: 110}, res)
	assert.NoFileExists(t, filepath.Join(outputs, "old.mp4"))
	assert.FileExists(t, filepath.Join(outputs, "new.mp4"))
	assert.NoDirExists(t, filepath.Join(temp, "job-1"))
	assert.FileExists(t, filepath.Join(temp, "job-2", "concat.txt"))
	assert.DirExists(t, outputs)
}

func TestJanitor_Sweep(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.mp4"), 1, now.Add(-time.Hour))
	writeFile(t, filepath.Join(dir, "b.mp4"), 1, now.Add(-3*time.Hour))

	j := New(&fakeMaintainer{},
		WithClock(func() time.Time { return now }),
		WithFileSweep("@every 1h", 2*time.Hour, dir),
	)
	j.sweep(context.Background())

	assert.FileExists(t, filepath.Join(dir, "a.mp4"))
	assert.NoFileExists(t, filepath.Join(dir, "b.mp4"))
}
