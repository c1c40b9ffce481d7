package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrS3NotConfigured is returned by Publish when outputs stay on local disk.
	ErrS3NotConfigured = errors.New("S3 storage is not configured")

	// ErrOutsideTempDir is returned when CleanupTemp is handed a path it does not own.
	ErrOutsideTempDir = errors.New("path is outside the temp directory")
)

var _ Storage = (*LocalStorage)(nil)

// LocalStorage keeps attempt scratch files, such as concat lists, in one
// directory on local disk. Outputs are written by ffmpeg straight into the
// outputs directory, so Publish is unsupported.
type LocalStorage struct {
	tempDir string
}

// NewLocalStorage creates the temp directory if needed. An empty tempDir
// falls back to a renderqueue directory under os.TempDir().
func NewLocalStorage(tempDir string) (*LocalStorage, error) {
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "renderqueue")
	}
	abs, err := filepath.Abs(tempDir)
	if err != nil {
		return nil, fmt.Errorf("resolve temp directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("create temp directory: %w", err)
	}
	return &LocalStorage{tempDir: abs}, nil
}

// SaveTemp writes data to a new file named after hint and returns its path.
// A partially written file is removed on error.
func (s *LocalStorage) SaveTemp(ctx context.Context, hint string, data io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("save temp %s: %w", hint, err)
	}

	f, err := os.CreateTemp(s.tempDir, tempPattern(hint))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()

	_, copyErr := io.Copy(f, data)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write temp file %s: %w", path, err)
	}
	return path, nil
}

// CleanupTemp removes paths previously returned by SaveTemp. Missing files
// are ignored and every path is attempted; the errors are joined.
func (s *LocalStorage) CleanupTemp(ctx context.Context, paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, fmt.Errorf("cleanup temp: %w", err))...)
		}
		if !s.owns(p) {
			errs = append(errs, fmt.Errorf("%w: %s", ErrOutsideTempDir, p))
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove temp file %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// Publish always returns ErrS3NotConfigured.
func (s *LocalStorage) Publish(context.Context, string, io.Reader) (string, error) {
	return "", ErrS3NotConfigured
}

func (s *LocalStorage) owns(path string) bool {
	rel, err := filepath.Rel(s.tempDir, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// tempPattern turns hint into an os.CreateTemp pattern without separators.
func tempPattern(hint string) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator || r == '*' {
			return '_'
		}
		return r
	}, hint)
	if name == "" || name == "." || name == ".." {
		name = "tmp"
	}
	return name + "_*"
}
