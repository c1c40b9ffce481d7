package janitor

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// SweepResult summarizes a file sweep.
type SweepResult struct {
	DeletedFiles int
	FreedBytes   int64
}

// Sweep deletes regular files last modified before cutoff under each dir and
// removes subdirectories left empty. The dirs themselves are kept. Missing
// dirs are skipped and per-file errors are logged, not returned.
func Sweep(ctx context.Context, cutoff time.Time, logger *slog.Logger, dirs ...string) SweepResult {
	if logger == nil {
		logger = slog.Default()
	}
	var res SweepResult
	for _, dir := range dirs {
		if ctx.Err() != nil {
			break
		}
		sweepDir(ctx, dir, cutoff, logger, &res)
	}
	return res
}

func sweepDir(ctx context.Context, dir string, cutoff time.Time, logger *slog.Logger, res *SweepResult) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("failed to read directory", slog.String("path", dir), slog.String("error", err.Error()))
		}
		return
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		path := filepath.Join(dir, e.Name())

		if e.IsDir() {
			sweepDir(ctx, path, cutoff, logger, res)
			if rest, err := os.ReadDir(path); err == nil && len(rest) == 0 {
				if err := os.Remove(path); err == nil {
					logger.Debug("removed empty directory", slog.String("path", path))
				}
			}
			continue
		}
		if !e.Type().IsRegular() {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			logger.Warn("failed to delete old file", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		res.DeletedFiles++
		res.FreedBytes += info.Size()
		logger.Debug("deleted old file", slog.String("path", path), slog.Int64("size", info.Size()))
	}
}
