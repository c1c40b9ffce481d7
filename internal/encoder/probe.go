package encoder

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Prober measures media durations.
type Prober interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// FFprobe implements Prober with the ffprobe CLI.
type FFprobe struct {
	// path is the ffprobe binary. Defaults to "ffprobe".
	path string
}

// NewFFprobe creates an FFprobe.
// If path is empty, it defaults to "ffprobe" (found via PATH).
func NewFFprobe(path string) *FFprobe {
	if path == "" {
		path = "ffprobe"
	}
	return &FFprobe{path: path}
}

// Duration returns the container duration of path in seconds.
func (p *FFprobe) Duration(ctx context.Context, path string) (float64, error) {
	// #nosec G204 - binary path comes from configuration
	cmd := exec.CommandContext(ctx, p.path,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		path,
	)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return 0, fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration: %w", err)
	}
	return duration, nil
}
