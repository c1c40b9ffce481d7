package encoder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/maauso/renderqueue/internal/job"
)

// ErrFFprobeExecution is returned when ffprobe fails.
var ErrFFprobeExecution = errors.New("ffprobe execution failed")

// EncodingError reports a nonzero ffmpeg exit with the captured diagnostics.
type EncodingError struct {
	ExitCode    int
	Diagnostics string
	Err         error
}

func (e *EncodingError) Error() string {
	msg := fmt.Sprintf("ffmpeg exited with code %d", e.ExitCode)
	if last := lastLine(e.Diagnostics); last != "" {
		msg += ": " + last
	}
	return msg
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// Is reports job.ErrEncoding as the error class.
func (e *EncodingError) Is(target error) bool {
	return target == job.ErrEncoding
}

// ProcessLaunchError reports that the encoder binary could not be started.
type ProcessLaunchError struct {
	Path string
	Err  error
}

func (e *ProcessLaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Path, e.Err)
}

func (e *ProcessLaunchError) Unwrap() error {
	return e.Err
}

// Is reports job.ErrProcessLaunch as the error class.
func (e *ProcessLaunchError) Is(target error) bool {
	return target == job.ErrProcessLaunch
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
