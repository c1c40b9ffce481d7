package job

import (
	"errors"
	"fmt"
)

// Sentinel errors for the render pipeline.
var (
	// ErrValidation indicates a malformed or incomplete render specification.
	ErrValidation = errors.New("invalid render specification")

	// ErrMissingVisualLayer indicates a layered clip without an image layer.
	ErrMissingVisualLayer = fmt.Errorf("%w: clip has no image layer", ErrValidation)

	// ErrMediaNotFound indicates a referenced media file does not exist.
	ErrMediaNotFound = errors.New("media file not found")

	// ErrProcessLaunch indicates the encoder process could not be started.
	ErrProcessLaunch = errors.New("encoder process launch failed")

	// ErrEncoding indicates the encoder exited with a nonzero status.
	ErrEncoding = errors.New("encoding failed")

	// ErrStalled indicates an active job made no progress within the stall timeout.
	ErrStalled = errors.New("stalled")

	// ErrAborted indicates the running attempt was cancelled.
	ErrAborted = errors.New("aborted")

	// ErrGPUUnavailable indicates a GPU job was claimed by a worker without GPU support.
	ErrGPUUnavailable = errors.New("gpu encoding not available on this worker")

	// ErrJobNotFound is returned when a job cannot be found by ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrNotActive is returned when a terminal operation targets a job that is not active.
	ErrNotActive = fmt.Errorf("%w: job is not active", ErrJobNotFound)

	// ErrInvalidTransition is returned when attempting an invalid state transition.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ValidationError describes which field of a specification is invalid.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

// Is reports ErrValidation as the error class.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// MediaNotFoundError names the missing media file.
type MediaNotFoundError struct {
	Path string
}

func (e *MediaNotFoundError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMediaNotFound, e.Path)
}

// Is reports ErrMediaNotFound as the error class.
func (e *MediaNotFoundError) Is(target error) bool {
	return target == ErrMediaNotFound
}

// IsRetryable reports whether another attempt could succeed.
// Malformed specs and a missing encoder binary never recover on their own.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrValidation) && !errors.Is(err, ErrProcessLaunch)
}
