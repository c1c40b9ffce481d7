// Package storage provides temporary and persistent file storage capabilities.
// Temporary files hold per-attempt encoder inputs such as concat lists.
// Publishing pushes finished outputs to S3 when it is configured.
package storage

import (
	"context"
	"io"
)

// TempStore manages short-lived files owned by a single render attempt.
type TempStore interface {
	// SaveTemp saves data to a temporary file and returns the file path.
	// The name parameter is used as a hint for the filename.
	SaveTemp(ctx context.Context, name string, data io.Reader) (path string, err error)

	// CleanupTemp removes the specified temporary files.
	// It continues cleanup even if some files fail to delete.
	CleanupTemp(ctx context.Context, paths []string) error
}

// Publisher delivers finished outputs to persistent storage.
type Publisher interface {
	// Publish uploads data under key and returns the public URL.
	// Returns ErrS3NotConfigured if no remote storage is configured.
	Publish(ctx context.Context, key string, data io.Reader) (url string, err error)
}

// Storage combines temporary files and publishing.
type Storage interface {
	TempStore
	Publisher
}
