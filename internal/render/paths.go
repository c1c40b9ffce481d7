package render

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/maauso/renderqueue/internal/job"
)

// publicUploadsPrefix is the path clients use for uploaded media.
const publicUploadsPrefix = "uploads/"

// resolver maps client media paths onto the uploads root.
type resolver struct {
	root   string
	exists func(string) bool
}

// resolve accepts absolute paths already inside the root, "/uploads/..." and
// "uploads/..." public paths, and bare names relative to the root.
// Paths escaping the root are rejected.
func (r resolver) resolve(field, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", &job.ValidationError{Field: field, Reason: "path is empty"}
	}

	var full string
	if filepath.IsAbs(p) && within(r.root, filepath.Clean(p)) {
		full = filepath.Clean(p)
	} else {
		rel := strings.TrimLeft(filepath.ToSlash(p), "/")
		rel = strings.TrimPrefix(rel, publicUploadsPrefix)
		full = filepath.Join(r.root, filepath.FromSlash(rel))
	}

	if !within(r.root, full) || full == r.root {
		return "", &job.ValidationError{Field: field, Reason: "path escapes uploads directory: " + p}
	}
	return full, nil
}

// resolveExisting resolves p and checks that the file is present.
func (r resolver) resolveExisting(field, p string) (string, error) {
	full, err := r.resolve(field, p)
	if err != nil {
		return "", err
	}
	if !r.exists(full) {
		return "", &job.MediaNotFoundError{Path: full}
	}
	return full, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// fileExists reports whether path names an existing regular file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
