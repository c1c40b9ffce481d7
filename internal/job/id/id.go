// Package id provides unique identifier generation for jobs.
package id

import (
	"github.com/google/uuid"
)

// Generate creates a new unique job ID.
// Format: random UUID v4, e.g. 3f2b8c1e-6d0a-4b8f-9a7e-2c1d5e4f6a7b
func Generate() string {
	return uuid.NewString()
}

// Valid reports whether s is usable as a caller-supplied job ID.
// IDs end up in Redis keys and output file names, so separators are rejected.
func Valid(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return s != "." && s != ".."
}
