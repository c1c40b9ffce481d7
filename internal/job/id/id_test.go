package id

import (
	"testing"

	"github.com/google/uuid"
)

func TestGenerate(t *testing.T) {
	id := Generate()

	// Check format
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("expected a UUID, got %s: %v", id, err)
	}

	// Check uniqueness
	id2 := Generate()
	if id == id2 {
		t.Error("expected different IDs for consecutive calls")
	}
}

func TestGenerate_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := Generate()
		if seen[id] {
			t.Errorf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"job-1", true},
		{"render_2024.01", true},
		{Generate(), true},
		{"", false},
		{"..", false},
		{"a/b", false},
		{"a:b", false},
		{"with space", false},
	}
	for _, tt := range tests {
		if got := Valid(tt.in); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
