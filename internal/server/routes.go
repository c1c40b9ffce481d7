package server

import (
	"log/slog"
	"net/http"
)

// defaultMaxBodyBytes bounds submission bodies.
const defaultMaxBodyBytes = 1 << 20

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
	// MaxBodyBytes caps request bodies. Zero disables the cap.
	MaxBodyBytes int64
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
		MaxBodyBytes:   defaultMaxBodyBytes,
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /jobs", h.CreateJob)
	mux.HandleFunc("GET /jobs", h.ListJobs)
	mux.HandleFunc("GET /jobs/{id}", h.GetJob)
	mux.HandleFunc("DELETE /jobs/{id}", h.CancelJob)
	mux.HandleFunc("GET /queue/stats", h.QueueStats)
	if h.outputsDir != "" {
		mux.HandleFunc("GET /download/{file}", h.Download)
	}

	chain := ChainMiddleware(
		RequestIDMiddleware(),
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
		BodyLimitMiddleware(cfg.MaxBodyBytes),
	)

	return chain(mux)
}
