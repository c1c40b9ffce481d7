package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Sink receives lifecycle events.
type Sink interface {
	// Notify delivers e. Errors are informational; the job outcome never
	// depends on delivery.
	Notify(ctx context.Context, e Event) error
}

// NopSink discards every event.
type NopSink struct{}

// Notify implements Sink.
func (NopSink) Notify(context.Context, Event) error { return nil }

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Notify implements Sink.
func (s *LogSink) Notify(ctx context.Context, e Event) error {
	attrs := []slog.Attr{
		slog.String("job_id", e.JobID),
		slog.String("status", string(e.Status)),
		slog.String("worker_id", e.WorkerID),
	}
	switch e.Status {
	case StatusProgress:
		attrs = append(attrs, slog.Int("progress", e.Progress))
	case StatusCompleted:
		attrs = append(attrs,
			slog.String("output", e.OutputFile),
			slog.String("download_url", e.DownloadURL),
			slog.Int64("render_time_ms", e.RenderTime),
		)
	case StatusFailed:
		attrs = append(attrs, slog.String("error", e.Error), slog.Int("attempts", e.Attempts))
		if e.Retryable != nil {
			attrs = append(attrs, slog.Bool("retryable", *e.Retryable))
		}
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "job event", attrs...)
	return nil
}

type multiSink []Sink

// Multi fans events out to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	var flat multiSink
	for _, s := range sinks {
		if s != nil {
			flat = append(flat, s)
		}
	}
	return flat
}

func (m multiSink) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
