package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	defaultUserAgent      = "VideoRenderWorker/1.0"
	maxErrorBody          = 512
)

// Static errors for webhook delivery.
var (
	// ErrWebhookURLRequired is returned when no URL is configured.
	ErrWebhookURLRequired = errors.New("notify: webhook URL is required")
	// ErrDeliveryFailed is the class of every DeliveryError.
	ErrDeliveryFailed = errors.New("notify: webhook delivery failed")
)

// DeliveryError describes a webhook call that did not succeed.
type DeliveryError struct {
	JobID string
	// StatusCode is 0 for transport errors.
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s for job %s: status %d: %v", ErrDeliveryFailed, e.JobID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s for job %s: %v", ErrDeliveryFailed, e.JobID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Is reports ErrDeliveryFailed as the error class.
func (e *DeliveryError) Is(target error) bool { return target == ErrDeliveryFailed }

// retryable reports whether another delivery attempt could succeed.
func (e *DeliveryError) retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// WebhookSink POSTs events as JSON.
type WebhookSink struct {
	url         string
	userAgent   string
	httpClient  *http.Client
	maxRetries  int
	baseBackoff time.Duration
}

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(s *WebhookSink) {
		s.httpClient = c
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) WebhookOption {
	return func(s *WebhookSink) {
		s.userAgent = ua
	}
}

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n int) WebhookOption {
	return func(s *WebhookSink) {
		s.maxRetries = n
	}
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) WebhookOption {
	return func(s *WebhookSink) {
		s.baseBackoff = d
	}
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url string, opts ...WebhookOption) (*WebhookSink, error) {
	if url == "" {
		return nil, ErrWebhookURLRequired
	}

	s := &WebhookSink{
		url:         url,
		userAgent:   defaultUserAgent,
		httpClient:  &http.Client{Timeout: defaultWebhookTimeout},
		maxRetries:  0,
		baseBackoff: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Notify implements Sink.
func (s *WebhookSink) Notify(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return &DeliveryError{JobID: e.JobID, Err: fmt.Errorf("marshal event: %w", err)}
	}

	var lastErr *DeliveryError
	backoff := s.baseBackoff
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &DeliveryError{JobID: e.JobID, Err: ctx.Err()}
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		lastErr = s.post(ctx, e.JobID, body)
		if lastErr == nil {
			return nil
		}
		if !lastErr.retryable() {
			break
		}
	}
	return lastErr
}

func (s *WebhookSink) post(ctx context.Context, jobID string, body []byte) *DeliveryError {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{JobID: jobID, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &DeliveryError{JobID: jobID, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &DeliveryError{JobID: jobID, StatusCode: resp.StatusCode, Err: errors.New(string(bytes.TrimSpace(msg)))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
