package processing

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/ztaylor54/kopf/internal/primitives"
	"github.com/ztaylor54/kopf/internal/types"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	defaultRetryBackoff   = time.Second
	maxRetries            = 2
	userAgent             = "kopf-controller/v1"
	envelopeType          = "kopf.object.event"
)

// WebhookEnvelope is the JSON payload POSTed to webhook endpoints.
type WebhookEnvelope struct {
	// Type identifies the payload kind.
	Type string `json:"type"`
	// SchemaVersion allows consumers to detect breaking changes.
	SchemaVersion string `json:"schemaVersion"`
	// Timestamp is the RFC3339 time the payload was sent.
	Timestamp string `json:"timestamp"`
	// Data is the delivered object event.
	Data EventPayload `json:"data"`
}

// EventPayload describes one delivered object event.
type EventPayload struct {
	// EventType is ADDED, MODIFIED, DELETED, or empty for listed objects.
	EventType       string                 `json:"eventType"`
	APIVersion      string                 `json:"apiVersion"`
	Kind            string                 `json:"kind"`
	Namespace       string                 `json:"namespace,omitempty"`
	Name            string                 `json:"name"`
	UID             string                 `json:"uid"`
	ResourceVersion string                 `json:"resourceVersion"`
	Object          map[string]interface{} `json:"object"`
}

// WebhookConfig holds the configuration for creating a WebhookProcessor.
type WebhookConfig struct {
	URL                string
	TimeoutSeconds     int
	InsecureSkipVerify bool
	// AuthToken is sent as a bearer token when set.
	AuthToken string
	// RateLimitPerMinute caps deliveries per namespace. Zero disables limiting.
	RateLimitPerMinute int
}

// WebhookProcessor POSTs every delivered event to an HTTP endpoint.
//
// Transient failures (connection errors, 5xx) are retried with a linear
// backoff. Retries are abandoned as soon as a fresher event of the same object
// is queued, since that event will be delivered next anyway. Delivery failures
// are logged and never returned.
type WebhookProcessor struct {
	httpClient *http.Client
	logger     *zap.Logger
	url        string
	authToken  string
	limiter    *nsRateLimiter
	backoff    time.Duration
}

// NewWebhookProcessor creates a WebhookProcessor. Returns an error if the URL is invalid.
func NewWebhookProcessor(logger *zap.Logger, cfg WebhookConfig) (*WebhookProcessor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook URL must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("webhook URL must include a host")
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = defaultWebhookTimeout
	}

	logger = logger.Named("webhook-processor")
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // user-configured
		logger.Warn("Webhook TLS certificate verification is disabled, this is insecure",
			zap.String("url", RedactURL(cfg.URL)))
	}

	var limiter *nsRateLimiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = newNsRateLimiter(cfg.RateLimitPerMinute)
	}

	return &WebhookProcessor{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger:    logger,
		url:       cfg.URL,
		authToken: cfg.AuthToken,
		limiter:   limiter,
		backoff:   defaultRetryBackoff,
	}, nil
}

// Process implements queueing.Processor.
func (wp *WebhookProcessor) Process(ctx context.Context, event types.RawEvent, replenished *primitives.Flag) error {
	ns := event.Namespace()
	if wp.limiter != nil && !wp.limiter.Allow(ns) {
		webhookSendTotal.WithLabelValues("rate_limited").Inc()
		wp.logger.Debug("Namespace rate limited", zap.String("namespace", ns))
		return nil
	}

	envelope := WebhookEnvelope{
		Type:          envelopeType,
		SchemaVersion: "1",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Data: EventPayload{
			EventType:       string(event.Type),
			APIVersion:      event.APIVersion(),
			Kind:            event.Kind(),
			Namespace:       ns,
			Name:            event.Name(),
			UID:             event.UID(),
			ResourceVersion: event.ResourceVersion(),
			Object:          event.Object,
		},
	}

	err := wp.send(ctx, envelope, replenished)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, errSuperseded):
		wp.logger.Debug("Webhook delivery superseded by a fresher event",
			zap.String("uid", envelope.Data.UID))
		return nil
	default:
		wp.logger.Error("Webhook send failed",
			zap.String("url", RedactURL(wp.url)),
			zap.String("uid", envelope.Data.UID),
			zap.Error(err),
		)
		return nil
	}
}

var errSuperseded = errors.New("superseded by a fresher event")

// send performs the HTTP POST with retry logic.
func (wp *WebhookProcessor) send(ctx context.Context, envelope WebhookEnvelope, replenished *primitives.Flag) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		webhookSendTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries + 1 {
		if attempt > 0 {
			if replenished != nil && replenished.IsSet() {
				webhookSendTotal.WithLabelValues("superseded").Inc()
				return errSuperseded
			}
			// Linear backoff: 1x, 2x.
			timer := time.NewTimer(time.Duration(attempt) * wp.backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				webhookSendTotal.WithLabelValues("error").Inc()
				return fmt.Errorf("context cancelled during backoff: %w", ctx.Err())
			}
			webhookSendTotal.WithLabelValues("retry").Inc()
		}

		lastErr = wp.post(ctx, body)
		if lastErr == nil {
			return nil
		}

		// Only retry on transient errors (5xx, connection issues).
		if !isRetryable(lastErr) {
			webhookSendTotal.WithLabelValues("error").Inc()
			return lastErr
		}

		wp.logger.Debug("Webhook send transient failure, will retry",
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}

	webhookSendTotal.WithLabelValues("error").Inc()
	return fmt.Errorf("webhook send failed after %d attempts: %w", maxRetries+1, lastErr)
}

// post executes a single HTTP POST request.
func (wp *WebhookProcessor) post(ctx context.Context, body []byte) error {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wp.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if wp.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+wp.authToken)
	}

	resp, err := wp.httpClient.Do(req)
	duration := time.Since(start).Seconds()
	if err != nil {
		webhookSendDuration.WithLabelValues("error").Observe(duration)
		return &webhookError{err: err, retryable: true}
	}
	defer func() {
		// Drain and close body to reuse connections.
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		webhookSendTotal.WithLabelValues("success").Inc()
		webhookSendDuration.WithLabelValues("success").Observe(duration)
		return nil
	}

	webhookSendDuration.WithLabelValues("error").Observe(duration)
	return &webhookError{
		err:       fmt.Errorf("webhook returned HTTP %d", resp.StatusCode),
		retryable: resp.StatusCode >= 500,
	}
}

// webhookError wraps an error with a retryable flag.
type webhookError struct {
	err       error
	retryable bool
}

func (e *webhookError) Error() string { return e.err.Error() }
func (e *webhookError) Unwrap() error { return e.err }

// isRetryable returns true if the error is a transient failure worth retrying.
func isRetryable(err error) bool {
	var we *webhookError
	if errors.As(err, &we) {
		return we.retryable
	}
	return true
}

// RedactURL masks credentials in a URL for safe logging.
// It redacts userinfo passwords and query parameter values.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid-url>"
	}
	redacted := u.Redacted()
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			q.Set(key, "REDACTED")
		}
		r, err := url.Parse(redacted)
		if err != nil {
			return redacted
		}
		r.RawQuery = q.Encode()
		return r.String()
	}
	return redacted
}
