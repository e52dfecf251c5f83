package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mescon/Requestarr/internal/logger"
)

const defaultMaxRetries = 3

// retryBackoff is the pause before retry attempt n (0-based). Tests shorten it.
var retryBackoff = func(attempt int) time.Duration {
	return time.Duration(attempt+1) * 2 * time.Second
}

var (
	// ErrNotFound is matched by a StatusError carrying a 404.
	ErrNotFound = errors.New("not found")
	// ErrNotConfigured is returned by a client whose URL or key is unset.
	ErrNotConfigured = errors.New("provider not configured")
)

// StatusError is a non-2xx response from a provider.
type StatusError struct {
	Provider   string
	Method     string
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s %s returned %d", e.Provider, e.Method, e.Endpoint, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// isRetryableError checks if an error is a transient network error worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if os.IsTimeout(err) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"i/o timeout",
		"eof",
		"connection timed out",
		"temporary failure",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// transport performs JSON calls against one provider, sharing the process
// rate limiter and guarded by that provider's circuit breaker.
type transport struct {
	name       string
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	breaker    *CircuitBreaker
	authorize  func(*http.Request)
	maxRetries int
}

func newTransport(name, baseURL string, limiter *RateLimiter, breakers *CircuitBreakerRegistry, authorize func(*http.Request)) *transport {
	return &transport{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    limiter,
		breaker:    breakers.Get(name),
		authorize:  authorize,
		maxRetries: defaultMaxRetries,
	}
}

// apiKeyHeader authorizes *arr requests.
func apiKeyHeader(key string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("X-Api-Key", key)
	}
}

// do sends one request, retrying 5xx responses and transient network errors,
// and decodes a successful body into out when out is non-nil.
func (t *transport) do(ctx context.Context, method, endpoint string, bodyData, out interface{}) error {
	if t.baseURL == "" {
		return fmt.Errorf("%s: %w", t.name, ErrNotConfigured)
	}
	if !t.breaker.Allow() {
		logger.Warnf("Circuit breaker OPEN for %s - rejecting request to %s", t.name, endpoint)
		return fmt.Errorf("%w: %s is unhealthy", ErrCircuitOpen, t.name)
	}

	var payload []byte
	if bodyData != nil {
		var err error
		if payload, err = json.Marshal(bodyData); err != nil {
			return fmt.Errorf("failed to encode %s request: %w", t.name, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < t.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, retryBackoff(attempt-1)); err != nil {
				t.breaker.RecordFailure()
				return fmt.Errorf("%s request cancelled: %w", t.name, err)
			}
		}

		if err := t.limiter.Wait(ctx); err != nil {
			t.breaker.RecordFailure()
			return fmt.Errorf("rate limiter timeout: %w", err)
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, t.baseURL+endpoint, body)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if t.authorize != nil {
			t.authorize(req)
		}

		resp, err := t.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil || !isRetryableError(err) {
				t.breaker.RecordFailure()
				return fmt.Errorf("%s request failed: %w", t.name, err)
			}
			logger.Infof("%s request failed (attempt %d/%d): %v, retrying...", t.name, attempt+1, t.maxRetries, err)
			continue
		}

		if resp.StatusCode >= 500 {
			drain(resp)
			lastErr = &StatusError{Provider: t.name, Method: method, Endpoint: endpoint, StatusCode: resp.StatusCode}
			logger.Infof("%s returned %d, retrying (%d/%d)...", t.name, resp.StatusCode, attempt+1, t.maxRetries)
			continue
		}

		// Anything below 500 means the provider is up.
		t.breaker.RecordSuccess()
		return decodeResponse(t.name, method, endpoint, resp, out)
	}

	t.breaker.RecordFailure()
	logger.Warnf("%s unavailable after %d attempts - recording circuit breaker failure", t.name, t.maxRetries)
	return fmt.Errorf("%s unavailable after %d attempts: %w", t.name, t.maxRetries, lastErr)
}

func decodeResponse(name, method, endpoint string, resp *http.Response, out interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Provider:   name,
			Method:     method,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		drain(resp)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response from %s: %w", name, endpoint, err)
	}
	return nil
}

// drain discards and closes a body so the connection can be reused.
func drain(resp *http.Response) {
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		logger.Debugf("Failed to drain response body: %v", err)
	}
	if err := resp.Body.Close(); err != nil {
		logger.Debugf("Failed to close response body: %v", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
