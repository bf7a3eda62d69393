package providers

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// RetryConfig controls retry behavior for transient provider errors.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration // from Retry-After header, 0 if absent
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status warrants another attempt: rate
// limits, overload, and upstream 5xx.
func (e *HTTPError) Retryable() bool {
	switch e.Status {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// ParseRetryAfter parses a Retry-After header value (delay-seconds form).
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// RetryDo runs fn with exponential backoff and jitter. Only HTTPError
// values reporting Retryable are retried; everything else returns
// immediately. A Retry-After hint overrides the computed backoff.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.BaseDelay << (attempt - 1)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			if he, ok := lastErr.(*HTTPError); ok && he.RetryAfter > 0 {
				delay = he.RetryAfter
			}
			delay += time.Duration(rand.Int63n(int64(delay) / 4))
			slog.Debug("provider.retry", "attempt", attempt+1, "delay", delay, "err", lastErr)

			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err

		he, ok := err.(*HTTPError)
		if !ok || !he.Retryable() {
			return zero, err
		}
	}
	return zero, lastErr
}
