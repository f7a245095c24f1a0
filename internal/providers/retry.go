package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// HTTPError is a non-2xx backend response. Status decides retryability;
// Body is kept (truncated) for operator logs.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 500 {
		body = body[:500]
	}
	return fmt.Sprintf("http %d: %s", e.Status, body)
}

// Retryable reports whether the status is worth another attempt.
func (e *HTTPError) Retryable() bool {
	switch e.Status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// ParseRetryAfter converts a Retry-After header value (seconds form) to a
// duration; zero when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// RetryConfig bounds the transient-failure retry loop inside one backend call.
type RetryConfig struct {
	// Attempts is the number of retries after the first try
	// (total tries = 1 + Attempts).
	Attempts int

	// BaseDelay is the first backoff step; it doubles per attempt and
	// gains 50–100% jitter.
	BaseDelay time.Duration
}

// DefaultRetryConfig matches the production tuning: two retries, 250ms base.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 2, BaseDelay: 250 * time.Millisecond}
}

// retryable classifies an error for the retry loop. Context cancellation
// and non-retryable HTTP statuses terminate immediately; everything else
// (timeouts, connection resets, 429/5xx) earns another try.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Retryable()
	}
	return true
}

// RetryDo runs fn with bounded exponential backoff on transient failures.
// A server-provided Retry-After wins over the computed backoff when longer.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fields Fields, fn func() (T, error)) (T, error) {
	var zero T
	maxAttempts := 1 + cfg.Attempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	base := cfg.BaseDelay
	if base <= 0 {
		base = 250 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retryable(err) || attempt == maxAttempts {
			break
		}

		backoff := base << (attempt - 1)
		delay := backoff + time.Duration(float64(backoff)*(0.5+rand.Float64()*0.5))
		var he *HTTPError
		if errors.As(err, &he) && he.RetryAfter > delay {
			delay = he.RetryAfter
		}
		slog.Info("llm retry",
			"attempt", attempt,
			"backoff_ms", delay.Milliseconds(),
			"error", err,
			"channel", fields.Channel,
			"user", fields.User,
			"correlation", fields.Correlation)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, lastErr
}
