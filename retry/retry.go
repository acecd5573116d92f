// Package retry runs an operation repeatedly until it succeeds, the
// attempts are exhausted, or the error is marked permanent. Waits between
// attempts grow exponentially with a small random jitter.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseWait   = 1 * time.Second
	DefaultMaxWait    = 5 * time.Minute
)

// Option configures a call to Do.
type Option func(*settings)

type settings struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
}

// WithMaxRetries sets the total number of attempts.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.maxRetries = n }
}

// WithBaseWait sets the wait before the second attempt; later waits double
// from there.
func WithBaseWait(d time.Duration) Option {
	return func(s *settings) { s.baseWait = d }
}

// WithMaxWait caps the wait between attempts.
func WithMaxWait(d time.Duration) Option {
	return func(s *settings) { s.maxWait = d }
}

// Do invokes fn until it returns nil, a permanent error, a non-retryable
// API status, or attempts run out. The context cancels waiting between
// attempts.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	s := &settings{
		maxRetries: DefaultMaxRetries,
		baseWait:   DefaultBaseWait,
		maxWait:    DefaultMaxWait,
	}
	for _, opt := range opts {
		opt(s)
	}

	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(s.baseWait) * math.Pow(2, float64(attempt-1)))
			if backoff > s.maxWait {
				backoff = s.maxWait
			}
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsPermanent(err) {
			return err
		}
		var apiErr APIError
		if errors.As(err, &apiErr) && !ShouldRetry(apiErr.StatusCode()) {
			return err
		}
	}
	return lastErr
}

// APIError is implemented by errors that carry an HTTP status code.
type APIError interface {
	error
	StatusCode() int
}

// ShouldRetry reports whether the given HTTP status code is worth retrying.
func ShouldRetry(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || // 429
		statusCode == http.StatusInternalServerError || // 500
		statusCode == http.StatusServiceUnavailable || // 503
		statusCode == http.StatusGatewayTimeout || // 504
		statusCode == 520 // Cloudflare
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// MarkPermanent wraps err so Do stops retrying and returns it immediately.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
