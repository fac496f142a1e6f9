// Package retry provides exponential-backoff retries for remote calls.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the delay before the first retry; it doubles per attempt.
	BaseDelay time.Duration
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 2,
		BaseDelay:  250 * time.Millisecond,
	}
}

// StatusError carries an HTTP status code so the classifier can decide
// whether the call is worth retrying.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return e.Message
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// retryableNetworkCodes are raw error fragments considered transient.
var retryableNetworkCodes = []string{
	"ECONNRESET",
	"ETIMEDOUT",
	"ENOTFOUND",
	"EAI_AGAIN",
	"connection reset",
	"connection refused",
	"i/o timeout",
	"no such host",
}

// IsRetryable reports whether an error is worth retrying: HTTP 429, any
// HTTP >= 500, or a transient network failure. Everything else is
// surfaced immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}

	var status *StatusError
	if errors.As(err, &status) {
		return status.StatusCode == 429 || status.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	for _, code := range retryableNetworkCodes {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

// Do executes op, retrying retryable failures with exponential backoff
// (BaseDelay * 2^attempt). The last error is returned when retries are
// exhausted.
func Do(ctx context.Context, cfg Config, op func() error) error {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}

	var err error
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = op()
		if err == nil {
			return nil
		}
		if attempt >= cfg.MaxRetries || !IsRetryable(err) {
			return err
		}

		delay := cfg.BaseDelay << uint(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// DoWithValue executes an operation returning a value with retries.
func DoWithValue[T any](ctx context.Context, cfg Config, op func() (T, error)) (T, error) {
	var value T
	err := Do(ctx, cfg, func() error {
		var opErr error
		value, opErr = op()
		return opErr
	})
	return value, err
}
