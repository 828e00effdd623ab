package ratelimit

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	// ErrRateLimited signals a downstream rate-limit response. Callers
	// wrap it so the retry loop can recognize the condition.
	ErrRateLimited = errors.New("rate limited by downstream")

	// ErrQueueClosed is returned for requests still queued when the
	// limiter stops.
	ErrQueueClosed = errors.New("rate limiter stopped")
)

// transientError marks an error as retryable with a short fixed delay.
type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return "transient: " + e.err.Error()
}

func (e *transientError) Unwrap() error {
	return e.err
}

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsRateLimited reports whether err carries a rate-limit signal.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsTransient reports whether err is worth retrying: rate limits,
// timeouts, connection resets, truncated responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimited(err) {
		return true
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
