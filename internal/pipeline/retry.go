package pipeline

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy controls how transient completion failures are retried
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetryPolicy returns 2 retries starting at 500ms, capped at 10s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Backoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second}
}

// Delay returns the wait after the given failed attempt (1-based):
// Backoff doubled per attempt, capped at MaxBackoff.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	const maxShift = 30

	delay := p.Backoff
	for i := 1; i < attempt && i < maxShift; i++ {
		delay *= 2
		if p.MaxBackoff > 0 && delay > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

type temporary interface {
	Temporary() bool
}

type timeout interface {
	Timeout() bool
}

type transientError struct {
	err error
}

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Temporary() bool { return true }

// Transient marks err as retryable
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is worth retrying. Errors reporting
// Temporary() and network timeouts are transient. Context errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	var to timeout
	if errors.As(err, &to) {
		return to.Timeout()
	}
	return false
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
