package clients

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"syscall"
	"time"

	"github.com/ajitpratap0/legacysync/pkg/syncerrors"
)

// RetryExhaustedError is returned when a call fails with a non-retryable
// error or on its last attempt
type RetryExhaustedError struct {
	Attempts int
	LastErr  error
}

// Error implements the error interface
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s: failed after %d attempt(s): %v", syncerrors.ErrorTypeRetryExhausted, e.Attempts, e.LastErr)
}

// Unwrap returns the last attempt's error
func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

// SleepFunc waits for d. It returns early with ctx's error when ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryPolicy defines retry behavior
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// RetryableStatuses are the HTTP statuses worth retrying
	RetryableStatuses []int

	// Classifier overrides the default retryable check when set
	Classifier func(error) bool

	// Sleep overrides the timer-based wait when set
	Sleep SleepFunc

	// OnRetry is called before each backoff sleep
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy returns the policy used against the legacy source
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:       10,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          500 * time.Millisecond,
		Multiplier:        1.5,
		RetryableStatuses: []int{429, 500, 502, 503, 504},
	}
}

// Execute runs fn until it succeeds, fails with a non-retryable error or
// runs out of attempts. Failures are reported as *RetryExhaustedError.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, rp, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry is the value-returning form of RetryPolicy.Execute
func Retry[T any](ctx context.Context, rp *RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	maxAttempts := rp.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		if attempt >= maxAttempts || !rp.IsRetryable(err) {
			return zero, &RetryExhaustedError{Attempts: attempt, LastErr: err}
		}

		delay := rp.Delay(attempt)
		if rp.OnRetry != nil {
			rp.OnRetry(attempt, delay, err)
		}

		sleep := rp.Sleep
		if sleep == nil {
			sleep = timerSleep
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}
	}
}

// Delay returns the wait after the given 1-based attempt:
// min(InitialDelay * Multiplier^(attempt-1), MaxDelay)
func (rp *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt-1))
	if rp.MaxDelay > 0 && delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}
	return time.Duration(delay)
}

// IsRetryable reports whether err is worth another attempt
func (rp *RetryPolicy) IsRetryable(err error) bool {
	if rp.Classifier != nil {
		return rp.Classifier(err)
	}

	if code := syncerrors.StatusCode(err); code != 0 {
		for _, s := range rp.RetryableStatuses {
			if s == code {
				return true
			}
		}
		return false
	}

	return IsNetworkError(err)
}

// IsNetworkError reports connection refused, timed out, DNS not found and
// network unreachable failures, plus errors already classified as transient
func IsNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if syncerrors.IsType(err, syncerrors.ErrorTypeTransientNetwork) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsNotFound || dnsErr.IsTimeout) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func timerSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
