package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const logPrefix = "retry:retry"

var (
	// ErrExhausted is matched by every *ExhaustedError.
	ErrExhausted = errors.New("retry: attempts exhausted")
	// ErrTimeout is returned for an attempt that outlived Policy.Timeout.
	ErrTimeout = errors.New("retry: attempt timed out")
)

// ExhaustedError is the terminal error after the last attempt fails.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrExhausted, e.Last} }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Run returns it unwrapped at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Run calls op until it succeeds, the policy is exhausted, or ctx ends.
// Each attempt gets its own deadline of p.Timeout when that is positive.
func Run[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := runAttempt(ctx, p.Timeout, op)
		if err == nil {
			if attempt > 1 {
				slog.Debug(fmt.Sprintf("%s - %s succeeded on attempt %d", logPrefix, name, attempt))
			}
			return v, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		last = err

		if attempt == attempts {
			break
		}
		delay := p.Delay(attempt)
		slog.Debug(fmt.Sprintf("%s - %s attempt %d/%d failed, retrying in %s: %v", logPrefix, name, attempt, attempts, delay, err))
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	slog.Warn(fmt.Sprintf("%s - %s gave up after %d attempts: %v", logPrefix, name, attempts, last))
	return zero, &ExhaustedError{Op: name, Attempts: attempts, Last: last}
}

// Do is Run for operations without a result.
func Do(ctx context.Context, p Policy, name string, op func(ctx context.Context) error) error {
	_, err := Run(ctx, p, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

type result[T any] struct {
	v   T
	err error
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result[T]{err: fmt.Errorf("%s - operation panicked: %v", logPrefix, r)}
			}
		}()
		v, err := op(attemptCtx)
		done <- result[T]{v: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return r.v, r.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
