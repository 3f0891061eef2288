package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

const retryTestPrefix = "retry:retry_test"

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, Timeout: time.Second, Backoff: BackoffFixed}
}

func TestRun_SucceedsAfterFailures(t *testing.T) {
	var calls int32
	got, err := Run(context.Background(), fastPolicy(5), "flaky", func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", errors.New("not yet")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("%s - Run failed: %v", retryTestPrefix, err)
	}
	if got != "ok" {
		t.Errorf("%s - got %q, want ok", retryTestPrefix, got)
	}
	if calls != 3 {
		t.Errorf("%s - calls = %d, want 3", retryTestPrefix, calls)
	}
}

func TestRun_ExhaustedWrapsLastError(t *testing.T) {
	var calls int32
	last := errors.New("boom 3")
	_, err := Run(context.Background(), fastPolicy(3), "always-fails", func(ctx context.Context) (int, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 3 {
			return 42, last
		}
		return 42, errors.New("boom")
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("%s - expected ErrExhausted, got %v", retryTestPrefix, err)
	}
	if !errors.Is(err, last) {
		t.Errorf("%s - expected last error to be wrapped, got %v", retryTestPrefix, err)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("%s - expected *ExhaustedError, got %T", retryTestPrefix, err)
	}
	if exhausted.Attempts != 3 || exhausted.Op != "always-fails" {
		t.Errorf("%s - got %+v", retryTestPrefix, exhausted)
	}
	if calls != 3 {
		t.Errorf("%s - calls = %d, want 3", retryTestPrefix, calls)
	}
}

func TestRun_ZeroValueOnFailure(t *testing.T) {
	got, err := Run(context.Background(), fastPolicy(2), "partial", func(ctx context.Context) ([]int, error) {
		return []int{1, 2}, errors.New("partial")
	})
	if err == nil {
		t.Fatalf("%s - expected error", retryTestPrefix)
	}
	if got != nil {
		t.Errorf("%s - partial result leaked: %v", retryTestPrefix, got)
	}
}

func TestRun_AttemptTimeout(t *testing.T) {
	p := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Timeout: 20 * time.Millisecond, Backoff: BackoffFixed}
	start := time.Now()
	err := Do(context.Background(), p, "hangs", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("%s - expected ErrTimeout, got %v", retryTestPrefix, err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("%s - took %s, timeout not enforced", retryTestPrefix, elapsed)
	}
}

func TestRun_TimeoutIgnoringContext(t *testing.T) {
	p := Policy{MaxAttempts: 1, Timeout: 10 * time.Millisecond, Backoff: BackoffFixed}
	release := make(chan struct{})
	defer close(release)
	err := Do(context.Background(), p, "ignores-ctx", func(ctx context.Context) error {
		<-release
		return nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("%s - expected ErrTimeout, got %v", retryTestPrefix, err)
	}
}

func TestRun_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	p := Policy{MaxAttempts: 10, BaseDelay: time.Hour, Timeout: time.Second, Backoff: BackoffFixed}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, p, "cancelled", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("%s - expected context.Canceled, got %v", retryTestPrefix, err)
	}
	if calls != 1 {
		t.Errorf("%s - calls = %d, want 1", retryTestPrefix, calls)
	}
}

func TestRun_PermanentStopsImmediately(t *testing.T) {
	var calls int32
	cause := errors.New("bad input")
	err := Do(context.Background(), fastPolicy(5), "permanent", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return Permanent(cause)
	})
	if err != cause {
		t.Errorf("%s - err = %v, want %v", retryTestPrefix, err, cause)
	}
	if calls != 1 {
		t.Errorf("%s - calls = %d, want 1", retryTestPrefix, calls)
	}
}

func TestRun_PanicBecomesError(t *testing.T) {
	err := Do(context.Background(), fastPolicy(1), "panics", func(ctx context.Context) error {
		panic("adapter exploded")
	})
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("%s - expected ErrExhausted, got %v", retryTestPrefix, err)
	}
}

func TestPolicy_Delay(t *testing.T) {
	tests := []struct {
		name    string
		backoff Backoff
		attempt int
		want    time.Duration
	}{
		{"fixed first", BackoffFixed, 1, 100 * time.Millisecond},
		{"fixed fourth", BackoffFixed, 4, 100 * time.Millisecond},
		{"exponential first", BackoffExponential, 1, 100 * time.Millisecond},
		{"exponential second", BackoffExponential, 2, 200 * time.Millisecond},
		{"exponential fourth", BackoffExponential, 4, 800 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, Backoff: tt.backoff}
			if got := p.Delay(tt.attempt); got != tt.want {
				t.Errorf("%s - Delay(%d) = %s, want %s", retryTestPrefix, tt.attempt, got, tt.want)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	tests := []struct {
		family   Family
		attempts int
		backoff  Backoff
	}{
		{FamilyDetect, 10, BackoffFixed},
		{FamilyInject, 3, BackoffFixed},
		{FamilyCommunicate, 5, BackoffExponential},
		{FamilyQuery, 3, BackoffFixed},
	}
	for _, tt := range tests {
		p := Defaults(tt.family)
		if p.MaxAttempts != tt.attempts || p.Backoff != tt.backoff {
			t.Errorf("%s - Defaults(%s) = %s", retryTestPrefix, tt.family, p)
		}
		if err := p.Validate(); err != nil {
			t.Errorf("%s - Defaults(%s) invalid: %v", retryTestPrefix, tt.family, err)
		}
	}
}

func TestParseBackoff(t *testing.T) {
	if b, err := ParseBackoff("Exponential"); err != nil || b != BackoffExponential {
		t.Errorf("%s - ParseBackoff(Exponential) = %q, %v", retryTestPrefix, b, err)
	}
	if _, err := ParseBackoff("linear"); err == nil {
		t.Errorf("%s - expected error for linear", retryTestPrefix)
	}
}
