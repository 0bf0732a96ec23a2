package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/telefabric/telefabric/core"
)

func fastRetryConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), func() error {
		calls++
		if calls < 3 {
			return core.ErrUnreachable
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), func() error {
		calls++
		return core.ErrUnreachable
	})
	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Errorf("expected max-retries error, got %v", err)
	}
	if !errors.Is(err, core.ErrUnreachable) {
		t.Errorf("exhaustion must preserve the underlying cause, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryStopsOnFatalTransport(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(5), func() error {
		calls++
		return core.ErrAuthFailed
	})
	if !errors.Is(err, core.ErrAuthFailed) {
		t.Errorf("expected auth failure surfaced, got %v", err)
	}
	if calls != 1 {
		t.Errorf("auth failure must not be retried, got %d calls", calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, fastRetryConfig(3), func() error { return core.ErrUnreachable })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context cancellation, got %v", err)
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:              "stream",
		FailureThreshold:  3,
		SleepWindow:       10 * time.Second,
		HalfOpenSuccesses: 2,
	})
	cb.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !cb.CanExecute() {
			t.Fatalf("breaker should be closed before threshold, failure %d", i)
		}
		cb.RecordFailure()
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after threshold, got %v", cb.State())
	}
	if cb.CanExecute() {
		t.Error("open breaker must reject requests")
	}

	// sleep window elapses: half-open probe allowed
	now = now.Add(11 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open after sleep window, got %v", cb.State())
	}
	if !cb.CanExecute() {
		t.Error("half-open breaker should admit probes")
	}

	cb.RecordSuccess()
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Errorf("expected closed after successful probes, got %v", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, SleepWindow: time.Second, HalfOpenSuccesses: 1})
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(2 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatal("expected half-open")
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Errorf("half-open failure should reopen, got %v", cb.State())
	}
}

func TestRetryWithCircuitBreakerShortCircuits(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, SleepWindow: time.Hour})
	calls := 0
	err := RetryWithCircuitBreaker(context.Background(), fastRetryConfig(3), cb, func() error {
		calls++
		return core.ErrUnreachable
	})
	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Errorf("unexpected error: %v", err)
	}
	// first call trips the breaker; the rest are rejected without running fn
	if calls != 1 {
		t.Errorf("expected 1 call through the tripped breaker, got %d", calls)
	}
}
