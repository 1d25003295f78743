package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"validation", NewValidationError("bad request", nil), ClassValidation},
		{"rule", NewRuleError("r1", "render failed", nil), ClassRule},
		{"transient", NewTransientError("timeout", nil), ClassTransient},
		{"throttled", NewThrottledError("rate limited", nil), ClassThrottled},
		{"permanent", NewPermanentError("duplicate", nil), ClassPermanent},
		{"compensation", NewCompensationError("undo failed", nil), ClassCompensation},
		{"expired", NewExpiredError("deadline passed"), ClassExpired},
		{"wrapped", fmt.Errorf("dispatch: %w", NewTransientError("timeout", nil)), ClassTransient},
		{"plain error", errors.New("something"), ClassPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewTransientError("timeout", nil)) {
		t.Fatal("transient should be retryable")
	}
	if !IsRetryable(NewThrottledError("slow down", nil)) {
		t.Fatal("throttled should be retryable")
	}
	if IsRetryable(NewPermanentError("duplicate", nil)) {
		t.Fatal("permanent should not be retryable")
	}
	if IsRetryable(NewValidationError("bad", nil)) {
		t.Fatal("validation should not be retryable")
	}
}

func TestErrorMessageCarriesContext(t *testing.T) {
	err := NewPermanentError("duplicate key", errors.New("pq: unique violation")).
		WithCode(CodeDuplicateKey).
		WithTarget("sql")

	msg := err.Error()
	for _, want := range []string{"permanent", "duplicate key", "target=sql", "unique violation"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}

	var e *Error
	if !errors.As(fmt.Errorf("apply: %w", err), &e) {
		t.Fatal("errors.As failed through wrapping")
	}
	if e.Code != CodeDuplicateKey || e.Target != "sql" {
		t.Fatalf("got %+v", e)
	}
}

func TestThrottledBackoffIsLonger(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Hour}

	transient := policy.backoff(0, NewTransientError("timeout", nil))
	throttled := policy.backoff(0, NewThrottledError("rate limited", nil))
	if throttled <= transient {
		t.Fatalf("throttled backoff %v not longer than transient %v", throttled, transient)
	}
}

func TestBackoffRespectsCap(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 2 * time.Second}
	// Jitter adds at most 25 percent on top of the capped delay.
	if d := policy.backoff(8, NewTransientError("timeout", nil)); d > 2*time.Second+2*time.Second/4 {
		t.Fatalf("backoff %v exceeds cap", d)
	}
}
