package core

import (
	"testing"
	"time"
)

func TestExponentialBackoffDelays(t *testing.T) {
	t.Parallel()
	p := ExponentialBackoff{Base: 100 * time.Millisecond, Max: 500 * time.Millisecond}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 500 * time.Millisecond}, // capped
		{5, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		d := p.Decide(tt.attempt, 10, "flaky")
		if !d.Retry {
			t.Fatalf("attempt %d: expected retry", tt.attempt)
		}
		if d.Delay != tt.want {
			t.Errorf("attempt %d: got delay %v, want %v", tt.attempt, d.Delay, tt.want)
		}
	}
}

func TestExponentialBackoffNonDecreasing(t *testing.T) {
	t.Parallel()
	p := ExponentialBackoff{Base: 7 * time.Millisecond, Max: time.Second}
	prev := time.Duration(0)
	for attempt := 1; attempt < 20; attempt++ {
		d := p.Decide(attempt, 100, "")
		if d.Delay < prev {
			t.Fatalf("attempt %d: delay %v decreased below %v", attempt, d.Delay, prev)
		}
		prev = d.Delay
	}
}

func TestExponentialBackoffDefaults(t *testing.T) {
	t.Parallel()
	d := ExponentialBackoff{}.Decide(1, 3, "")
	if !d.Retry || d.Delay != 500*time.Millisecond {
		t.Errorf("zero-value policy: got %+v, want retry with 500ms", d)
	}
}

func TestRetryExhaustion(t *testing.T) {
	t.Parallel()
	policies := map[string]RetryPolicy{
		"exponential": ExponentialBackoff{Base: time.Millisecond},
		"fixed":       FixedDelay{Delay: time.Millisecond},
	}
	for name, p := range policies {
		// attempt < maxAttempts retries; attempt == maxAttempts abandons,
		// so a task gets exactly maxAttempts executions.
		if d := p.Decide(2, 3, ""); !d.Retry {
			t.Errorf("%s: attempt 2 of 3 should retry", name)
		}
		if d := p.Decide(3, 3, ""); d.Retry {
			t.Errorf("%s: attempt 3 of 3 should abandon", name)
		}
	}
}

func TestNoRetry(t *testing.T) {
	t.Parallel()
	if d := (NoRetry{}).Decide(1, 10, ""); d.Retry {
		t.Error("NoRetry should abandon on first failure")
	}
}

func TestReasonFilter(t *testing.T) {
	t.Parallel()
	p := ReasonFilter{
		Abandon: []string{"invalid instruction"},
		Inner:   FixedDelay{Delay: time.Millisecond},
	}

	if d := p.Decide(1, 3, "invalid instruction"); d.Retry {
		t.Error("listed reason should abandon immediately")
	}
	if d := p.Decide(1, 3, "flaky network"); !d.Retry {
		t.Error("unlisted reason should defer to inner policy")
	}
	if d := (ReasonFilter{}).Decide(1, 3, "anything"); d.Retry {
		t.Error("nil inner policy should abandon")
	}
}
