package core

import (
	"time"
)

// Decision is the outcome of consulting a retry policy after a failed
// attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Abandon is the terminal decision.
var Abandon = Decision{}

// RetryPolicy decides whether a failed attempt is retried and after what
// delay. Implementations must be pure: same inputs, same decision.
type RetryPolicy interface {
	Decide(attempt, maxAttempts int, reason string) Decision
}

// ExponentialBackoff doubles the delay per attempt: base * 2^(attempt-1),
// capped at Max. This is the default policy.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (p ExponentialBackoff) Decide(attempt, maxAttempts int, reason string) Decision {
	if attempt >= maxAttempts {
		return Abandon
	}
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = 15 * time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return Decision{Retry: true, Delay: delay}
}

// FixedDelay retries after the same delay every time.
type FixedDelay struct {
	Delay time.Duration
}

func (p FixedDelay) Decide(attempt, maxAttempts int, reason string) Decision {
	if attempt >= maxAttempts {
		return Abandon
	}
	return Decision{Retry: true, Delay: p.Delay}
}

// NoRetry abandons on the first failure regardless of remaining attempts.
type NoRetry struct{}

func (NoRetry) Decide(attempt, maxAttempts int, reason string) Decision {
	return Abandon
}

// ReasonFilter abandons immediately on the listed failure reasons and
// defers to Inner for everything else. Useful for reasons that no retry
// can fix, like a malformed instruction.
type ReasonFilter struct {
	Abandon []string
	Inner   RetryPolicy
}

func (p ReasonFilter) Decide(attempt, maxAttempts int, reason string) Decision {
	for _, r := range p.Abandon {
		if r == reason {
			return Abandon
		}
	}
	if p.Inner == nil {
		return Abandon
	}
	return p.Inner.Decide(attempt, maxAttempts, reason)
}
