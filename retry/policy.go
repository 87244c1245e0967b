// Package retry computes the redelivery policy for failed handler
// invocations: how long to wait before the next attempt, and when to give
// up and route to a dead-letter endpoint instead. Grounded on the module's
// backoff-loop pattern, but retargeted from an in-process retry loop to an
// at-least-once messaging setting — a "retry" here is a delayed republish
// of the same envelope, not a blocking re-call.
package retry

import (
	"time"
)

// BackoffKind selects how the delay grows between attempts.
type BackoffKind int

const (
	Linear BackoffKind = iota
	Exponential
)

// Policy is the backoff/giveup schedule the bus applies to a failed
// delivery. MaxAttempts bounds the total number of delivery attempts, the
// first delivery included: once attempt MaxAttempts fails, the envelope is
// routed to the dead-letter endpoint instead of retried again; zero means
// unlimited retries (never DLQ on attempt count alone).
type Policy struct {
	Kind        BackoffKind
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultPolicy is the module's default backoff/giveup schedule: exponential
// backoff starting at one second, capped at thirty seconds, three attempts
// before DLQ.
func DefaultPolicy() Policy {
	return Policy{
		Kind:        Exponential,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 3,
	}
}

// NextDelay returns how long to wait before redelivering an envelope that
// has failed attempt times already (1-indexed: attempt=1 means the first
// failure, about to become the second delivery).
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch p.Kind {
	case Linear:
		delay = p.BaseDelay * time.Duration(attempt)
	default:
		delay = p.BaseDelay * time.Duration(pow2(attempt-1))
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// ShouldDeadLetter reports whether attempt has exhausted the policy's
// attempt budget.
func (p Policy) ShouldDeadLetter(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

func pow2(exp int) int64 {
	if exp <= 0 {
		return 1
	}
	result := int64(1)
	for i := 0; i < exp; i++ {
		result *= 2
	}
	return result
}
