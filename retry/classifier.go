package retry

import (
	"strings"

	"sagaflow/errors"
)

// Decision is the outcome of classifying a failed delivery.
type Decision int

const (
	// DecisionRetry redelivers the envelope after a backoff delay.
	DecisionRetry Decision = iota
	// DecisionDeadLetter routes the envelope to its endpoint's dead-letter
	// queue without further attempts.
	DecisionDeadLetter
	// DecisionDrop discards the envelope silently; the default classifier
	// returns this only for a nil error, but a custom Classifier may use it
	// for any error.
	DecisionDrop
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionDeadLetter:
		return "dlq"
	case DecisionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Classifier decides what should happen to an envelope whose handler
// returned err.
type Classifier func(err error) Decision

// transientPatterns are substrings of low-level network errors treated as
// retry-worthy even when they don't arrive as a typed error.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"socket hang up",
	"host unreachable",
	"no route to host",
}

// DefaultClassifier retries errors.TransientError, errors.ConcurrencyViolation,
// and errors whose message matches a known transient network pattern;
// everything else is routed to the dead-letter endpoint. Permanent kinds
// (errors.IsPermanent) are dead-lettered without pattern matching.
func DefaultClassifier(err error) Decision {
	if err == nil {
		return DecisionDrop
	}
	if errors.IsTransient(err) {
		return DecisionRetry
	}
	if errors.IsPermanent(err) {
		return DecisionDeadLetter
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return DecisionRetry
		}
	}
	return DecisionDeadLetter
}
