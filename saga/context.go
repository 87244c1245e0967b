package saga

import (
	"time"

	"sagaflow/clock"
	"sagaflow/errors"
)

// TimeoutBounds constrains the ms argument to SetTimeout (spec §4.6). Zero
// value bounds are invalid; Orchestrator construction applies the spec
// defaults (1s / 7 days) when none are supplied.
type TimeoutBounds struct {
	MinMs int64
	MaxMs int64
}

// DefaultTimeoutBounds are the spec §6 defaults: 1 second to 7 days.
var DefaultTimeoutBounds = TimeoutBounds{MinMs: 1000, MaxMs: 7 * 24 * 60 * 60 * 1000}

// OutboundMessage is a publish or scheduled-publish requested by a handler
// during Handle or CreateInitialState. The orchestrator turns these into
// transport publishes once the state write succeeds.
type OutboundMessage struct {
	Type         string
	Payload      any
	Headers      map[string]string
	DelayMs      int64
	PartitionKey string
}

type timeoutChange struct {
	clear bool
	ms    int64
}

// Context is the handler-facing collaborator passed to CreateInitialState
// and Handle. It accumulates pending mutations (completion, timeout
// set/clear, outbound messages) that the orchestrator applies only after the
// handler returns without error (spec §9 "Context and pending timeout
// change").
type Context struct {
	SagaName      string
	CorrelationID string

	// metadata is the instance's current metadata snapshot, used so
	// GetTimeoutRemaining reflects reality even when the handler hasn't
	// changed the timeout this delivery.
	metadata Metadata
	bounds   TimeoutBounds
	clock    clock.Clock

	completed     bool
	timeoutChange *timeoutChange
	outbound      []OutboundMessage
}

// NewContext builds a Context for one handler invocation.
func NewContext(sagaName, correlationID string, metadata Metadata, bounds TimeoutBounds, clk clock.Clock) *Context {
	return &Context{
		SagaName:      sagaName,
		CorrelationID: correlationID,
		metadata:      metadata,
		bounds:        bounds,
		clock:         clk,
	}
}

// Complete marks the instance terminal once the enclosing update persists.
func (c *Context) Complete() { c.completed = true }

// Completed reports the pending completion flag (used by the orchestrator,
// not handlers).
func (c *Context) Completed() bool { return c.completed }

// SetTimeout requests a single active timeout of ms milliseconds, enforced
// against c's configured bounds. Returns an *errors.InvalidTimeout when ms is
// out of bounds.
func (c *Context) SetTimeout(ms int64) error {
	if ms < c.bounds.MinMs || ms > c.bounds.MaxMs {
		return errors.NewInvalidTimeout(ms, c.bounds.MinMs, c.bounds.MaxMs)
	}
	c.timeoutChange = &timeoutChange{ms: ms}
	return nil
}

// ClearTimeout cancels the pending timeout metadata. It does not recall any
// already-scheduled SagaTimeoutExpired delivery (spec §4.6).
func (c *Context) ClearTimeout() {
	c.timeoutChange = &timeoutChange{clear: true}
}

// GetTimeoutRemaining returns the pending change's duration if SetTimeout or
// ClearTimeout was already called this delivery, else derives it from the
// instance's persisted metadata. Returns nil when no timeout is active.
func (c *Context) GetTimeoutRemaining() *time.Duration {
	if c.timeoutChange != nil {
		if c.timeoutChange.clear {
			return nil
		}
		d := time.Duration(c.timeoutChange.ms) * time.Millisecond
		return &d
	}

	if c.metadata.TimeoutExpiresAt == nil {
		return nil
	}
	remaining := c.metadata.TimeoutExpiresAt.Sub(c.clock.Now())
	return &remaining
}

// Publish queues an outbound message for immediate delivery once the
// enclosing state write persists.
func (c *Context) Publish(msgType string, payload any, headers map[string]string) {
	c.outbound = append(c.outbound, OutboundMessage{
		Type:         msgType,
		Payload:      payload,
		Headers:      headers,
		PartitionKey: c.CorrelationID,
	})
}

// Schedule queues an outbound message for delayed delivery once the
// enclosing state write persists.
func (c *Context) Schedule(msgType string, payload any, delayMs int64, headers map[string]string) {
	c.outbound = append(c.outbound, OutboundMessage{
		Type:         msgType,
		Payload:      payload,
		Headers:      headers,
		DelayMs:      delayMs,
		PartitionKey: c.CorrelationID,
	})
}

// OutboundMessages returns the messages queued so far (orchestrator use).
func (c *Context) OutboundMessages() []OutboundMessage { return c.outbound }

// PendingTimeoutChange reports whether SetTimeout/ClearTimeout was called
// this delivery and, if so, the requested millisecond value (meaningless
// when cleared).
func (c *Context) PendingTimeoutChange() (ms int64, cleared bool, changed bool) {
	if c.timeoutChange == nil {
		return 0, false, false
	}
	return c.timeoutChange.ms, c.timeoutChange.clear, true
}
