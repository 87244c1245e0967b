// Package messaging provides the wire-level abstractions the orchestrator
// runtime is built on: the Envelope every transport carries, the Transport
// contract transports implement, and the Handler contract the Bus dispatches
// to.
package messaging

import "time"

// Reserved header keys. The Bus reads and writes these; transports must pass
// them through untouched.
const (
	HeaderAttempt           = "x-saga-attempt"
	HeaderFirstSeen         = "x-saga-first-seen"
	HeaderOriginalEndpoint  = "x-saga-original-endpoint"
	HeaderErrorMessage      = "x-saga-error-message"
	HeaderErrorType         = "x-saga-error-type"
	HeaderTraceParent       = "traceparent"
	HeaderTraceState        = "tracestate"
)

// TimeoutExpiredType is the discriminator for scheduled timeout deliveries
// published by the orchestrator (spec §4.6, §6).
const TimeoutExpiredType = "SagaTimeoutExpired"

// Envelope is the transport-neutral wrapping of a message: an id, a type
// discriminator, an opaque payload, string headers, a delivery timestamp,
// and an optional partition key used for best-effort ordering.
type Envelope struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Payload      any               `json:"payload"`
	Headers      map[string]string `json:"headers,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	PartitionKey string            `json:"partitionKey,omitempty"`
}

// NewEnvelope constructs an Envelope with an initialized, empty header map.
func NewEnvelope(id, msgType string, payload any) *Envelope {
	return &Envelope{
		ID:        id,
		Type:      msgType,
		Payload:   payload,
		Headers:   make(map[string]string),
		Timestamp: time.Now().UTC(),
	}
}

// Header reads a header, returning ("", false) if absent.
func (e *Envelope) Header(key string) (string, bool) {
	if e.Headers == nil {
		return "", false
	}
	v, ok := e.Headers[key]
	return v, ok
}

// WithHeader returns a shallow copy of the envelope with key=value merged
// into its headers. The original envelope's header map is not mutated.
func (e *Envelope) WithHeader(key, value string) *Envelope {
	clone := *e
	clone.Headers = make(map[string]string, len(e.Headers)+1)
	for k, v := range e.Headers {
		clone.Headers[k] = v
	}
	clone.Headers[key] = value
	return &clone
}

// TimeoutExpiredPayload is the payload carried by a SagaTimeoutExpired
// envelope (spec §4.6, §6).
type TimeoutExpiredPayload struct {
	SagaID        string `json:"sagaId"`
	SagaName      string `json:"sagaName"`
	CorrelationID string `json:"correlationId"`
	TimeoutMs     int64  `json:"timeoutMs"`
	TimeoutSetAt  int64  `json:"timeoutSetAt"`
}
