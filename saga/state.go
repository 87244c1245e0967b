// Package saga defines the compiled SagaDefinition the orchestrator drives:
// correlation rules, the initial-state factory, per-message-type handlers
// with guards, and the per-delivery SagaContext handlers execute against.
package saga

import "time"

// Metadata is the mandatory envelope carried by every SagaState (spec §3).
// The runtime owns every field here; user handlers never set these directly,
// only through SagaContext.
type Metadata struct {
	SagaID    string `json:"sagaId"`
	Version   int64  `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	IsCompleted bool `json:"isCompleted"`

	TimeoutMs        *int64     `json:"timeoutMs,omitempty"`
	TimeoutExpiresAt *time.Time `json:"timeoutExpiresAt,omitempty"`

	TraceParent string `json:"traceParent,omitempty"`
	TraceState  string `json:"traceState,omitempty"`
}

// Clone returns a deep-enough copy: value fields copy trivially, and the two
// pointer fields (TimeoutMs/TimeoutExpiresAt) are copied to fresh pointees so
// mutating the clone never aliases the original.
func (m Metadata) Clone() Metadata {
	clone := m
	if m.TimeoutMs != nil {
		v := *m.TimeoutMs
		clone.TimeoutMs = &v
	}
	if m.TimeoutExpiresAt != nil {
		v := *m.TimeoutExpiresAt
		clone.TimeoutExpiresAt = &v
	}
	return clone
}

// State is the user-shaped record every saga instance persists. User carries
// whatever the saga's handlers decide; the runtime treats it as opaque and
// only ever reads/writes Metadata.
type State struct {
	Metadata Metadata `json:"metadata"`
	User     any      `json:"user"`
}

// Clone returns a State with a cloned Metadata; User is copied by reference,
// since the runtime never inspects it — handlers are responsible for not
// mutating a preState they were handed.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	return &State{
		Metadata: s.Metadata.Clone(),
		User:     s.User,
	}
}
