package clock

import (
	"strconv"

	"github.com/google/uuid"
)

// IDGenerator mints globally unique identifiers for saga instances and the
// envelopes the orchestrator publishes.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator generates RFC 4122 v4 identifiers via google/uuid.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.NewString() }

// Sequential is a deterministic IDGenerator for tests: it returns ids in the
// form "id-N" with N incrementing from 1.
type Sequential struct {
	n int
}

func (s *Sequential) NewID() string {
	s.n++
	return "id-" + strconv.Itoa(s.n)
}
