// Package memory provides an in-memory store.Store, grounded on the same
// mutex-guarded map-of-state pattern used for the package's in-memory event
// store: a single RWMutex, state keyed for O(1) lookup, and the
// version/correlation invariants enforced before mutating.
package memory

import (
	"context"
	"sync"

	"sagaflow/errors"
	"sagaflow/saga"
)

type instanceKey struct {
	sagaName string
	sagaID   string
}

type correlationKey struct {
	sagaName      string
	correlationID string
}

// Store is an in-memory store.Store implementation for tests and
// single-process deployments. It is not durable.
type Store struct {
	mu            sync.RWMutex
	byID          map[instanceKey]*saga.State
	byCorrelation map[correlationKey]string // -> sagaID
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		byID:          make(map[instanceKey]*saga.State),
		byCorrelation: make(map[correlationKey]string),
	}
}

func (s *Store) GetByID(ctx context.Context, sagaName, sagaID string) (*saga.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.byID[instanceKey{sagaName, sagaID}]
	if !ok {
		return nil, nil
	}
	return state.Clone(), nil
}

func (s *Store) GetByCorrelationID(ctx context.Context, sagaName, correlationID string) (*saga.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sagaID, ok := s.byCorrelation[correlationKey{sagaName, correlationID}]
	if !ok {
		return nil, nil
	}
	state, ok := s.byID[instanceKey{sagaName, sagaID}]
	if !ok {
		return nil, nil
	}
	return state.Clone(), nil
}

func (s *Store) Insert(ctx context.Context, sagaName, correlationID string, state *saga.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ck := correlationKey{sagaName, correlationID}
	if _, exists := s.byCorrelation[ck]; exists {
		return errors.NewDuplicateCorrelation(sagaName, correlationID)
	}

	s.byCorrelation[ck] = state.Metadata.SagaID
	s.byID[instanceKey{sagaName, state.Metadata.SagaID}] = state.Clone()
	return nil
}

func (s *Store) Update(ctx context.Context, sagaName string, state *saga.State, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := instanceKey{sagaName, state.Metadata.SagaID}
	current, ok := s.byID[key]
	if !ok {
		return errors.NewConcurrencyViolation(state.Metadata.SagaID, expectedVersion, 0)
	}
	if current.Metadata.Version != expectedVersion {
		return errors.NewConcurrencyViolation(state.Metadata.SagaID, expectedVersion, current.Metadata.Version)
	}

	s.byID[key] = state.Clone()
	return nil
}

func (s *Store) Delete(ctx context.Context, sagaName, sagaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := instanceKey{sagaName, sagaID}
	if _, ok := s.byID[key]; !ok {
		return nil
	}
	delete(s.byID, key)

	// The correlation index has no reverse lookup by sagaID; instances are
	// rare to delete and the store is test/single-process scale, so a scan
	// is acceptable here.
	for ck, id := range s.byCorrelation {
		if id == sagaID && ck.sagaName == sagaName {
			delete(s.byCorrelation, ck)
		}
	}
	return nil
}
