// Package store defines the versioned saga-state persistence contract (spec
// §4.4); its failure modes are the typed errors of sagaflow/errors.
// Concrete stores live in subpackages:
// store/memory for tests and single-process deployments, store/sql for a
// SQL-backed implementation.
package store

import (
	"context"

	"sagaflow/saga"
)

// Store is the versioned CRUD contract every saga-state backend implements.
// GetByID and GetByCorrelationID return (nil, nil) when no matching instance
// exists — absence is not an error. Insert and Update report their failure
// modes as *errors.DuplicateCorrelation and *errors.ConcurrencyViolation
// respectively (sagaflow/errors), so callers can match with errors.As
// regardless of backend.
type Store interface {
	// GetByID loads the instance identified by (sagaName, sagaId), or
	// (nil, nil) if none exists.
	GetByID(ctx context.Context, sagaName, sagaID string) (*saga.State, error)

	// GetByCorrelationID loads the instance for (sagaName, correlationId),
	// or (nil, nil) if none exists. Spec §3: a completed instance is
	// present-but-closed, not absent — this still returns it.
	GetByCorrelationID(ctx context.Context, sagaName, correlationID string) (*saga.State, error)

	// Insert creates a new instance. Fails with *errors.DuplicateCorrelation
	// if (sagaName, correlationId) already exists.
	Insert(ctx context.Context, sagaName, correlationID string, state *saga.State) error

	// Update persists state atomically, conditioned on the stored row's
	// version equaling expectedVersion. Fails with
	// *errors.ConcurrencyViolation on mismatch, reporting the actual
	// version found.
	Update(ctx context.Context, sagaName string, state *saga.State, expectedVersion int64) error

	// Delete removes an instance. Deletion is a store-local GC concern; the
	// runtime never calls this on its own.
	Delete(ctx context.Context, sagaName, sagaID string) error
}
