package saga

import "errors"

// Sentinel errors surfaced by Definition; orchestrator-level failures
// (ConcurrencyViolation, DuplicateCorrelation, InvalidTimeout) live in
// sagaflow/errors since they cross package boundaries (store, bus).
var (
	// errNoInitialStateFactory is returned by CreateInitialState when a
	// Definition was built without WithInitialState.
	errNoInitialStateFactory = errors.New("saga: no initial state factory registered")

	// ErrNameRequired is returned by Builder.Build when no name was set.
	ErrNameRequired = errors.New("saga: name is required")
)
