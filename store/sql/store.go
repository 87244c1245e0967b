// Package sql provides a SQL-backed store.Store over database/sql with a
// version check on every update: Update is a single conditional
// UPDATE ... WHERE version = ?, and when no row matches it fails with a
// typed error rather than let two writers silently race past each other.
//
// Any database/sql driver works; the runtime ships wired against
// modernc.org/sqlite (a pure-Go SQLite driver, no cgo) for the default
// single-node deployment.
package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sagaflow/errors"
	"sagaflow/logging"
	"sagaflow/saga"
)

// Store is a database/sql-backed store.Store.
type Store struct {
	db        *sql.DB
	tableName string
	logger    logging.Logger
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger overrides the default NoopLogger.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithTableName overrides the default table name "saga_instances".
func WithTableName(name string) Option {
	return func(s *Store) { s.tableName = name }
}

// New wraps an already-open *sql.DB. Call EnsureSchema once at startup.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:        db,
		tableName: "saga_instances",
		logger:    logging.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the backing table if it doesn't already exist. Safe
// to call repeatedly.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		saga_name      TEXT NOT NULL,
		saga_id        TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		version        INTEGER NOT NULL,
		is_completed   INTEGER NOT NULL,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL,
		state_json     TEXT NOT NULL,
		PRIMARY KEY (saga_name, saga_id),
		UNIQUE (saga_name, correlation_id)
	)`, s.tableName)
	_, err := s.db.ExecContext(ctx, stmt)
	if err != nil {
		return errors.NewDatabaseError("create saga_instances table", err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, sagaName, sagaID string) (*saga.State, error) {
	query := fmt.Sprintf(`SELECT state_json FROM %s WHERE saga_name = ? AND saga_id = ?`, s.tableName)
	var stateJSON string
	err := s.db.QueryRowContext(ctx, query, sagaName, sagaID).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewDatabaseError("get saga by id", err)
	}
	return decodeState(stateJSON)
}

func (s *Store) GetByCorrelationID(ctx context.Context, sagaName, correlationID string) (*saga.State, error) {
	query := fmt.Sprintf(`SELECT state_json FROM %s WHERE saga_name = ? AND correlation_id = ?`, s.tableName)
	var stateJSON string
	err := s.db.QueryRowContext(ctx, query, sagaName, correlationID).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewDatabaseError("get saga by correlation id", err)
	}
	return decodeState(stateJSON)
}

func (s *Store) Insert(ctx context.Context, sagaName, correlationID string, state *saga.State) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return errors.NewDatabaseError("marshal saga state", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s
		(saga_name, saga_id, correlation_id, version, is_completed, created_at, updated_at, state_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.tableName)

	_, err = s.db.ExecContext(ctx, query,
		sagaName, state.Metadata.SagaID, correlationID, state.Metadata.Version,
		boolToInt(state.Metadata.IsCompleted), formatTime(state.Metadata.CreatedAt), formatTime(state.Metadata.UpdatedAt),
		string(stateJSON),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return errors.NewDuplicateCorrelation(sagaName, correlationID)
		}
		return errors.NewDatabaseError("insert saga instance", err)
	}

	s.logger.Debug(ctx, "saga instance inserted",
		logging.String("sagaName", sagaName), logging.String("sagaId", state.Metadata.SagaID))
	return nil
}

func (s *Store) Update(ctx context.Context, sagaName string, state *saga.State, expectedVersion int64) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return errors.NewDatabaseError("marshal saga state", err)
	}

	query := fmt.Sprintf(`UPDATE %s SET version = ?, is_completed = ?, updated_at = ?, state_json = ?
		WHERE saga_name = ? AND saga_id = ? AND version = ?`, s.tableName)

	result, err := s.db.ExecContext(ctx, query,
		state.Metadata.Version, boolToInt(state.Metadata.IsCompleted), formatTime(state.Metadata.UpdatedAt), string(stateJSON),
		sagaName, state.Metadata.SagaID, expectedVersion,
	)
	if err != nil {
		return errors.NewDatabaseError("update saga instance", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.NewDatabaseError("read rows affected", err)
	}
	if affected == 0 {
		actual, lookupErr := s.currentVersion(ctx, sagaName, state.Metadata.SagaID)
		if lookupErr != nil {
			return lookupErr
		}
		return errors.NewConcurrencyViolation(state.Metadata.SagaID, expectedVersion, actual)
	}

	s.logger.Debug(ctx, "saga instance updated",
		logging.String("sagaName", sagaName), logging.String("sagaId", state.Metadata.SagaID),
		logging.Int64("version", state.Metadata.Version))
	return nil
}

func (s *Store) Delete(ctx context.Context, sagaName, sagaID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE saga_name = ? AND saga_id = ?`, s.tableName)
	_, err := s.db.ExecContext(ctx, query, sagaName, sagaID)
	if err != nil {
		return errors.NewDatabaseError("delete saga instance", err)
	}
	return nil
}

func (s *Store) currentVersion(ctx context.Context, sagaName, sagaID string) (int64, error) {
	query := fmt.Sprintf(`SELECT version FROM %s WHERE saga_name = ? AND saga_id = ?`, s.tableName)
	var version int64
	err := s.db.QueryRowContext(ctx, query, sagaName, sagaID).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.NewDatabaseError("read current version", err)
	}
	return version, nil
}

func decodeState(stateJSON string) (*saga.State, error) {
	var state saga.State
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, errors.NewDatabaseError("unmarshal saga state", err)
	}
	return &state, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key")
}
