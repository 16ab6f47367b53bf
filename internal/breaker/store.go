package breaker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ktmed/medessencev2-sub005/pkg/database"
	"github.com/ktmed/medessencev2-sub005/pkg/logger"
	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

// Store persists breaker state. Transitions happen inside single
// guarded statements so concurrent pipeline instances agree on the
// state machine, and an OPEN circuit survives process restarts.
type Store interface {
	// Ensure registers the service row if it does not exist yet and
	// refreshes its configured thresholds.
	Ensure(ctx context.Context, st *types.CircuitBreakerState) error

	// Get loads the current state row for a service
	Get(ctx context.Context, serviceName string) (*types.CircuitBreakerState, error)

	// List returns the state rows for all registered services
	List(ctx context.Context) ([]*types.CircuitBreakerState, error)

	// AcquireProbe attempts to claim the probe slot. It succeeds for
	// exactly one caller, either on the OPEN -> HALF_OPEN transition
	// once nextAttempt has passed, or by reclaiming a HALF_OPEN row not
	// touched since staleBefore (a probe whose holder never resolved
	// its accounting). The winner owns the single probe request.
	AcquireProbe(ctx context.Context, serviceName string, now, staleBefore time.Time) (bool, error)

	// RecordSuccess accounts a successful call and closes the circuit
	// if this call was the half-open probe.
	RecordSuccess(ctx context.Context, serviceName string, now time.Time) (*types.CircuitBreakerState, error)

	// RecordFailure accounts a failed call, trips the circuit when the
	// threshold is reached, and reopens it when the probe fails.
	RecordFailure(ctx context.Context, serviceName string, now, nextAttempt time.Time) (*types.CircuitBreakerState, error)
}

// PostgresStore implements Store on the shared database
type PostgresStore struct {
	db     *database.DB
	logger *logger.Logger
}

// NewPostgresStore creates a Postgres-backed breaker store
func NewPostgresStore(db *database.DB, log *logger.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: log}
}

const breakerColumns = `service_name, state, failure_count, last_failure, next_attempt,
	failure_threshold, timeout_ms, reset_timeout_ms,
	total_requests, successful_requests, failed_requests, updated_at`

// Ensure registers the service row if missing and refreshes thresholds
func (s *PostgresStore) Ensure(ctx context.Context, st *types.CircuitBreakerState) error {
	query := `
		INSERT INTO circuit_breaker_states
			(service_name, state, failure_threshold, timeout_ms, reset_timeout_ms, updated_at)
		VALUES ($1, 'CLOSED', $2, $3, $4, $5)
		ON CONFLICT (service_name)
		DO UPDATE SET
			failure_threshold = EXCLUDED.failure_threshold,
			timeout_ms = EXCLUDED.timeout_ms,
			reset_timeout_ms = EXCLUDED.reset_timeout_ms`

	_, err := s.db.ExecContext(ctx, query,
		st.ServiceName,
		st.FailureThreshold,
		st.TimeoutMs,
		st.ResetTimeoutMs,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to register circuit breaker for %s: %w", st.ServiceName, err)
	}
	return nil
}

// Get loads the current state row for a service
func (s *PostgresStore) Get(ctx context.Context, serviceName string) (*types.CircuitBreakerState, error) {
	query := `SELECT ` + breakerColumns + ` FROM circuit_breaker_states WHERE service_name = $1`
	return s.scanRow(s.db.QueryRowContext(ctx, query, serviceName))
}

// List returns the state rows for all registered services
func (s *PostgresStore) List(ctx context.Context) ([]*types.CircuitBreakerState, error) {
	query := `SELECT ` + breakerColumns + ` FROM circuit_breaker_states ORDER BY service_name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list circuit breaker states: %w", err)
	}
	defer rows.Close()

	var states []*types.CircuitBreakerState
	for rows.Next() {
		st, err := s.scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating circuit breaker rows: %w", err)
	}
	return states, nil
}

// AcquireProbe claims the probe slot: either the OPEN -> HALF_OPEN
// transition, or reclaiming a HALF_OPEN row whose holder went away
// without resolving its accounting write
func (s *PostgresStore) AcquireProbe(ctx context.Context, serviceName string, now, staleBefore time.Time) (bool, error) {
	query := `
		UPDATE circuit_breaker_states
		SET state = 'HALF_OPEN', updated_at = $2
		WHERE service_name = $1
		  AND ((state = 'OPEN' AND next_attempt <= $2)
		    OR (state = 'HALF_OPEN' AND updated_at <= $3))`

	result, err := s.db.ExecContext(ctx, query, serviceName, now, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to acquire probe for %s: %w", serviceName, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}

// RecordSuccess accounts a successful call. A success resets the
// consecutive failure counter; a successful probe closes the circuit.
func (s *PostgresStore) RecordSuccess(ctx context.Context, serviceName string, now time.Time) (*types.CircuitBreakerState, error) {
	query := `
		UPDATE circuit_breaker_states
		SET total_requests = total_requests + 1,
			successful_requests = successful_requests + 1,
			failure_count = 0,
			next_attempt = CASE WHEN state = 'HALF_OPEN' THEN NULL ELSE next_attempt END,
			state = CASE WHEN state = 'HALF_OPEN' THEN 'CLOSED' ELSE state END,
			updated_at = $2
		WHERE service_name = $1
		RETURNING ` + breakerColumns

	return s.scanRow(s.db.QueryRowContext(ctx, query, serviceName, now))
}

// RecordFailure accounts a failed call and performs the trip or reopen
// transition in the same statement
func (s *PostgresStore) RecordFailure(ctx context.Context, serviceName string, now, nextAttempt time.Time) (*types.CircuitBreakerState, error) {
	query := `
		UPDATE circuit_breaker_states
		SET total_requests = total_requests + 1,
			failed_requests = failed_requests + 1,
			failure_count = failure_count + 1,
			last_failure = $2,
			next_attempt = CASE
				WHEN state = 'HALF_OPEN' OR failure_count + 1 >= failure_threshold THEN $3
				ELSE next_attempt END,
			state = CASE
				WHEN state = 'HALF_OPEN' OR failure_count + 1 >= failure_threshold THEN 'OPEN'
				ELSE state END,
			updated_at = $2
		WHERE service_name = $1
		RETURNING ` + breakerColumns

	return s.scanRow(s.db.QueryRowContext(ctx, query, serviceName, now, nextAttempt))
}

// rowScanner covers both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *PostgresStore) scanRow(row *sql.Row) (*types.CircuitBreakerState, error) {
	st, err := s.scanState(row)
	if err == sql.ErrNoRows {
		return nil, types.NewNotFoundError("BREAKER_NOT_FOUND", "Circuit breaker not registered")
	}
	return st, err
}

func (s *PostgresStore) scanState(row rowScanner) (*types.CircuitBreakerState, error) {
	var st types.CircuitBreakerState
	var lastFailure, nextAttempt sql.NullTime

	err := row.Scan(
		&st.ServiceName,
		&st.State,
		&st.FailureCount,
		&lastFailure,
		&nextAttempt,
		&st.FailureThreshold,
		&st.TimeoutMs,
		&st.ResetTimeoutMs,
		&st.TotalRequests,
		&st.SuccessfulRequests,
		&st.FailedRequests,
		&st.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan circuit breaker state: %w", err)
	}

	if lastFailure.Valid {
		st.LastFailure = &lastFailure.Time
	}
	if nextAttempt.Valid {
		st.NextAttempt = &nextAttempt.Time
	}
	return &st, nil
}
