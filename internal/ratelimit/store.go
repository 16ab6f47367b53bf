package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ktmed/medessencev2-sub005/pkg/database"
	"github.com/ktmed/medessencev2-sub005/pkg/logger"
)

// Store persists fixed-window counters. Increment must be atomic at
// the store boundary: concurrent calls on the same key must never
// observe a stale pre-increment count.
type Store interface {
	// Increment bumps the counter for the window key and returns the
	// post-increment count. The blocked flag is set once the count
	// exceeds max.
	Increment(ctx context.Context, identifier, route string, windowStart, windowEnd time.Time, max int) (int, error)

	// DeleteExpired removes entries whose window ended before the cutoff
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// PostgresStore implements Store on the shared database
type PostgresStore struct {
	db     *database.DB
	logger *logger.Logger
}

// NewPostgresStore creates a Postgres-backed counter store
func NewPostgresStore(db *database.DB, log *logger.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: log}
}

// Increment upserts the window row and bumps its counter in a single
// statement, so concurrent requests on the same key serialize at the
// database row.
func (s *PostgresStore) Increment(ctx context.Context, identifier, route string, windowStart, windowEnd time.Time, max int) (int, error) {
	query := `
		INSERT INTO rate_limit_entries (id, identifier, route, window_start, window_end, count, blocked)
		VALUES ($1, $2, $3, $4, $5, 1, FALSE)
		ON CONFLICT (identifier, route, window_start)
		DO UPDATE SET
			count = rate_limit_entries.count + 1,
			blocked = rate_limit_entries.count + 1 > $6
		RETURNING count`

	var count int
	err := s.db.QueryRowContext(ctx, query,
		uuid.New().String(),
		identifier,
		route,
		windowStart,
		windowEnd,
		max,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	return count, nil
}

// DeleteExpired removes entries whose window ended before the cutoff
func (s *PostgresStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limit_entries WHERE window_end < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired rate limit entries: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if deleted > 0 {
		s.logger.WithField("deleted", deleted).Debug("Evicted old rate limit windows")
	}
	return deleted, nil
}
