package permissions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

// PostgresStore persists grants in the user_permissions table
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed grant store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const grantColumns = `id, user_id, permission, resource, conditions, granted_by, expires_at, created_at`

// Insert writes a new grant. The partial unique indexes on
// (user_id, permission, resource) and on (user_id, permission) for
// unscoped grants both surface as ErrDuplicateGrant, so a NULL
// resource cannot slip past uniqueness.
func (s *PostgresStore) Insert(ctx context.Context, grant *types.UserPermission) error {
	query := `
		INSERT INTO user_permissions (id, user_id, permission, resource, conditions,
			granted_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	var conditions interface{}
	if len(grant.Conditions) > 0 {
		conditions = []byte(grant.Conditions)
	}

	_, err := s.db.ExecContext(ctx, query,
		grant.ID, grant.UserID, grant.Permission, grant.Resource, conditions,
		grant.GrantedBy, grant.ExpiresAt, grant.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateGrant
		}
		return fmt.Errorf("failed to insert permission grant: %w", err)
	}
	return nil
}

// GetByID returns a single grant
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*types.UserPermission, error) {
	query := `SELECT ` + grantColumns + ` FROM user_permissions WHERE id = $1`
	return scanGrant(s.db.QueryRowContext(ctx, query, id))
}

// ListByUser returns every grant on record for the user
func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*types.UserPermission, error) {
	query := `SELECT ` + grantColumns + ` FROM user_permissions WHERE user_id = $1 ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query permission grants: %w", err)
	}
	defer rows.Close()

	var grants []*types.UserPermission
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

// Delete removes a grant
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM user_permissions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete permission grant: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteExpired reaps lapsed grants
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM user_permissions WHERE expires_at IS NOT NULL AND expires_at <= $1`

	result, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired grants: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGrant(row rowScanner) (*types.UserPermission, error) {
	var grant types.UserPermission
	var resource sql.NullString
	var conditions []byte
	var expiresAt sql.NullTime

	err := row.Scan(&grant.ID, &grant.UserID, &grant.Permission, &resource,
		&conditions, &grant.GrantedBy, &expiresAt, &grant.CreatedAt)
	if err != nil {
		return nil, err
	}

	if resource.Valid {
		grant.Resource = &resource.String
	}
	if len(conditions) > 0 {
		grant.Conditions = conditions
	}
	if expiresAt.Valid {
		grant.ExpiresAt = &expiresAt.Time
	}
	return &grant, nil
}
