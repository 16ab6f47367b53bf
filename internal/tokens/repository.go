package tokens

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

// PostgresUserStore reads and updates user rows for authentication
type PostgresUserStore struct {
	db *sql.DB
}

// NewPostgresUserStore creates a Postgres-backed user store
func NewPostgresUserStore(db *sql.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

const userColumns = `id, username, email, password_hash, role, is_active, is_verified,
		locked_until, failed_login_attempts, created_at, updated_at`

func (s *PostgresUserStore) GetByID(ctx context.Context, id string) (*types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresUserStore) GetByUsername(ctx context.Context, username string) (*types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	return scanUser(s.db.QueryRowContext(ctx, query, username))
}

// RecordLoginFailure bumps the failure counter and optionally sets the
// lock timestamp, returning the new counter value
func (s *PostgresUserStore) RecordLoginFailure(ctx context.Context, userID string, lockUntil *time.Time) (int, error) {
	query := `
		UPDATE users
		SET failed_login_attempts = failed_login_attempts + 1,
		    locked_until = COALESCE($2, locked_until),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING failed_login_attempts`

	var count int
	if err := s.db.QueryRowContext(ctx, query, userID, lockUntil).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to record login failure: %w", err)
	}
	return count, nil
}

// ResetLoginFailures clears the failure counter and any lock
func (s *PostgresUserStore) ResetLoginFailures(ctx context.Context, userID string) error {
	query := `
		UPDATE users
		SET failed_login_attempts = 0, locked_until = NULL, updated_at = NOW()
		WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to reset login failures: %w", err)
	}
	return nil
}

func scanUser(row rowScanner) (*types.User, error) {
	var user types.User
	var lockedUntil sql.NullTime

	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.Role, &user.IsActive, &user.IsVerified, &lockedUntil,
		&user.FailedLoginAttempts, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lockedUntil.Valid {
		user.LockedUntil = &lockedUntil.Time
	}
	return &user, nil
}

// PostgresSessionStore persists sessions
type PostgresSessionStore struct {
	db *sql.DB
}

// NewPostgresSessionStore creates a Postgres-backed session store
func NewPostgresSessionStore(db *sql.DB) *PostgresSessionStore {
	return &PostgresSessionStore{db: db}
}

const sessionColumns = `id, token, user_id, device_id, ip_address, user_agent,
		last_activity, expires_at, is_active, terminated_at, terminated_by,
		termination_reason, created_at`

func (s *PostgresSessionStore) Create(ctx context.Context, session *types.Session) error {
	query := `
		INSERT INTO sessions (id, token, user_id, device_id, ip_address, user_agent,
			last_activity, expires_at, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.Token, session.UserID, session.DeviceID,
		session.IPAddress, session.UserAgent, session.LastActivity,
		session.ExpiresAt, session.IsActive, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) GetByID(ctx context.Context, id string) (*types.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSession(s.db.QueryRowContext(ctx, query, id))
}

// Touch bumps the last-activity timestamp on an active session
func (s *PostgresSessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE sessions SET last_activity = $2 WHERE id = $1 AND is_active = true`
	if _, err := s.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// Terminate deactivates a session. Terminating an already-terminated
// session is a no-op, keeping logout idempotent.
func (s *PostgresSessionStore) Terminate(ctx context.Context, id, by, reason string, at time.Time) error {
	query := `
		UPDATE sessions
		SET is_active = false, terminated_at = $4, terminated_by = $2, termination_reason = $3
		WHERE id = $1 AND is_active = true`

	if _, err := s.db.ExecContext(ctx, query, id, by, reason, at); err != nil {
		return fmt.Errorf("failed to terminate session: %w", err)
	}
	return nil
}

// TerminateExpired deactivates sessions past expiry or idle beyond the
// inactivity cutoff
func (s *PostgresSessionStore) TerminateExpired(ctx context.Context, now, inactivityCutoff time.Time) (int64, error) {
	query := `
		UPDATE sessions
		SET is_active = false, terminated_at = $1, terminated_by = 'system',
		    termination_reason = $2
		WHERE is_active = true AND (expires_at <= $1 OR last_activity < $3)`

	result, err := s.db.ExecContext(ctx, query, now, ReasonExpired, inactivityCutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to terminate expired sessions: %w", err)
	}
	return result.RowsAffected()
}

func scanSession(row rowScanner) (*types.Session, error) {
	var session types.Session
	var deviceID, ipAddress, userAgent, terminatedBy, terminatedReason sql.NullString
	var terminatedAt sql.NullTime

	err := row.Scan(&session.ID, &session.Token, &session.UserID, &deviceID,
		&ipAddress, &userAgent, &session.LastActivity, &session.ExpiresAt,
		&session.IsActive, &terminatedAt, &terminatedBy, &terminatedReason,
		&session.CreatedAt)
	if err != nil {
		return nil, err
	}

	session.DeviceID = deviceID.String
	session.IPAddress = ipAddress.String
	session.UserAgent = userAgent.String
	session.TerminatedBy = terminatedBy.String
	session.TerminationReason = terminatedReason.String
	if terminatedAt.Valid {
		session.TerminatedAt = &terminatedAt.Time
	}
	return &session, nil
}

// PostgresRefreshTokenStore persists refresh-token chains
type PostgresRefreshTokenStore struct {
	db *sql.DB
}

// NewPostgresRefreshTokenStore creates a Postgres-backed refresh token
// store
func NewPostgresRefreshTokenStore(db *sql.DB) *PostgresRefreshTokenStore {
	return &PostgresRefreshTokenStore{db: db}
}

const refreshColumns = `id, token, user_id, session_id, parent_id, device_id, ip_address,
		is_revoked, revoked_at, revoked_by, revoked_reason, expires_at, created_at`

func (s *PostgresRefreshTokenStore) Create(ctx context.Context, token *types.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (id, token, user_id, session_id, parent_id,
			device_id, ip_address, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.ExecContext(ctx, query,
		token.ID, token.Token, token.UserID, token.SessionID, token.ParentID,
		token.DeviceID, token.IPAddress, token.ExpiresAt, token.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

func (s *PostgresRefreshTokenStore) GetByToken(ctx context.Context, token string) (*types.RefreshToken, error) {
	query := `SELECT ` + refreshColumns + ` FROM refresh_tokens WHERE token = $1`
	return scanRefreshToken(s.db.QueryRowContext(ctx, query, token))
}

// Rotate revokes the parent and inserts the child in one transaction.
// The revocation is guarded on is_revoked so that when two refreshes
// race on the same parent, exactly one wins; the loser gets
// ErrAlreadyRotated.
func (s *PostgresRefreshTokenStore) Rotate(ctx context.Context, parentID string, child *types.RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rotation: %w", err)
	}
	defer tx.Rollback()

	revoke := `
		UPDATE refresh_tokens
		SET is_revoked = true, revoked_at = $2, revoked_by = 'system', revoked_reason = $3
		WHERE id = $1 AND is_revoked = false`

	result, err := tx.ExecContext(ctx, revoke, parentID, child.CreatedAt, ReasonRotated)
	if err != nil {
		return fmt.Errorf("failed to revoke parent token: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyRotated
	}

	insert := `
		INSERT INTO refresh_tokens (id, token, user_id, session_id, parent_id,
			device_id, ip_address, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = tx.ExecContext(ctx, insert,
		child.ID, child.Token, child.UserID, child.SessionID, child.ParentID,
		child.DeviceID, child.IPAddress, child.ExpiresAt, child.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert child token: %w", err)
	}

	return tx.Commit()
}

// RevokeChain revokes the given token and every descendant issued from
// it, returning how many live tokens were revoked
func (s *PostgresRefreshTokenStore) RevokeChain(ctx context.Context, rootID, by, reason string, at time.Time) (int64, error) {
	query := `
		WITH RECURSIVE chain AS (
			SELECT id FROM refresh_tokens WHERE id = $1
			UNION ALL
			SELECT rt.id FROM refresh_tokens rt
			JOIN chain c ON rt.parent_id = c.id
		)
		UPDATE refresh_tokens
		SET is_revoked = true, revoked_at = $4, revoked_by = $2, revoked_reason = $3
		WHERE id IN (SELECT id FROM chain) AND is_revoked = false`

	result, err := s.db.ExecContext(ctx, query, rootID, by, reason, at)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke token chain: %w", err)
	}
	return result.RowsAffected()
}

// RevokeBySession revokes every live refresh token attached to a
// session
func (s *PostgresRefreshTokenStore) RevokeBySession(ctx context.Context, sessionID, by, reason string, at time.Time) (int64, error) {
	query := `
		UPDATE refresh_tokens
		SET is_revoked = true, revoked_at = $4, revoked_by = $2, revoked_reason = $3
		WHERE session_id = $1 AND is_revoked = false`

	result, err := s.db.ExecContext(ctx, query, sessionID, by, reason, at)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke session tokens: %w", err)
	}
	return result.RowsAffected()
}

// RevokeExpired is the housekeeping sweep for tokens past expiry
func (s *PostgresRefreshTokenStore) RevokeExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE refresh_tokens
		SET is_revoked = true, revoked_at = $1, revoked_by = 'system', revoked_reason = $2
		WHERE is_revoked = false AND expires_at <= $1`

	result, err := s.db.ExecContext(ctx, query, now, ReasonExpired)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke expired tokens: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRefreshToken(row rowScanner) (*types.RefreshToken, error) {
	var token types.RefreshToken
	var parentID, deviceID, ipAddress, revokedBy, revokedReason sql.NullString
	var revokedAt sql.NullTime

	err := row.Scan(&token.ID, &token.Token, &token.UserID, &token.SessionID,
		&parentID, &deviceID, &ipAddress, &token.IsRevoked, &revokedAt,
		&revokedBy, &revokedReason, &token.ExpiresAt, &token.CreatedAt)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		token.ParentID = &parentID.String
	}
	token.DeviceID = deviceID.String
	token.IPAddress = ipAddress.String
	token.RevokedBy = revokedBy.String
	token.RevokedReason = revokedReason.String
	if revokedAt.Valid {
		token.RevokedAt = &revokedAt.Time
	}
	return &token, nil
}
