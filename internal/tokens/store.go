package tokens

import (
	"context"
	"errors"
	"time"

	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

// Revocation and termination reasons recorded on tombstones
const (
	ReasonRotated  = "rotated"
	ReasonReuse    = "reuse_detected"
	ReasonLogout   = "logout"
	ReasonExpired  = "expired"
	ReasonInactive = "inactivity"
	ReasonAdmin    = "admin_terminated"
)

// ErrAlreadyRotated is returned by Rotate when the parent token was
// rotated by a concurrent refresh; the caller lost the race and must
// treat the presentation as reuse.
var ErrAlreadyRotated = errors.New("tokens: refresh token already rotated")

// UserStore is the user lookup and lockout surface the token service
// needs
type UserStore interface {
	GetByID(ctx context.Context, id string) (*types.User, error)
	GetByUsername(ctx context.Context, username string) (*types.User, error)

	// RecordLoginFailure bumps the failed-login counter and returns the
	// new count. When lockUntil is non-nil the account is locked until
	// that time in the same update.
	RecordLoginFailure(ctx context.Context, userID string, lockUntil *time.Time) (int, error)

	// ResetLoginFailures clears the failed-login counter after a
	// successful authentication
	ResetLoginFailures(ctx context.Context, userID string) error
}

// SessionStore persists login sessions
type SessionStore interface {
	Create(ctx context.Context, session *types.Session) error
	GetByID(ctx context.Context, id string) (*types.Session, error)

	// Touch bumps last_activity on an authenticated call
	Touch(ctx context.Context, id string, at time.Time) error

	// Terminate deactivates a session with termination metadata. It is
	// idempotent: terminating a terminated session changes nothing.
	Terminate(ctx context.Context, id, by, reason string, at time.Time) error

	// TerminateExpired sweeps sessions past their expiry or inactive
	// since before the inactivity cutoff
	TerminateExpired(ctx context.Context, now, inactivityCutoff time.Time) (int64, error)
}

// RefreshTokenStore persists refresh-token rotation chains
type RefreshTokenStore interface {
	Create(ctx context.Context, token *types.RefreshToken) error
	GetByToken(ctx context.Context, token string) (*types.RefreshToken, error)

	// Rotate atomically inserts the child and revokes the parent with
	// ReasonRotated. Exactly one of two concurrent rotations of the
	// same parent succeeds; the other gets ErrAlreadyRotated.
	Rotate(ctx context.Context, parentID string, child *types.RefreshToken) error

	// RevokeChain tombstones the node and every descendant beneath it
	RevokeChain(ctx context.Context, rootID, by, reason string, at time.Time) (int64, error)

	// RevokeBySession tombstones all live tokens attached to a session
	RevokeBySession(ctx context.Context, sessionID, by, reason string, at time.Time) (int64, error)

	// RevokeExpired sweeps tokens past their expiry
	RevokeExpired(ctx context.Context, now time.Time) (int64, error)
}
