package types

import "time"

// Session represents one active login context for a user
type Session struct {
	ID               string     `json:"id" db:"id"`
	Token            string     `json:"-" db:"token"`
	UserID           string     `json:"user_id" db:"user_id"`
	DeviceID         string     `json:"device_id" db:"device_id"`
	IPAddress        string     `json:"ip_address" db:"ip_address"`
	UserAgent        string     `json:"user_agent" db:"user_agent"`
	LastActivity     time.Time  `json:"last_activity" db:"last_activity"`
	ExpiresAt        time.Time  `json:"expires_at" db:"expires_at"`
	IsActive         bool       `json:"is_active" db:"is_active"`
	TerminatedAt     *time.Time `json:"terminated_at,omitempty" db:"terminated_at"`
	TerminatedBy     string     `json:"terminated_by,omitempty" db:"terminated_by"`
	TerminationReason string    `json:"termination_reason,omitempty" db:"termination_reason"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}

// RefreshToken is one node in a refresh-token rotation chain. ParentID
// points at the token it replaced; the chain forms a tree rooted at the
// original login.
type RefreshToken struct {
	ID            string     `json:"id" db:"id"`
	Token         string     `json:"-" db:"token"`
	UserID        string     `json:"user_id" db:"user_id"`
	SessionID     string     `json:"session_id" db:"session_id"`
	ParentID      *string    `json:"parent_id,omitempty" db:"parent_id"`
	DeviceID      string     `json:"device_id" db:"device_id"`
	IPAddress     string     `json:"ip_address" db:"ip_address"`
	IsRevoked     bool       `json:"is_revoked" db:"is_revoked"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	RevokedBy     string     `json:"revoked_by,omitempty" db:"revoked_by"`
	RevokedReason string     `json:"revoked_reason,omitempty" db:"revoked_reason"`
	ExpiresAt     time.Time  `json:"expires_at" db:"expires_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// Usable reports whether the token can still be presented for refresh
func (t *RefreshToken) Usable(now time.Time) bool {
	return !t.IsRevoked && t.ExpiresAt.After(now)
}
