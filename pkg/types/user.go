package types

import "time"

// UserRole represents the different user roles in the system
type UserRole string

const (
	RoleGuest      UserRole = "guest"
	RoleTechnician UserRole = "technician"
	RoleResident   UserRole = "resident"
	RolePhysician  UserRole = "physician"
	RoleAdmin      UserRole = "admin"
)

// User represents a system user
type User struct {
	ID                  string     `json:"id" db:"id"`
	Username            string     `json:"username" db:"username"`
	Email               string     `json:"email" db:"email"`
	PasswordHash        string     `json:"-" db:"password_hash"`
	Role                UserRole   `json:"role" db:"role"`
	IsActive            bool       `json:"is_active" db:"is_active"`
	IsVerified          bool       `json:"is_verified" db:"is_verified"`
	LockedUntil         *time.Time `json:"locked_until,omitempty" db:"locked_until"`
	FailedLoginAttempts int        `json:"-" db:"failed_login_attempts"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
}

// IsLocked reports whether the account is currently locked
func (u *User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// CanAuthorize reports whether the account may pass any authorization
// check at all. A locked or inactive user fails closed even when it
// still holds a valid session.
func (u *User) CanAuthorize(now time.Time) bool {
	return u.IsActive && !u.IsLocked(now)
}

// UserClaims represents the claims carried by an access token
type UserClaims struct {
	UserID    string   `json:"user_id"`
	Username  string   `json:"username"`
	Role      UserRole `json:"role"`
	SessionID string   `json:"session_id"`
}

// Credentials represents user login credentials
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthToken represents the token pair returned by login and refresh
type AuthToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	IssuedAt     time.Time `json:"issued_at"`
}
