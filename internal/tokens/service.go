package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ktmed/medessencev2-sub005/internal/audit"
	"github.com/ktmed/medessencev2-sub005/pkg/config"
	"github.com/ktmed/medessencev2-sub005/pkg/logger"
	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

// RequestMeta carries the device fingerprint of the calling client
type RequestMeta struct {
	DeviceID  string
	IPAddress string
	UserAgent string
}

// AuditSink receives security events from the token service
type AuditSink interface {
	Record(ctx context.Context, event audit.Event)
}

// PasswordVerifier compares a plaintext password with a stored hash
type PasswordVerifier interface {
	Verify(hash, password string) bool
}

// Service issues, validates, and rotates session tokens and
// refresh-token families
type Service struct {
	cfg      *config.Config
	logger   *logger.Logger
	users    UserStore
	sessions SessionStore
	refresh  RefreshTokenStore
	audit    AuditSink
	password PasswordVerifier
	now      func() time.Time

	sessionTTL        time.Duration
	refreshTTL        time.Duration
	accessTTL         time.Duration
	inactivityCeiling time.Duration
}

// NewService creates a new token service
func NewService(cfg *config.Config, log *logger.Logger, users UserStore, sessions SessionStore, refresh RefreshTokenStore, sink AuditSink, password PasswordVerifier) *Service {
	return &Service{
		cfg:               cfg,
		logger:            log,
		users:             users,
		sessions:          sessions,
		refresh:           refresh,
		audit:             sink,
		password:          password,
		now:               time.Now,
		sessionTTL:        time.Duration(cfg.Tokens.SessionTTL) * time.Second,
		refreshTTL:        time.Duration(cfg.Tokens.RefreshTTL) * time.Second,
		accessTTL:         time.Duration(cfg.Tokens.AccessTTL) * time.Second,
		inactivityCeiling: time.Duration(cfg.Tokens.InactivityCeiling) * time.Second,
	}
}

// Login authenticates credentials and issues a session plus the root
// of a fresh refresh-token chain. Failed attempts count toward the
// lockout window on the user row.
func (s *Service) Login(ctx context.Context, creds types.Credentials, meta RequestMeta) (*types.AuthToken, *types.User, error) {
	now := s.now()

	user, err := s.users.GetByUsername(ctx, creds.Username)
	if err != nil {
		s.recordLoginFailure(ctx, "", creds.Username, meta, "unknown user")
		return nil, nil, types.NewAuthenticationError("INVALID_CREDENTIALS", "Invalid username or password")
	}

	if user.IsLocked(now) {
		s.recordLoginFailure(ctx, user.ID, creds.Username, meta, "account locked")
		return nil, nil, types.NewAuthenticationError("ACCOUNT_LOCKED", "Account is temporarily locked")
	}

	if !user.IsActive {
		s.recordLoginFailure(ctx, user.ID, creds.Username, meta, "account inactive")
		return nil, nil, types.NewAuthenticationError("ACCOUNT_INACTIVE", "Account is not active")
	}

	if !s.password.Verify(user.PasswordHash, creds.Password) {
		s.handleFailedPassword(ctx, user, meta)
		return nil, nil, types.NewAuthenticationError("INVALID_CREDENTIALS", "Invalid username or password")
	}

	if err := s.users.ResetLoginFailures(ctx, user.ID); err != nil {
		s.logger.WithUserID(user.ID).WithError(err).Warn("Failed to reset login failure counter")
	}

	session := &types.Session{
		ID:           uuid.New().String(),
		Token:        randomToken(),
		UserID:       user.ID,
		DeviceID:     meta.DeviceID,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		LastActivity: now,
		ExpiresAt:    now.Add(s.sessionTTL),
		IsActive:     true,
		CreatedAt:    now,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, nil, types.NewInternalError("SESSION_CREATE_FAILED", "Failed to create session", err)
	}

	root := &types.RefreshToken{
		ID:        uuid.New().String(),
		Token:     randomToken(),
		UserID:    user.ID,
		SessionID: session.ID,
		DeviceID:  meta.DeviceID,
		IPAddress: meta.IPAddress,
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	if err := s.refresh.Create(ctx, root); err != nil {
		return nil, nil, types.NewInternalError("REFRESH_CREATE_FAILED", "Failed to create refresh token", err)
	}

	accessToken, err := s.signAccessToken(user, session, now)
	if err != nil {
		return nil, nil, types.NewInternalError("TOKEN_SIGN_FAILED", "Failed to sign access token", err)
	}

	s.audit.Record(ctx, audit.Event{
		UserID:    user.ID,
		Action:    types.AuditLoginSuccess,
		Resource:  "session",
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Metadata:  map[string]interface{}{"session_id": session.ID},
	})

	return &types.AuthToken{
		AccessToken:  accessToken,
		RefreshToken: root.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		IssuedAt:     now,
	}, user, nil
}

// ValidateSession verifies an access token against its session row and
// the owning user, and bumps last activity on success. A locked or
// inactive user fails closed even when the session itself is valid.
func (s *Service) ValidateSession(ctx context.Context, accessToken string) (*types.User, *types.Session, error) {
	claims, err := s.parseAccessToken(accessToken)
	if err != nil {
		return nil, nil, err
	}

	session, err := s.sessions.GetByID(ctx, claims.SessionID)
	if err != nil {
		return nil, nil, types.NewSessionInvalidError("Session not found")
	}

	now := s.now()
	if !session.IsActive {
		return nil, nil, types.NewSessionInvalidError("Session terminated")
	}
	if !session.ExpiresAt.After(now) {
		if err := s.sessions.Terminate(ctx, session.ID, "system", ReasonExpired, now); err != nil {
			s.logger.WithError(err).Warn("Failed to terminate expired session")
		}
		return nil, nil, types.NewSessionExpiredError()
	}

	user, err := s.users.GetByID(ctx, session.UserID)
	if err != nil {
		return nil, nil, types.NewSessionInvalidError("Session owner not found")
	}
	if !user.CanAuthorize(now) {
		return nil, nil, types.NewSessionInvalidError("Account locked or inactive")
	}

	if err := s.sessions.Touch(ctx, session.ID, now); err != nil {
		s.logger.WithError(err).Warn("Failed to bump session activity")
	}

	return user, session, nil
}

// Refresh rotates a refresh token: the presented token is revoked and
// a child carrying the same device fingerprint is issued. Presenting a
// token that was already rotated away is treated as theft, and the
// whole chain from that node downward is revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta RequestMeta) (*types.AuthToken, error) {
	now := s.now()

	rt, err := s.refresh.GetByToken(ctx, refreshToken)
	if err != nil {
		return nil, types.NewSessionInvalidError("Unknown refresh token")
	}

	if rt.IsRevoked {
		if rt.RevokedReason == ReasonRotated {
			return nil, s.handleReuse(ctx, rt, meta)
		}
		return nil, types.NewSessionInvalidError("Refresh token revoked")
	}

	if !rt.ExpiresAt.After(now) {
		return nil, types.NewSessionExpiredError()
	}

	session, err := s.sessions.GetByID(ctx, rt.SessionID)
	if err != nil || !session.IsActive {
		return nil, types.NewSessionInvalidError("Session terminated")
	}

	user, err := s.users.GetByID(ctx, rt.UserID)
	if err != nil {
		return nil, types.NewSessionInvalidError("Token owner not found")
	}
	if !user.CanAuthorize(now) {
		return nil, types.NewSessionInvalidError("Account locked or inactive")
	}

	child := &types.RefreshToken{
		ID:        uuid.New().String(),
		Token:     randomToken(),
		UserID:    rt.UserID,
		SessionID: rt.SessionID,
		ParentID:  &rt.ID,
		// Fingerprint carried forward from the parent for later reuse
		// detection.
		DeviceID:  rt.DeviceID,
		IPAddress: rt.IPAddress,
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}

	if err := s.refresh.Rotate(ctx, rt.ID, child); err != nil {
		if errors.Is(err, ErrAlreadyRotated) {
			// A concurrent refresh won the rotation; this presentation
			// is a replay.
			return nil, s.handleReuse(ctx, rt, meta)
		}
		return nil, types.NewInternalError("REFRESH_ROTATE_FAILED", "Failed to rotate refresh token", err)
	}

	accessToken, err := s.signAccessToken(user, session, now)
	if err != nil {
		return nil, types.NewInternalError("TOKEN_SIGN_FAILED", "Failed to sign access token", err)
	}

	if err := s.sessions.Touch(ctx, session.ID, now); err != nil {
		s.logger.WithError(err).Warn("Failed to bump session activity")
	}

	s.audit.Record(ctx, audit.Event{
		UserID:     user.ID,
		Action:     types.AuditTokenRefresh,
		Resource:   "refresh_token",
		ResourceID: child.ID,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		Metadata:   map[string]interface{}{"parent_id": rt.ID, "session_id": session.ID},
	})

	return &types.AuthToken{
		AccessToken:  accessToken,
		RefreshToken: child.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		IssuedAt:     now,
	}, nil
}

// TerminateByID ends a session and revokes the refresh tokens attached
// to it. It is idempotent; logout and admin termination both land
// here.
func (s *Service) TerminateByID(ctx context.Context, sessionID, by, reason string) error {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return types.NewSessionInvalidError("Session not found")
	}
	return s.terminateSession(ctx, session, by, reason)
}

func (s *Service) terminateSession(ctx context.Context, session *types.Session, by, reason string) error {
	now := s.now()
	if err := s.sessions.Terminate(ctx, session.ID, by, reason, now); err != nil {
		return types.NewInternalError("SESSION_TERMINATE_FAILED", "Failed to terminate session", err)
	}
	if _, err := s.refresh.RevokeBySession(ctx, session.ID, by, reason, now); err != nil {
		s.logger.WithError(err).WithField("session_id", session.ID).Warn("Failed to revoke session refresh tokens")
	}

	s.audit.Record(ctx, audit.Event{
		UserID:     session.UserID,
		Action:     types.AuditLogout,
		Resource:   "session",
		ResourceID: session.ID,
		Metadata:   map[string]interface{}{"reason": reason, "by": by},
	})
	return nil
}

// ExpireSessions is the housekeeping sweep for sessions past expiry or
// idle beyond the inactivity ceiling
func (s *Service) ExpireSessions(ctx context.Context) (int64, error) {
	now := s.now()
	return s.sessions.TerminateExpired(ctx, now, now.Add(-s.inactivityCeiling))
}

// RevokeExpiredRefreshTokens is the housekeeping sweep for refresh
// tokens past expiry
func (s *Service) RevokeExpiredRefreshTokens(ctx context.Context) (int64, error) {
	return s.refresh.RevokeExpired(ctx, s.now())
}

// handleReuse revokes the chain below the presented node, terminates
// the attached session, and raises the security incident
func (s *Service) handleReuse(ctx context.Context, rt *types.RefreshToken, meta RequestMeta) error {
	now := s.now()

	revoked, err := s.refresh.RevokeChain(ctx, rt.ID, "system", ReasonReuse, now)
	if err != nil {
		s.logger.WithError(err).WithField("token_id", rt.ID).Error("Failed to revoke token chain after reuse")
	}
	if err := s.sessions.Terminate(ctx, rt.SessionID, "system", ReasonReuse, now); err != nil {
		s.logger.WithError(err).WithField("session_id", rt.SessionID).Warn("Failed to terminate session after reuse")
	}

	s.logger.Security("refresh_token_reuse", rt.UserID, map[string]interface{}{
		"token_id":   rt.ID,
		"session_id": rt.SessionID,
		"revoked":    revoked,
		"ip_address": meta.IPAddress,
	})

	s.audit.Record(ctx, audit.Event{
		UserID:     rt.UserID,
		Action:     types.AuditTokenReuse,
		Resource:   "refresh_token",
		ResourceID: rt.ID,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		Metadata: map[string]interface{}{
			"session_id":     rt.SessionID,
			"revoked_tokens": revoked,
		},
	})

	return types.NewTokenReuseError()
}

// handleFailedPassword bumps the failure counter and locks the account
// once the ceiling is reached
func (s *Service) handleFailedPassword(ctx context.Context, user *types.User, meta RequestMeta) {
	var lockUntil *time.Time
	if user.FailedLoginAttempts+1 >= s.cfg.Tokens.MaxFailedLogins {
		t := s.now().Add(time.Duration(s.cfg.Tokens.LockoutMinutes) * time.Minute)
		lockUntil = &t
	}

	count, err := s.users.RecordLoginFailure(ctx, user.ID, lockUntil)
	if err != nil {
		s.logger.WithUserID(user.ID).WithError(err).Error("Failed to record login failure")
	}

	s.recordLoginFailure(ctx, user.ID, user.Username, meta, "bad password")

	if lockUntil != nil {
		s.logger.Security("account_lockout", user.ID, map[string]interface{}{
			"failed_attempts": count,
			"locked_until":    lockUntil,
		})
		s.audit.Record(ctx, audit.Event{
			UserID:    user.ID,
			Action:    types.AuditAccountLockout,
			Resource:  "user",
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
			Metadata:  map[string]interface{}{"locked_until": lockUntil, "failed_attempts": count},
		})
	}
}

func (s *Service) recordLoginFailure(ctx context.Context, userID, username string, meta RequestMeta, reason string) {
	s.audit.Record(ctx, audit.Event{
		UserID:    userID,
		Action:    types.AuditLoginFailure,
		Resource:  "session",
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Metadata:  map[string]interface{}{"username": username, "reason": reason},
	})
}

// randomToken returns an unguessable opaque token value
func randomToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process cannot mint secrets at
		// all; stopping is safer than issuing weak tokens.
		panic(fmt.Sprintf("tokens: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
