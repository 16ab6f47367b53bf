package tokens

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

// MemoryUserStore is an in-memory user store used in tests
type MemoryUserStore struct {
	mu    sync.Mutex
	users map[string]*types.User
}

// NewMemoryUserStore creates an in-memory user store
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]*types.User)}
}

// Put adds or replaces a user
func (s *MemoryUserStore) Put(user *types.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *user
	s.users[user.ID] = &copied
}

func (s *MemoryUserStore) GetByID(ctx context.Context, id string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *user
	return &copied, nil
}

func (s *MemoryUserStore) GetByUsername(ctx context.Context, username string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Username == username {
			copied := *user
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *MemoryUserStore) RecordLoginFailure(ctx context.Context, userID string, lockUntil *time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return 0, sql.ErrNoRows
	}
	user.FailedLoginAttempts++
	if lockUntil != nil {
		user.LockedUntil = lockUntil
	}
	return user.FailedLoginAttempts, nil
}

func (s *MemoryUserStore) ResetLoginFailures(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	return nil
}

// MemorySessionStore is an in-memory session store used in tests
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
}

// NewMemorySessionStore creates an in-memory session store
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*types.Session)}
}

func (s *MemorySessionStore) Create(ctx context.Context, session *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *MemorySessionStore) GetByID(ctx context.Context, id string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *session
	return &copied, nil
}

func (s *MemorySessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok && session.IsActive {
		session.LastActivity = at
	}
	return nil
}

func (s *MemorySessionStore) Terminate(ctx context.Context, id, by, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok || !session.IsActive {
		return nil
	}
	session.IsActive = false
	session.TerminatedAt = &at
	session.TerminatedBy = by
	session.TerminationReason = reason
	return nil
}

func (s *MemorySessionStore) TerminateExpired(ctx context.Context, now, inactivityCutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var swept int64
	for _, session := range s.sessions {
		if !session.IsActive {
			continue
		}
		if session.ExpiresAt.After(now) && !session.LastActivity.Before(inactivityCutoff) {
			continue
		}
		session.IsActive = false
		session.TerminatedAt = &now
		session.TerminatedBy = "system"
		session.TerminationReason = ReasonExpired
		swept++
	}
	return swept, nil
}

// MemoryRefreshTokenStore is an in-memory refresh token store used in
// tests. Rotation keeps the exactly-one-winner guarantee under the
// store mutex.
type MemoryRefreshTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*types.RefreshToken
}

// NewMemoryRefreshTokenStore creates an in-memory refresh token store
func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{tokens: make(map[string]*types.RefreshToken)}
}

func (s *MemoryRefreshTokenStore) Create(ctx context.Context, token *types.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *token
	s.tokens[token.ID] = &copied
	return nil
}

func (s *MemoryRefreshTokenStore) GetByToken(ctx context.Context, token string) (*types.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rt := range s.tokens {
		if rt.Token == token {
			copied := *rt
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *MemoryRefreshTokenStore) Rotate(ctx context.Context, parentID string, child *types.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.tokens[parentID]
	if !ok {
		return sql.ErrNoRows
	}
	if parent.IsRevoked {
		return ErrAlreadyRotated
	}
	parent.IsRevoked = true
	parent.RevokedAt = &child.CreatedAt
	parent.RevokedBy = "system"
	parent.RevokedReason = ReasonRotated

	copied := *child
	s.tokens[child.ID] = &copied
	return nil
}

func (s *MemoryRefreshTokenStore) RevokeChain(ctx context.Context, rootID, by, reason string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	frontier := map[string]bool{rootID: true}
	member := map[string]bool{rootID: true}
	for len(frontier) > 0 {
		next := map[string]bool{}
		for _, rt := range s.tokens {
			if rt.ParentID != nil && frontier[*rt.ParentID] && !member[rt.ID] {
				member[rt.ID] = true
				next[rt.ID] = true
			}
		}
		frontier = next
	}

	var revoked int64
	for id := range member {
		rt, ok := s.tokens[id]
		if !ok || rt.IsRevoked {
			continue
		}
		rt.IsRevoked = true
		rt.RevokedAt = &at
		rt.RevokedBy = by
		rt.RevokedReason = reason
		revoked++
	}
	return revoked, nil
}

func (s *MemoryRefreshTokenStore) RevokeBySession(ctx context.Context, sessionID, by, reason string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var revoked int64
	for _, rt := range s.tokens {
		if rt.SessionID != sessionID || rt.IsRevoked {
			continue
		}
		rt.IsRevoked = true
		rt.RevokedAt = &at
		rt.RevokedBy = by
		rt.RevokedReason = reason
		revoked++
	}
	return revoked, nil
}

func (s *MemoryRefreshTokenStore) RevokeExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var revoked int64
	for _, rt := range s.tokens {
		if rt.IsRevoked || rt.ExpiresAt.After(now) {
			continue
		}
		rt.IsRevoked = true
		rt.RevokedAt = &now
		rt.RevokedBy = "system"
		rt.RevokedReason = ReasonExpired
		revoked++
	}
	return revoked, nil
}

// Get returns a token by id, for assertions
func (s *MemoryRefreshTokenStore) Get(id string) (*types.RefreshToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.tokens[id]
	if !ok {
		return nil, false
	}
	copied := *rt
	return &copied, true
}
