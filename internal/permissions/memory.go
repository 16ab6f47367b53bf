package permissions

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

// MemoryStore is an in-memory grant store used in tests
type MemoryStore struct {
	mu      sync.Mutex
	grants  map[string]*types.UserPermission
	failure error
}

// NewMemoryStore creates an empty in-memory grant store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]*types.UserPermission)}
}

// SetFailure makes every subsequent call fail with err
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

func (s *MemoryStore) Insert(ctx context.Context, grant *types.UserPermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	for _, existing := range s.grants {
		if existing.UserID == grant.UserID && existing.Permission == grant.Permission &&
			equalResource(existing.Resource, grant.Resource) {
			return ErrDuplicateGrant
		}
	}
	copied := *grant
	s.grants[grant.ID] = &copied
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*types.UserPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	grant, ok := s.grants[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *grant
	return &copied, nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*types.UserPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	var grants []*types.UserPermission
	for _, grant := range s.grants {
		if grant.UserID == userID {
			copied := *grant
			grants = append(grants, &copied)
		}
	}
	return grants, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	if _, ok := s.grants[id]; !ok {
		return sql.ErrNoRows
	}
	delete(s.grants, id)
	return nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return 0, s.failure
	}
	var removed int64
	for id, grant := range s.grants {
		if grant.Expired(now) {
			delete(s.grants, id)
			removed++
		}
	}
	return removed, nil
}

// Len reports how many grants the store holds
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.grants)
}

func equalResource(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
