package audit

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

// MemoryStore is an in-memory audit store used in tests
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*types.AuditLogEntry
	failure error
}

// NewMemoryStore creates an empty in-memory audit store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*types.AuditLogEntry)}
}

// SetFailure makes every subsequent call fail with err
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

func (s *MemoryStore) Insert(ctx context.Context, entry *types.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	copied := *entry
	s.entries[entry.ID] = &copied
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*types.AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}
	entry, ok := s.entries[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *entry
	return &copied, nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*types.AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}

	var matched []*types.AuditLogEntry
	for _, entry := range s.entries {
		if filter.UserID != "" && entry.UserID != filter.UserID {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		if filter.Resource != "" && entry.Resource != filter.Resource {
			continue
		}
		if filter.RiskLevel != "" && entry.RiskLevel != filter.RiskLevel {
			continue
		}
		if filter.Flagged != nil && entry.Flagged != *filter.Flagged {
			continue
		}
		if filter.ReviewRequired != nil && entry.ReviewRequired != *filter.ReviewRequired {
			continue
		}
		if filter.Since != nil && entry.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !entry.CreatedAt.Before(*filter.Until) {
			continue
		}
		copied := *entry
		matched = append(matched, &copied)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) MarkReviewed(ctx context.Context, id, reviewedBy string, reviewedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	entry, ok := s.entries[id]
	if !ok {
		return sql.ErrNoRows
	}
	entry.ReviewRequired = false
	entry.ReviewedBy = reviewedBy
	entry.ReviewedAt = &reviewedAt
	return nil
}

func (s *MemoryStore) DeletePurgeable(ctx context.Context, horizon time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return 0, s.failure
	}
	var removed int64
	for id, entry := range s.entries {
		if entry.Purgeable(horizon) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

// Len reports how many entries the store holds
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
