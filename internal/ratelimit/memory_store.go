package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

// MemoryStore implements Store in process memory. It backs tests and
// single-instance development setups; production deployments use the
// Postgres or Redis store so counts survive restarts and are shared
// across pipeline instances.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[memoryKey]*types.RateLimitEntry

	// failErr, when set, makes every Increment fail. Tests use it to
	// exercise the fail-open/fail-closed policy.
	failErr error
}

type memoryKey struct {
	identifier  string
	route       string
	windowStart int64
}

// NewMemoryStore creates an in-memory counter store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[memoryKey]*types.RateLimitEntry),
	}
}

// Increment bumps the counter for the window key under a single lock
func (s *MemoryStore) Increment(ctx context.Context, identifier, route string, windowStart, windowEnd time.Time, max int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failErr != nil {
		return 0, s.failErr
	}

	key := memoryKey{identifier: identifier, route: route, windowStart: windowStart.Unix()}
	entry, ok := s.entries[key]
	if !ok {
		entry = &types.RateLimitEntry{
			Identifier:  identifier,
			Route:       route,
			WindowStart: windowStart,
			WindowEnd:   windowEnd,
		}
		s.entries[key] = entry
	}

	entry.Count++
	if entry.Count > max {
		entry.Blocked = true
	}
	return entry.Count, nil
}

// DeleteExpired removes entries whose window ended before the cutoff
func (s *MemoryStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, entry := range s.entries {
		if entry.WindowEnd.Before(cutoff) {
			delete(s.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

// SetFailure forces subsequent Increment calls to fail with err
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Len returns the number of live window entries
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
