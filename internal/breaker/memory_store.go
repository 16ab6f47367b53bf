package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

// MemoryStore implements Store in process memory for tests and
// single-instance development. Production uses the Postgres store so
// an OPEN circuit is not silently reset to CLOSED by a redeploy.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*types.CircuitBreakerState
}

// NewMemoryStore creates an in-memory breaker store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*types.CircuitBreakerState)}
}

// Ensure registers the service row if missing and refreshes thresholds
func (s *MemoryStore) Ensure(ctx context.Context, st *types.CircuitBreakerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.states[st.ServiceName]
	if !ok {
		s.states[st.ServiceName] = &types.CircuitBreakerState{
			ServiceName:      st.ServiceName,
			State:            types.CircuitClosed,
			FailureThreshold: st.FailureThreshold,
			TimeoutMs:        st.TimeoutMs,
			ResetTimeoutMs:   st.ResetTimeoutMs,
			UpdatedAt:        time.Now(),
		}
		return nil
	}
	existing.FailureThreshold = st.FailureThreshold
	existing.TimeoutMs = st.TimeoutMs
	existing.ResetTimeoutMs = st.ResetTimeoutMs
	return nil
}

// Get loads the current state row for a service
func (s *MemoryStore) Get(ctx context.Context, serviceName string) (*types.CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[serviceName]
	if !ok {
		return nil, types.NewNotFoundError("BREAKER_NOT_FOUND", "Circuit breaker not registered")
	}
	out := *st
	return &out, nil
}

// List returns the state rows for all registered services
func (s *MemoryStore) List(ctx context.Context) ([]*types.CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var states []*types.CircuitBreakerState
	for _, st := range s.states {
		out := *st
		states = append(states, &out)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].ServiceName < states[j].ServiceName
	})
	return states, nil
}

// AcquireProbe claims the probe slot, either from OPEN once the reset
// timeout has passed or from a stale HALF_OPEN whose holder vanished
func (s *MemoryStore) AcquireProbe(ctx context.Context, serviceName string, now, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[serviceName]
	if !ok {
		return false, types.NewNotFoundError("BREAKER_NOT_FOUND", "Circuit breaker not registered")
	}

	switch st.State {
	case types.CircuitOpen:
		if st.NextAttempt == nil || st.NextAttempt.After(now) {
			return false, nil
		}
	case types.CircuitHalfOpen:
		if st.UpdatedAt.After(staleBefore) {
			return false, nil
		}
	default:
		return false, nil
	}

	st.State = types.CircuitHalfOpen
	st.UpdatedAt = now
	return true, nil
}

// RecordSuccess accounts a successful call
func (s *MemoryStore) RecordSuccess(ctx context.Context, serviceName string, now time.Time) (*types.CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[serviceName]
	if !ok {
		return nil, types.NewNotFoundError("BREAKER_NOT_FOUND", "Circuit breaker not registered")
	}
	st.TotalRequests++
	st.SuccessfulRequests++
	st.FailureCount = 0
	if st.State == types.CircuitHalfOpen {
		st.State = types.CircuitClosed
		st.NextAttempt = nil
	}
	st.UpdatedAt = now
	out := *st
	return &out, nil
}

// RecordFailure accounts a failed call and trips or reopens the circuit
func (s *MemoryStore) RecordFailure(ctx context.Context, serviceName string, now, nextAttempt time.Time) (*types.CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[serviceName]
	if !ok {
		return nil, types.NewNotFoundError("BREAKER_NOT_FOUND", "Circuit breaker not registered")
	}
	st.TotalRequests++
	st.FailedRequests++
	st.FailureCount++
	lf := now
	st.LastFailure = &lf

	if st.State == types.CircuitHalfOpen || st.FailureCount >= st.FailureThreshold {
		st.State = types.CircuitOpen
		na := nextAttempt
		st.NextAttempt = &na
	}
	st.UpdatedAt = now
	out := *st
	return &out, nil
}
