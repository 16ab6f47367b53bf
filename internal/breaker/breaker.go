package breaker

import (
	"context"
	"time"

	"github.com/ktmed/medessencev2-sub005/pkg/config"
	"github.com/ktmed/medessencev2-sub005/pkg/logger"
	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

// Breaker guards calls to downstream services with a per-service
// 3-state machine. State lives in the shared store, so all pipeline
// instances see the same circuit and an OPEN circuit survives a
// redeploy.
type Breaker struct {
	store  Store
	cfg    *config.Config
	logger *logger.Logger
	now    func() time.Time

	// onOpen, when set, is notified after a circuit trips OPEN. The
	// gateway wires the audit logger here.
	onOpen func(serviceName string, st *types.CircuitBreakerState)
}

// probeSlack is how long past the call timeout a HALF_OPEN slot may
// sit without its accounting write before the probe is considered
// lost. A holder that crashed mid-probe, or whose store write failed,
// would otherwise pin the circuit in HALF_OPEN forever.
const probeSlack = 5 * time.Second

// New creates a circuit breaker backed by the given store
func New(store Store, cfg *config.Config, log *logger.Logger) *Breaker {
	return &Breaker{
		store:  store,
		cfg:    cfg,
		logger: log,
		now:    time.Now,
	}
}

// OnOpen registers a callback invoked whenever a circuit trips OPEN
func (b *Breaker) OnOpen(fn func(serviceName string, st *types.CircuitBreakerState)) {
	b.onOpen = fn
}

// Register ensures the durable state row for a service exists, using
// the configured thresholds
func (b *Breaker) Register(ctx context.Context, serviceName string) error {
	bc := b.cfg.BreakerFor(serviceName)
	return b.store.Ensure(ctx, &types.CircuitBreakerState{
		ServiceName:      serviceName,
		FailureThreshold: bc.FailureThreshold,
		TimeoutMs:        bc.TimeoutMs,
		ResetTimeoutMs:   bc.ResetTimeoutMs,
	})
}

// States returns the current state of every registered circuit
func (b *Breaker) States(ctx context.Context) ([]*types.CircuitBreakerState, error) {
	return b.store.List(ctx)
}

// Execute runs fn against the named downstream service under the
// breaker. When the circuit is OPEN the call fails fast with a
// circuit-open error and fn is never invoked; when the reset timeout
// has elapsed exactly one caller is admitted as the half-open probe.
// A call exceeding the configured timeout is recorded as a failure
// even though the underlying call may still complete in the
// background.
func (b *Breaker) Execute(ctx context.Context, serviceName string, fn func(context.Context) error) error {
	st, err := b.store.Get(ctx, serviceName)
	if err != nil {
		// Without a readable state row there is nothing to account
		// against; let the call through rather than taking the service
		// down on a store outage.
		b.logger.WithError(err).WithField("service", serviceName).Error("Breaker state unavailable, passing call through")
		return fn(ctx)
	}

	now := b.now()

	staleBefore := now.Add(-(time.Duration(st.TimeoutMs)*time.Millisecond + probeSlack))

	switch st.State {
	case types.CircuitOpen:
		if st.NextAttempt != nil && now.Before(*st.NextAttempt) {
			return types.NewCircuitOpenError(serviceName, retryAfter(st.NextAttempt, now))
		}
		admitted, err := b.store.AcquireProbe(ctx, serviceName, now, staleBefore)
		if err != nil {
			return types.NewInternalError("BREAKER_STORE_ERROR", "Failed to acquire probe", err)
		}
		if !admitted {
			// Another instance won the probe slot.
			return types.NewCircuitOpenError(serviceName, retryAfter(st.NextAttempt, now))
		}
	case types.CircuitHalfOpen:
		if st.UpdatedAt.After(staleBefore) {
			// A probe is in flight elsewhere.
			return types.NewCircuitOpenError(serviceName, int64(st.ResetTimeoutMs/1000))
		}
		// The slot outlived the probe's call timeout with no accounting
		// write; its holder is gone. Reclaim the slot so the circuit
		// cannot stay HALF_OPEN forever.
		admitted, err := b.store.AcquireProbe(ctx, serviceName, now, staleBefore)
		if err != nil {
			return types.NewInternalError("BREAKER_STORE_ERROR", "Failed to acquire probe", err)
		}
		if !admitted {
			return types.NewCircuitOpenError(serviceName, int64(st.ResetTimeoutMs/1000))
		}
	}

	return b.call(ctx, serviceName, st, fn)
}

// call runs fn with the per-service timeout and resolves the
// accounting update on whichever finishes first, the call or the
// deadline.
func (b *Breaker) call(ctx context.Context, serviceName string, st *types.CircuitBreakerState, fn func(context.Context) error) error {
	timeout := time.Duration(st.TimeoutMs) * time.Millisecond
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			b.recordFailure(ctx, serviceName, st)
			return err
		}
		b.recordSuccess(ctx, serviceName)
		return nil
	case <-callCtx.Done():
		// The accounting update must land even though the request
		// context is finished; the downstream call is abandoned.
		b.recordFailure(context.WithoutCancel(ctx), serviceName, st)
		return types.NewDownstreamTimeoutError(serviceName, callCtx.Err())
	}
}

func (b *Breaker) recordSuccess(ctx context.Context, serviceName string) {
	if _, err := b.store.RecordSuccess(ctx, serviceName, b.now()); err != nil {
		b.logger.WithError(err).WithField("service", serviceName).Error("Failed to record breaker success")
	}
}

func (b *Breaker) recordFailure(ctx context.Context, serviceName string, prev *types.CircuitBreakerState) {
	now := b.now()
	nextAttempt := now.Add(time.Duration(prev.ResetTimeoutMs) * time.Millisecond)

	updated, err := b.store.RecordFailure(ctx, serviceName, now, nextAttempt)
	if err != nil {
		b.logger.WithError(err).WithField("service", serviceName).Error("Failed to record breaker failure")
		return
	}

	if updated.State == types.CircuitOpen && prev.State != types.CircuitOpen {
		b.logger.WithFields(map[string]interface{}{
			"service":       serviceName,
			"failure_count": updated.FailureCount,
			"next_attempt":  updated.NextAttempt,
		}).Warn("Circuit breaker opened")
		if b.onOpen != nil {
			b.onOpen(serviceName, updated)
		}
	}
}

func retryAfter(nextAttempt *time.Time, now time.Time) int64 {
	if nextAttempt == nil {
		return 1
	}
	secs := int64(nextAttempt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}
