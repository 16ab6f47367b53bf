package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ktmed/medessencev2-sub005/pkg/config"
	"github.com/ktmed/medessencev2-sub005/pkg/logger"
)

// Decision is the outcome of a rate limit check
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int64
	Remaining         int
}

// Limiter enforces fixed, non-sliding request windows per
// (identifier, route). Window geometry and ceilings come from
// configuration; the counter lives in the shared store so the limit
// holds across pipeline instances.
type Limiter struct {
	store  Store
	cfg    *config.Config
	logger *logger.Logger
	now    func() time.Time

	blockedTotal atomic.Int64
}

// NewLimiter creates a new rate limiter
func NewLimiter(store Store, cfg *config.Config, log *logger.Logger) *Limiter {
	return &Limiter{
		store:  store,
		cfg:    cfg,
		logger: log,
		now:    time.Now,
	}
}

// Check locates the current window for (identifier, route), increments
// its counter, and decides whether the request is admitted. When the
// counting store is unavailable the configured failure policy applies:
// fail open admits the request, fail closed blocks it.
func (l *Limiter) Check(ctx context.Context, identifier, route string) (*Decision, error) {
	if !l.cfg.RateLimit.Enabled {
		return &Decision{Allowed: true}, nil
	}

	limit := l.cfg.LimitFor(route)
	window := time.Duration(limit.WindowSeconds) * time.Second

	now := l.now()
	windowStart := now.Truncate(window)
	windowEnd := windowStart.Add(window)
	retryAfter := int64(windowEnd.Sub(now).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}

	count, err := l.store.Increment(ctx, identifier, route, windowStart, windowEnd, limit.MaxRequests)
	if err != nil {
		l.logger.WithError(err).WithField("route", route).Error("Rate limit store unavailable")
		if limit.FailurePolicy == "open" {
			return &Decision{Allowed: true}, nil
		}
		l.blockedTotal.Add(1)
		return &Decision{Allowed: false, RetryAfterSeconds: retryAfter}, nil
	}

	if count > limit.MaxRequests {
		l.blockedTotal.Add(1)
		return &Decision{Allowed: false, RetryAfterSeconds: retryAfter}, nil
	}

	return &Decision{
		Allowed:   true,
		Remaining: limit.MaxRequests - count,
	}, nil
}

// Evict deletes entries whose retention bound has passed, keeping
// storage for closed windows finite
func (l *Limiter) Evict(ctx context.Context) (int64, error) {
	retention := time.Duration(l.cfg.RateLimit.RetentionMins) * time.Minute
	return l.store.DeleteExpired(ctx, l.now().Add(-retention))
}

// BlockedTotal returns the number of requests this instance has blocked
// since start. The health endpoint reports it as an aggregate without
// exposing per-caller detail.
func (l *Limiter) BlockedTotal() int64 {
	return l.blockedTotal.Load()
}
