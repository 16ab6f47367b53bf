package types

import "time"

// RateLimitEntry is a fixed-window request counter keyed by
// (identifier, route, windowStart)
type RateLimitEntry struct {
	ID          string    `json:"id" db:"id"`
	Identifier  string    `json:"identifier" db:"identifier"`
	Route       string    `json:"route" db:"route"`
	WindowStart time.Time `json:"window_start" db:"window_start"`
	WindowEnd   time.Time `json:"window_end" db:"window_end"`
	Count       int       `json:"count" db:"count"`
	Blocked     bool      `json:"blocked" db:"blocked"`
}

// CircuitState is one of the three breaker states
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// CircuitBreakerState is the durable per-service breaker row. Exactly
// one row exists per downstream service name.
type CircuitBreakerState struct {
	ServiceName        string       `json:"service_name" db:"service_name"`
	State              CircuitState `json:"state" db:"state"`
	FailureCount       int          `json:"failure_count" db:"failure_count"`
	LastFailure        *time.Time   `json:"last_failure,omitempty" db:"last_failure"`
	NextAttempt        *time.Time   `json:"next_attempt,omitempty" db:"next_attempt"`
	FailureThreshold   int          `json:"failure_threshold" db:"failure_threshold"`
	TimeoutMs          int          `json:"timeout_ms" db:"timeout_ms"`
	ResetTimeoutMs     int          `json:"reset_timeout_ms" db:"reset_timeout_ms"`
	TotalRequests      int64        `json:"total_requests" db:"total_requests"`
	SuccessfulRequests int64        `json:"successful_requests" db:"successful_requests"`
	FailedRequests     int64        `json:"failed_requests" db:"failed_requests"`
	UpdatedAt          time.Time    `json:"updated_at" db:"updated_at"`
}
