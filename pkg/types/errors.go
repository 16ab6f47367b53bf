package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents different categories of errors in the gateway
type ErrorType string

const (
	ErrorTypeRateLimited       ErrorType = "rate_limited"
	ErrorTypeCircuitOpen       ErrorType = "circuit_open"
	ErrorTypeSessionInvalid    ErrorType = "session_invalid"
	ErrorTypeSessionExpired    ErrorType = "session_expired"
	ErrorTypeTokenReuse        ErrorType = "token_reuse_detected"
	ErrorTypePermissionDenied  ErrorType = "permission_denied"
	ErrorTypeDownstreamTimeout ErrorType = "downstream_timeout"
	ErrorTypeDownstreamError   ErrorType = "downstream_error"
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeAuthentication    ErrorType = "authentication"
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeConflict          ErrorType = "conflict"
	ErrorTypeInternal          ErrorType = "internal"
)

// GatewayError represents a structured error in the gateway core.
// Each type maps to a stable response shape so a calling client can
// distinguish "try again shortly" from "re-authenticate" from "not
// permitted".
type GatewayError struct {
	Type              ErrorType              `json:"type"`
	Code              string                 `json:"code"`
	Message           string                 `json:"message"`
	RetryAfterSeconds int64                  `json:"retry_after_seconds,omitempty"`
	Details           map[string]interface{} `json:"details,omitempty"`
	Cause             error                  `json:"-"`
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error type to the HTTP status returned to the caller
func (e *GatewayError) HTTPStatus() int {
	switch e.Type {
	case ErrorTypeRateLimited:
		return http.StatusTooManyRequests
	case ErrorTypeCircuitOpen, ErrorTypeDownstreamError:
		return http.StatusServiceUnavailable
	case ErrorTypeDownstreamTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeSessionInvalid, ErrorTypeSessionExpired, ErrorTypeTokenReuse, ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypePermissionDenied:
		return http.StatusForbidden
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry the same request later
// without changing credentials or grants
func (e *GatewayError) Retryable() bool {
	switch e.Type {
	case ErrorTypeRateLimited, ErrorTypeCircuitOpen, ErrorTypeDownstreamTimeout, ErrorTypeDownstreamError:
		return true
	default:
		return false
	}
}

// IsType reports whether err is a GatewayError of the given type
func IsType(err error, t ErrorType) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Type == t
	}
	return false
}

// NewRateLimitedError creates a rate-limited error with a retry hint
func NewRateLimitedError(retryAfterSeconds int64) *GatewayError {
	return &GatewayError{
		Type:              ErrorTypeRateLimited,
		Code:              "RATE_LIMIT_EXCEEDED",
		Message:           "Too many requests, retry later",
		RetryAfterSeconds: retryAfterSeconds,
	}
}

// NewCircuitOpenError creates a fail-fast circuit-open error
func NewCircuitOpenError(serviceName string, retryAfterSeconds int64) *GatewayError {
	return &GatewayError{
		Type:              ErrorTypeCircuitOpen,
		Code:              "CIRCUIT_OPEN",
		Message:           fmt.Sprintf("Service %s is temporarily unavailable", serviceName),
		RetryAfterSeconds: retryAfterSeconds,
		Details:           map[string]interface{}{"service": serviceName},
	}
}

// NewSessionInvalidError creates an error requiring re-authentication
func NewSessionInvalidError(message string) *GatewayError {
	return &GatewayError{
		Type:    ErrorTypeSessionInvalid,
		Code:    "SESSION_INVALID",
		Message: message,
	}
}

// NewSessionExpiredError creates an error for an expired session
func NewSessionExpiredError() *GatewayError {
	return &GatewayError{
		Type:    ErrorTypeSessionExpired,
		Code:    "SESSION_EXPIRED",
		Message: "Session has expired, re-authentication required",
	}
}

// NewTokenReuseError creates the security-incident error raised when an
// already-rotated refresh token is presented again
func NewTokenReuseError() *GatewayError {
	return &GatewayError{
		Type:    ErrorTypeTokenReuse,
		Code:    "TOKEN_REUSE_DETECTED",
		Message: "Refresh token reuse detected, token chain revoked",
	}
}

// NewPermissionDeniedError creates a permission-denied error
func NewPermissionDeniedError(permission, resource string) *GatewayError {
	details := map[string]interface{}{"permission": permission}
	if resource != "" {
		details["resource"] = resource
	}
	return &GatewayError{
		Type:    ErrorTypePermissionDenied,
		Code:    "PERMISSION_DENIED",
		Message: "Not permitted to perform this action",
		Details: details,
	}
}

// NewDownstreamTimeoutError creates an error for a timed-out proxy call
func NewDownstreamTimeoutError(serviceName string, cause error) *GatewayError {
	return &GatewayError{
		Type:    ErrorTypeDownstreamTimeout,
		Code:    "DOWNSTREAM_TIMEOUT",
		Message: fmt.Sprintf("Service %s did not answer in time", serviceName),
		Details: map[string]interface{}{"service": serviceName},
		Cause:   cause,
	}
}

// NewDownstreamError creates an error for a failed proxy call
func NewDownstreamError(serviceName string, cause error) *GatewayError {
	return &GatewayError{
		Type:    ErrorTypeDownstreamError,
		Code:    "DOWNSTREAM_ERROR",
		Message: fmt.Sprintf("Service %s returned an error", serviceName),
		Details: map[string]interface{}{"service": serviceName},
		Cause:   cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(code, message string) *GatewayError {
	return &GatewayError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
	}
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(code, message string) *GatewayError {
	return &GatewayError{
		Type:    ErrorTypeAuthentication,
		Code:    code,
		Message: message,
	}
}

// NewConflictError creates a new conflict error
func NewConflictError(code, message string) *GatewayError {
	return &GatewayError{
		Type:    ErrorTypeConflict,
		Code:    code,
		Message: message,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(code, message string) *GatewayError {
	return &GatewayError{
		Type:    ErrorTypeNotFound,
		Code:    code,
		Message: message,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(code, message string, cause error) *GatewayError {
	return &GatewayError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}
