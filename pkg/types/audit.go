package types

import "time"

// RiskLevel classifies how sensitive an audited action is
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AuditAction identifies the kind of event being recorded
type AuditAction string

const (
	AuditLoginSuccess       AuditAction = "LOGIN_SUCCESS"
	AuditLoginFailure       AuditAction = "LOGIN_FAILURE"
	AuditAccountLockout     AuditAction = "ACCOUNT_LOCKOUT"
	AuditLogout             AuditAction = "LOGOUT"
	AuditTokenRefresh       AuditAction = "TOKEN_REFRESH"
	AuditTokenReuse         AuditAction = "TOKEN_REUSE_DETECTED"
	AuditSessionExpired     AuditAction = "SESSION_EXPIRED"
	AuditPermissionDenied   AuditAction = "PERMISSION_DENIED"
	AuditPermissionGranted  AuditAction = "PERMISSION_GRANTED"
	AuditPermissionRevoked  AuditAction = "PERMISSION_REVOKED"
	AuditReportView         AuditAction = "REPORT_VIEW"
	AuditReportGenerate     AuditAction = "REPORT_GENERATE"
	AuditDataExport         AuditAction = "DATA_EXPORT"
	AuditRateLimitExceeded  AuditAction = "RATE_LIMIT_EXCEEDED"
	AuditCircuitOpened      AuditAction = "CIRCUIT_OPENED"
	AuditDownstreamProxied  AuditAction = "DOWNSTREAM_PROXIED"
	AuditUnauthorizedAccess AuditAction = "UNAUTHORIZED_ACCESS"
)

// AuditLogEntry is an immutable record of a security- or data-relevant
// action. Content fields are never modified once written; only the
// review fields may be set later, and only by a reviewer.
type AuditLogEntry struct {
	ID             string                 `json:"id" db:"id"`
	UserID         string                 `json:"user_id" db:"user_id"`
	Action         AuditAction            `json:"action" db:"action"`
	Resource       string                 `json:"resource" db:"resource"`
	ResourceID     string                 `json:"resource_id" db:"resource_id"`
	IPAddress      string                 `json:"ip_address" db:"ip_address"`
	UserAgent      string                 `json:"user_agent" db:"user_agent"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	RiskLevel      RiskLevel              `json:"risk_level" db:"risk_level"`
	Flagged        bool                   `json:"flagged" db:"flagged"`
	ReviewRequired bool                   `json:"review_required" db:"review_required"`
	ReviewedBy     string                 `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewedAt     *time.Time             `json:"reviewed_at,omitempty" db:"reviewed_at"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
}

// Purgeable reports whether the entry may be removed by the retention
// sweep. Flagged or review-required entries are retained indefinitely
// until a reviewer clears them.
func (e *AuditLogEntry) Purgeable(retentionHorizon time.Time) bool {
	return !e.Flagged && !e.ReviewRequired && e.CreatedAt.Before(retentionHorizon)
}
