package types

import (
	"encoding/json"
	"time"
)

// Permission is a fine-grained capability within the gateway
type Permission string

const (
	PermReportRead          Permission = "REPORT_READ"
	PermReportGenerate      Permission = "REPORT_GENERATE"
	PermReportApprove       Permission = "REPORT_APPROVE"
	PermTranscriptionCreate Permission = "TRANSCRIPTION_CREATE"
	PermTranscriptionRead   Permission = "TRANSCRIPTION_READ"
	PermSummaryGenerate     Permission = "SUMMARY_GENERATE"
	PermDataExport          Permission = "DATA_EXPORT"
	PermUserManage          Permission = "USER_MANAGE"
	PermPermissionGrant     Permission = "PERMISSION_GRANT"
	PermAuditReview         Permission = "AUDIT_REVIEW"
	PermServiceManage       Permission = "SERVICE_MANAGE"
)

// UserPermission grants an explicit permission to a user, optionally
// scoped to a resource and bounded in time. Grants are additive only;
// there is no deny grant.
type UserPermission struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Permission Permission      `json:"permission" db:"permission"`
	Resource   *string         `json:"resource,omitempty" db:"resource"`
	Conditions json.RawMessage `json:"conditions,omitempty" db:"conditions"`
	GrantedBy  string          `json:"granted_by" db:"granted_by"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Expired reports whether the grant has lapsed. An expired grant is
// inert but stays on record until the housekeeping sweep reaps it.
func (p *UserPermission) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}

// Matches reports whether the grant covers the requested permission and
// resource. A grant without a resource applies to every resource.
func (p *UserPermission) Matches(perm Permission, resource string) bool {
	if p.Permission != perm {
		return false
	}
	return p.Resource == nil || *p.Resource == resource
}
