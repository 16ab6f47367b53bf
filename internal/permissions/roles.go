package permissions

import "github.com/ktmed/medessencev2-sub005/pkg/types"

// rolePermissions is the static baseline granted by role membership.
// Explicit grants only ever add to this set; nothing subtracts from it.
var rolePermissions = map[types.UserRole][]types.Permission{
	types.RoleGuest: {},
	types.RoleTechnician: {
		types.PermTranscriptionCreate,
		types.PermTranscriptionRead,
	},
	types.RoleResident: {
		types.PermReportRead,
		types.PermReportGenerate,
		types.PermTranscriptionCreate,
		types.PermTranscriptionRead,
		types.PermSummaryGenerate,
	},
	types.RolePhysician: {
		types.PermReportRead,
		types.PermReportGenerate,
		types.PermReportApprove,
		types.PermTranscriptionCreate,
		types.PermTranscriptionRead,
		types.PermSummaryGenerate,
		types.PermDataExport,
	},
	types.RoleAdmin: {
		types.PermReportRead,
		types.PermReportGenerate,
		types.PermReportApprove,
		types.PermTranscriptionCreate,
		types.PermTranscriptionRead,
		types.PermSummaryGenerate,
		types.PermDataExport,
		types.PermUserManage,
		types.PermPermissionGrant,
		types.PermAuditReview,
		types.PermServiceManage,
	},
}

// RoleHas reports whether the role baseline includes the permission
func RoleHas(role types.UserRole, perm types.Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// RoleBaseline returns a copy of the role's baseline permission set
func RoleBaseline(role types.UserRole) []types.Permission {
	baseline := rolePermissions[role]
	out := make([]types.Permission, len(baseline))
	copy(out, baseline)
	return out
}
