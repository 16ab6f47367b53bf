package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

func TestRoleBaseline_AdditiveAcrossRoles(t *testing.T) {
	// Each role's baseline contains everything the role below it has.
	// The model is additive: promotion never loses a permission.
	ladder := []types.UserRole{
		types.RoleGuest,
		types.RoleTechnician,
		types.RoleResident,
		types.RolePhysician,
		types.RoleAdmin,
	}

	for i := 1; i < len(ladder); i++ {
		lower, higher := ladder[i-1], ladder[i]
		for _, perm := range RoleBaseline(lower) {
			assert.Truef(t, RoleHas(higher, perm),
				"%s baseline missing %s held by %s", higher, perm, lower)
		}
	}
}

func TestRoleBaseline_ReturnsACopy(t *testing.T) {
	baseline := RoleBaseline(types.RoleTechnician)
	assert.NotEmpty(t, baseline)

	baseline[0] = types.PermServiceManage

	assert.False(t, RoleHas(types.RoleTechnician, types.PermServiceManage))
	assert.Contains(t, RoleBaseline(types.RoleTechnician), types.PermTranscriptionCreate)
}

func TestRoleHas(t *testing.T) {
	assert.True(t, RoleHas(types.RolePhysician, types.PermReportApprove))
	assert.False(t, RoleHas(types.RoleResident, types.PermReportApprove))
	assert.False(t, RoleHas(types.RoleGuest, types.PermReportRead))
	assert.False(t, RoleHas(types.UserRole("unknown"), types.PermReportRead))
}
