package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktmed/medessencev2-sub005/internal/audit"
	"github.com/ktmed/medessencev2-sub005/pkg/logger"
	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

type evaluatorFixture struct {
	evaluator *Evaluator
	store     *MemoryStore
	audit     *audit.MemoryStore
}

func newEvaluatorFixture(t *testing.T) *evaluatorFixture {
	t.Helper()
	log := logger.New("error")
	store := NewMemoryStore()
	auditStore := audit.NewMemoryStore()
	return &evaluatorFixture{
		evaluator: NewEvaluator(store, audit.NewRecorder(auditStore, log), log),
		store:     store,
		audit:     auditStore,
	}
}

func testUser(role types.UserRole) *types.User {
	return &types.User{
		ID:       uuid.New().String(),
		Username: "test-user",
		Role:     role,
		IsActive: true,
	}
}

func TestEvaluator_RoleBaseline(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		role    types.UserRole
		perm    types.Permission
		allowed bool
	}{
		{"physician can approve reports", types.RolePhysician, types.PermReportApprove, true},
		{"physician can export data", types.RolePhysician, types.PermDataExport, true},
		{"resident can generate reports", types.RoleResident, types.PermReportGenerate, true},
		{"resident cannot approve reports", types.RoleResident, types.PermReportApprove, false},
		{"technician can create transcriptions", types.RoleTechnician, types.PermTranscriptionCreate, true},
		{"technician cannot read reports", types.RoleTechnician, types.PermReportRead, false},
		{"guest has nothing", types.RoleGuest, types.PermReportRead, false},
		{"admin can manage services", types.RoleAdmin, types.PermServiceManage, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.evaluator.Authorize(ctx, testUser(tc.role), Request{Permission: tc.perm, Resource: "reports"})
			if tc.allowed {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, types.IsType(err, types.ErrorTypePermissionDenied))
			}
		})
	}
}

func TestEvaluator_ExplicitGrants(t *testing.T) {
	ctx := context.Background()

	t.Run("a grant widens what the role allows", func(t *testing.T) {
		f := newEvaluatorFixture(t)
		resident := testUser(types.RoleResident)

		require.Error(t, f.evaluator.Authorize(ctx, resident, Request{Permission: types.PermReportApprove, Resource: "reports"}))

		admin := testUser(types.RoleAdmin)
		_, err := f.evaluator.Grant(ctx, admin, &types.UserPermission{
			UserID:     resident.ID,
			Permission: types.PermReportApprove,
		})
		require.NoError(t, err)

		assert.NoError(t, f.evaluator.Authorize(ctx, resident, Request{Permission: types.PermReportApprove, Resource: "reports"}))
	})

	t.Run("a resource-scoped grant covers only that resource", func(t *testing.T) {
		f := newEvaluatorFixture(t)
		tech := testUser(types.RoleTechnician)
		admin := testUser(types.RoleAdmin)

		resource := "reports"
		_, err := f.evaluator.Grant(ctx, admin, &types.UserPermission{
			UserID:     tech.ID,
			Permission: types.PermReportRead,
			Resource:   &resource,
		})
		require.NoError(t, err)

		assert.NoError(t, f.evaluator.Authorize(ctx, tech, Request{Permission: types.PermReportRead, Resource: "reports"}))
		assert.Error(t, f.evaluator.Authorize(ctx, tech, Request{Permission: types.PermReportRead, Resource: "archive"}))
	})

	t.Run("conditions gate the grant on request context", func(t *testing.T) {
		f := newEvaluatorFixture(t)
		tech := testUser(types.RoleTechnician)
		admin := testUser(types.RoleAdmin)

		_, err := f.evaluator.Grant(ctx, admin, &types.UserPermission{
			UserID:     tech.ID,
			Permission: types.PermReportRead,
			Conditions: json.RawMessage(`{"department":"radiology"}`),
		})
		require.NoError(t, err)

		assert.NoError(t, f.evaluator.Authorize(ctx, tech, Request{
			Permission: types.PermReportRead,
			Resource:   "reports",
			Context:    map[string]string{"department": "radiology"},
		}))
		assert.Error(t, f.evaluator.Authorize(ctx, tech, Request{
			Permission: types.PermReportRead,
			Resource:   "reports",
			Context:    map[string]string{"department": "cardiology"},
		}))
		assert.Error(t, f.evaluator.Authorize(ctx, tech, Request{
			Permission: types.PermReportRead,
			Resource:   "reports",
		}))
	})

	t.Run("an expired grant is inert", func(t *testing.T) {
		f := newEvaluatorFixture(t)
		tech := testUser(types.RoleTechnician)
		admin := testUser(types.RoleAdmin)

		expires := time.Now().Add(time.Hour)
		_, err := f.evaluator.Grant(ctx, admin, &types.UserPermission{
			UserID:     tech.ID,
			Permission: types.PermReportRead,
			ExpiresAt:  &expires,
		})
		require.NoError(t, err)
		require.NoError(t, f.evaluator.Authorize(ctx, tech, Request{Permission: types.PermReportRead, Resource: "reports"}))

		f.evaluator.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		assert.Error(t, f.evaluator.Authorize(ctx, tech, Request{Permission: types.PermReportRead, Resource: "reports"}))
	})

	t.Run("duplicate grants are rejected", func(t *testing.T) {
		f := newEvaluatorFixture(t)
		admin := testUser(types.RoleAdmin)

		grant := &types.UserPermission{UserID: "user-1", Permission: types.PermReportRead}
		_, err := f.evaluator.Grant(ctx, admin, grant)
		require.NoError(t, err)

		_, err = f.evaluator.Grant(ctx, admin, &types.UserPermission{UserID: "user-1", Permission: types.PermReportRead})
		require.Error(t, err)
		assert.True(t, types.IsType(err, types.ErrorTypeConflict))
	})
}

func TestEvaluator_FailClosed(t *testing.T) {
	ctx := context.Background()

	t.Run("locked user is denied regardless of role", func(t *testing.T) {
		f := newEvaluatorFixture(t)
		admin := testUser(types.RoleAdmin)
		until := time.Now().Add(time.Hour)
		admin.LockedUntil = &until

		err := f.evaluator.Authorize(ctx, admin, Request{Permission: types.PermReportRead, Resource: "reports"})
		require.Error(t, err)
		assert.True(t, types.IsType(err, types.ErrorTypePermissionDenied))
	})

	t.Run("inactive user is denied regardless of grants", func(t *testing.T) {
		f := newEvaluatorFixture(t)
		user := testUser(types.RolePhysician)
		user.IsActive = false

		err := f.evaluator.Authorize(ctx, user, Request{Permission: types.PermReportRead, Resource: "reports"})
		require.Error(t, err)
	})

	t.Run("unreadable grant store falls back to the role baseline", func(t *testing.T) {
		f := newEvaluatorFixture(t)
		f.store.SetFailure(errors.New("connection refused"))

		// Baseline still answers without the store.
		assert.NoError(t, f.evaluator.Authorize(ctx, testUser(types.RolePhysician), Request{Permission: types.PermReportRead, Resource: "reports"}))

		// Anything beyond the baseline is denied while the store is down.
		err := f.evaluator.Authorize(ctx, testUser(types.RoleTechnician), Request{Permission: types.PermReportRead, Resource: "reports"})
		require.Error(t, err)
		assert.True(t, types.IsType(err, types.ErrorTypePermissionDenied))
	})
}

func TestEvaluator_GrantAuthority(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	t.Run("only PERMISSION_GRANT holders can grant", func(t *testing.T) {
		physician := testUser(types.RolePhysician)
		_, err := f.evaluator.Grant(ctx, physician, &types.UserPermission{
			UserID:     "someone",
			Permission: types.PermReportRead,
		})
		require.Error(t, err)
		assert.True(t, types.IsType(err, types.ErrorTypePermissionDenied))
	})

	t.Run("revoking removes the widened access", func(t *testing.T) {
		admin := testUser(types.RoleAdmin)
		tech := testUser(types.RoleTechnician)

		grant, err := f.evaluator.Grant(ctx, admin, &types.UserPermission{
			UserID:     tech.ID,
			Permission: types.PermReportRead,
		})
		require.NoError(t, err)
		require.NoError(t, f.evaluator.Authorize(ctx, tech, Request{Permission: types.PermReportRead, Resource: "reports"}))

		require.NoError(t, f.evaluator.Revoke(ctx, admin, grant.ID))
		assert.Error(t, f.evaluator.Authorize(ctx, tech, Request{Permission: types.PermReportRead, Resource: "reports"}))
	})

	t.Run("revoking an unknown grant is not found", func(t *testing.T) {
		admin := testUser(types.RoleAdmin)
		err := f.evaluator.Revoke(ctx, admin, uuid.New().String())
		require.Error(t, err)
		assert.True(t, types.IsType(err, types.ErrorTypeNotFound))
	})
}

func TestEvaluator_ReapExpired(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()
	admin := testUser(types.RoleAdmin)

	expires := time.Now().Add(time.Hour)
	_, err := f.evaluator.Grant(ctx, admin, &types.UserPermission{
		UserID: "user-1", Permission: types.PermReportRead, ExpiresAt: &expires,
	})
	require.NoError(t, err)
	_, err = f.evaluator.Grant(ctx, admin, &types.UserPermission{
		UserID: "user-2", Permission: types.PermReportRead,
	})
	require.NoError(t, err)

	f.evaluator.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	removed, err := f.evaluator.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Equal(t, 1, f.store.Len())
}

func TestEvaluator_DenialsAreAudited(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	err := f.evaluator.Authorize(ctx, testUser(types.RoleGuest), Request{Permission: types.PermReportRead, Resource: "reports"})
	require.Error(t, err)

	required := true
	entries, err := f.audit.List(ctx, audit.Filter{Action: types.AuditPermissionDenied, ReviewRequired: &required})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.RiskMedium, entries[0].RiskLevel)
}
