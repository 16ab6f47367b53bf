package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ktmed/medessencev2-sub005/internal/audit"
	"github.com/ktmed/medessencev2-sub005/pkg/logger"
	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

// Request describes one authorization question
type Request struct {
	Permission types.Permission
	Resource   string
	// Context carries request attributes matched against grant
	// conditions, e.g. department or shift.
	Context   map[string]string
	IPAddress string
	UserAgent string
}

// AuditSink receives permission decisions worth recording
type AuditSink interface {
	Record(ctx context.Context, event audit.Event)
}

// Evaluator answers authorization questions from the role baseline
// plus explicit grants. Decisions are additive: a grant can widen what
// a role allows but nothing can narrow it.
type Evaluator struct {
	store  Store
	audit  AuditSink
	logger *logger.Logger
	now    func() time.Time
}

// NewEvaluator creates a permission evaluator
func NewEvaluator(store Store, sink AuditSink, log *logger.Logger) *Evaluator {
	return &Evaluator{
		store:  store,
		audit:  sink,
		logger: log,
		now:    time.Now,
	}
}

// Authorize decides whether the user may perform the requested
// operation. A locked or inactive user is denied regardless of role or
// grants. Denials are audited; baseline allows are not.
func (e *Evaluator) Authorize(ctx context.Context, user *types.User, req Request) error {
	now := e.now()

	if !user.CanAuthorize(now) {
		e.recordDenial(ctx, user, req, "account locked or inactive")
		return types.NewPermissionDeniedError(string(req.Permission), req.Resource)
	}

	if RoleHas(user.Role, req.Permission) {
		return nil
	}

	grants, err := e.store.ListByUser(ctx, user.ID)
	if err != nil {
		// Grants only ever widen access, so an unreadable grant store
		// falls back to the role baseline rather than failing the
		// request.
		e.logger.WithUserID(user.ID).WithError(err).Error("Failed to load permission grants")
		e.recordDenial(ctx, user, req, "grant store unavailable")
		return types.NewPermissionDeniedError(string(req.Permission), req.Resource)
	}

	for _, grant := range grants {
		if grant.Expired(now) {
			continue
		}
		if !grant.Matches(req.Permission, req.Resource) {
			continue
		}
		if !conditionsMatch(grant.Conditions, req.Context) {
			continue
		}
		return nil
	}

	e.recordDenial(ctx, user, req, "no matching grant")
	return types.NewPermissionDeniedError(string(req.Permission), req.Resource)
}

// Grant records an explicit permission for a user. The grantor must
// hold PERMISSION_GRANT; duplicate grants are rejected.
func (e *Evaluator) Grant(ctx context.Context, grantor *types.User, grant *types.UserPermission) (*types.UserPermission, error) {
	if err := e.Authorize(ctx, grantor, Request{Permission: types.PermPermissionGrant}); err != nil {
		return nil, err
	}

	grant.ID = uuid.New().String()
	grant.GrantedBy = grantor.ID
	grant.CreatedAt = e.now()

	if err := e.store.Insert(ctx, grant); err != nil {
		if errors.Is(err, ErrDuplicateGrant) {
			return nil, types.NewConflictError("DUPLICATE_GRANT", "An equivalent grant already exists")
		}
		return nil, types.NewInternalError("GRANT_FAILED", "Failed to record permission grant", err)
	}

	e.audit.Record(ctx, audit.Event{
		UserID:     grant.UserID,
		Action:     types.AuditPermissionGranted,
		Resource:   "permission",
		ResourceID: grant.ID,
		Metadata: map[string]interface{}{
			"permission": string(grant.Permission),
			"resource":   grant.Resource,
			"granted_by": grantor.ID,
			"expires_at": grant.ExpiresAt,
		},
	})
	return grant, nil
}

// Revoke removes an explicit grant. Role baseline permissions cannot
// be revoked here.
func (e *Evaluator) Revoke(ctx context.Context, revoker *types.User, grantID string) error {
	if err := e.Authorize(ctx, revoker, Request{Permission: types.PermPermissionGrant}); err != nil {
		return err
	}

	grant, err := e.store.GetByID(ctx, grantID)
	if err != nil {
		return types.NewNotFoundError("GRANT_NOT_FOUND", "Permission grant not found")
	}
	if err := e.store.Delete(ctx, grantID); err != nil {
		return types.NewInternalError("REVOKE_FAILED", "Failed to revoke permission grant", err)
	}

	e.audit.Record(ctx, audit.Event{
		UserID:     grant.UserID,
		Action:     types.AuditPermissionRevoked,
		Resource:   "permission",
		ResourceID: grant.ID,
		Metadata: map[string]interface{}{
			"permission": string(grant.Permission),
			"revoked_by": revoker.ID,
		},
	})
	return nil
}

// ListGrants returns every grant on record for a user
func (e *Evaluator) ListGrants(ctx context.Context, userID string) ([]*types.UserPermission, error) {
	grants, err := e.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, types.NewInternalError("GRANT_LIST_FAILED", "Failed to list permission grants", err)
	}
	return grants, nil
}

// ReapExpired is the housekeeping sweep for lapsed grants
func (e *Evaluator) ReapExpired(ctx context.Context) (int64, error) {
	return e.store.DeleteExpired(ctx, e.now())
}

func (e *Evaluator) recordDenial(ctx context.Context, user *types.User, req Request, reason string) {
	e.audit.Record(ctx, audit.Event{
		UserID:     user.ID,
		Action:     types.AuditPermissionDenied,
		Resource:   req.Resource,
		ResourceID: string(req.Permission),
		IPAddress:  req.IPAddress,
		UserAgent:  req.UserAgent,
		Metadata: map[string]interface{}{
			"permission": string(req.Permission),
			"role":       string(user.Role),
			"reason":     reason,
		},
	})
}

// conditionsMatch checks every condition key against the request
// context. A grant with no conditions always matches; a condition with
// no matching context value never does.
func conditionsMatch(raw json.RawMessage, reqContext map[string]string) bool {
	if len(raw) == 0 {
		return true
	}
	var conditions map[string]string
	if err := json.Unmarshal(raw, &conditions); err != nil {
		// Malformed conditions fail closed.
		return false
	}
	for key, expected := range conditions {
		if actual, ok := reqContext[key]; !ok || actual != expected {
			return false
		}
	}
	return true
}
