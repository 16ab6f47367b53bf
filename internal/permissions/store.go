package permissions

import (
	"context"
	"errors"
	"time"

	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

// ErrDuplicateGrant is returned when an equivalent grant already exists
// for the user, permission, and resource
var ErrDuplicateGrant = errors.New("permissions: grant already exists")

// Store persists explicit permission grants
type Store interface {
	Insert(ctx context.Context, grant *types.UserPermission) error
	GetByID(ctx context.Context, id string) (*types.UserPermission, error)
	// ListByUser returns every grant on record for the user, expired
	// ones included
	ListByUser(ctx context.Context, userID string) ([]*types.UserPermission, error)
	Delete(ctx context.Context, id string) error
	// DeleteExpired reaps grants whose expiry is at or before now
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
