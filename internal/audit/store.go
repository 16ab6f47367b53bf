package audit

import (
	"context"
	"time"

	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

// Filter narrows List results. Zero-valued fields are ignored.
type Filter struct {
	UserID         string
	Action         types.AuditAction
	Resource       string
	RiskLevel      types.RiskLevel
	Flagged        *bool
	ReviewRequired *bool
	Since          *time.Time
	Until          *time.Time
	Limit          int
	Offset         int
}

// Store persists audit log entries
type Store interface {
	Insert(ctx context.Context, entry *types.AuditLogEntry) error
	GetByID(ctx context.Context, id string) (*types.AuditLogEntry, error)
	List(ctx context.Context, filter Filter) ([]*types.AuditLogEntry, error)
	// MarkReviewed sets the review fields and clears review_required.
	// Content fields are never touched.
	MarkReviewed(ctx context.Context, id, reviewedBy string, reviewedAt time.Time) error
	// DeletePurgeable removes entries older than the horizon that are
	// neither flagged nor awaiting review.
	DeletePurgeable(ctx context.Context, horizon time.Time) (int64, error)
}
