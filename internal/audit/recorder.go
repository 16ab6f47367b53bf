package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ktmed/medessencev2-sub005/pkg/logger"
	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

// Event is the caller-facing shape of an audit record. Risk
// classification and review flags are derived here, not supplied by
// callers.
type Event struct {
	UserID     string
	Action     types.AuditAction
	Resource   string
	ResourceID string
	IPAddress  string
	UserAgent  string
	Metadata   map[string]interface{}
}

// riskByAction assigns a baseline risk level to each action kind.
// Unlisted actions default to low.
var riskByAction = map[types.AuditAction]types.RiskLevel{
	types.AuditLoginFailure:       types.RiskMedium,
	types.AuditAccountLockout:     types.RiskHigh,
	types.AuditTokenReuse:         types.RiskCritical,
	types.AuditPermissionDenied:   types.RiskMedium,
	types.AuditPermissionGranted:  types.RiskHigh,
	types.AuditPermissionRevoked:  types.RiskMedium,
	types.AuditDataExport:         types.RiskHigh,
	types.AuditRateLimitExceeded:  types.RiskMedium,
	types.AuditCircuitOpened:      types.RiskMedium,
	types.AuditUnauthorizedAccess: types.RiskHigh,
}

// reviewRequired lists the actions that always enter the review queue
var reviewRequired = map[types.AuditAction]bool{
	types.AuditTokenReuse:         true,
	types.AuditAccountLockout:     true,
	types.AuditPermissionDenied:   true,
	types.AuditPermissionGranted:  true,
	types.AuditDataExport:         true,
	types.AuditUnauthorizedAccess: true,
}

// Recorder classifies and persists audit events. Recording never
// returns an error to the caller: the guarded operation must not fail
// because its audit trail did, so persistence failures are logged and
// counted instead.
type Recorder struct {
	store  Store
	logger *logger.Logger
	now    func() time.Time

	writeFailures atomic.Int64
}

// NewRecorder creates an audit recorder backed by the given store
func NewRecorder(store Store, log *logger.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: log,
		now:    time.Now,
	}
}

// Record classifies the event and writes it to the store
func (r *Recorder) Record(ctx context.Context, event Event) {
	entry := &types.AuditLogEntry{
		ID:             uuid.New().String(),
		UserID:         event.UserID,
		Action:         event.Action,
		Resource:       event.Resource,
		ResourceID:     event.ResourceID,
		IPAddress:      event.IPAddress,
		UserAgent:      event.UserAgent,
		Metadata:       event.Metadata,
		RiskLevel:      classify(event.Action),
		ReviewRequired: reviewRequired[event.Action],
		CreatedAt:      r.now(),
	}
	// Critical entries are pinned so the retention sweep can never
	// remove them.
	entry.Flagged = entry.RiskLevel == types.RiskCritical

	if err := r.store.Insert(ctx, entry); err != nil {
		r.writeFailures.Add(1)
		r.logger.WithError(err).WithFields(map[string]interface{}{
			"action":  string(event.Action),
			"user_id": event.UserID,
		}).Error("Failed to persist audit log entry")
		return
	}

	if entry.RiskLevel == types.RiskHigh || entry.RiskLevel == types.RiskCritical {
		r.logger.Security(string(event.Action), event.UserID, event.Metadata)
	}
}

// WriteFailures reports how many entries could not be persisted since
// startup
func (r *Recorder) WriteFailures() int64 {
	return r.writeFailures.Load()
}

// Get returns a single entry by id
func (r *Recorder) Get(ctx context.Context, id string) (*types.AuditLogEntry, error) {
	entry, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, types.NewNotFoundError("AUDIT_ENTRY_NOT_FOUND", "Audit entry not found")
	}
	return entry, nil
}

// List returns entries matching the filter, newest first
func (r *Recorder) List(ctx context.Context, filter Filter) ([]*types.AuditLogEntry, error) {
	entries, err := r.store.List(ctx, filter)
	if err != nil {
		return nil, types.NewInternalError("AUDIT_LIST_FAILED", "Failed to query audit log", err)
	}
	return entries, nil
}

// MarkReviewed records that a reviewer has examined the entry. Only
// the review fields change; the recorded content is immutable.
func (r *Recorder) MarkReviewed(ctx context.Context, id, reviewedBy string) error {
	if err := r.store.MarkReviewed(ctx, id, reviewedBy, r.now()); err != nil {
		return types.NewNotFoundError("AUDIT_ENTRY_NOT_FOUND", "Audit entry not found")
	}
	return nil
}

// Purge removes entries past the retention window. Flagged and
// review-pending entries always survive the sweep.
func (r *Recorder) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	horizon := r.now().Add(-retention)
	removed, err := r.store.DeletePurgeable(ctx, horizon)
	if err != nil {
		return 0, types.NewInternalError("AUDIT_PURGE_FAILED", "Failed to purge audit log", err)
	}
	if removed > 0 {
		r.logger.WithFields(map[string]interface{}{
			"removed": removed,
			"horizon": horizon,
		}).Info("Purged expired audit log entries")
	}
	return removed, nil
}

func classify(action types.AuditAction) types.RiskLevel {
	if level, ok := riskByAction[action]; ok {
		return level
	}
	return types.RiskLow
}
