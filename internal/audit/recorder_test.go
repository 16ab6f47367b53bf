package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktmed/medessencev2-sub005/pkg/logger"
	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

func newTestRecorder(t *testing.T) (*Recorder, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewRecorder(store, logger.New("error")), store
}

func record(r *Recorder, action types.AuditAction) {
	r.Record(context.Background(), Event{
		UserID:   "user-1",
		Action:   action,
		Resource: "session",
	})
}

func TestRecorder_RiskClassification(t *testing.T) {
	recorder, _ := newTestRecorder(t)
	ctx := context.Background()

	cases := []struct {
		action types.AuditAction
		risk   types.RiskLevel
		review bool
	}{
		{types.AuditLoginSuccess, types.RiskLow, false},
		{types.AuditLoginFailure, types.RiskMedium, false},
		{types.AuditAccountLockout, types.RiskHigh, true},
		{types.AuditTokenReuse, types.RiskCritical, true},
		{types.AuditPermissionDenied, types.RiskMedium, true},
		{types.AuditPermissionGranted, types.RiskHigh, true},
		{types.AuditDataExport, types.RiskHigh, true},
		{types.AuditDownstreamProxied, types.RiskLow, false},
	}

	for _, tc := range cases {
		t.Run(string(tc.action), func(t *testing.T) {
			record(recorder, tc.action)

			entries, err := recorder.List(ctx, Filter{Action: tc.action})
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, tc.risk, entries[0].RiskLevel)
			assert.Equal(t, tc.review, entries[0].ReviewRequired)
		})
	}
}

func TestRecorder_CriticalEntriesAreFlagged(t *testing.T) {
	recorder, _ := newTestRecorder(t)

	record(recorder, types.AuditTokenReuse)
	record(recorder, types.AuditLoginSuccess)

	entries, err := recorder.List(context.Background(), Filter{Action: types.AuditTokenReuse})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Flagged)

	entries, err = recorder.List(context.Background(), Filter{Action: types.AuditLoginSuccess})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Flagged)
}

func TestRecorder_WriteFailuresNeverSurface(t *testing.T) {
	recorder, store := newTestRecorder(t)
	store.SetFailure(errors.New("disk full"))

	// Record has no error return; the failure is only counted.
	record(recorder, types.AuditLoginSuccess)
	record(recorder, types.AuditLoginSuccess)

	assert.Equal(t, int64(2), recorder.WriteFailures())
}

func TestRecorder_MarkReviewed(t *testing.T) {
	recorder, _ := newTestRecorder(t)
	ctx := context.Background()

	record(recorder, types.AuditPermissionDenied)
	entries, err := recorder.List(ctx, Filter{Action: types.AuditPermissionDenied})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	original := entries[0]

	require.NoError(t, recorder.MarkReviewed(ctx, original.ID, "reviewer-1"))

	reviewed, err := recorder.Get(ctx, original.ID)
	require.NoError(t, err)
	assert.False(t, reviewed.ReviewRequired)
	assert.Equal(t, "reviewer-1", reviewed.ReviewedBy)
	require.NotNil(t, reviewed.ReviewedAt)

	// The recorded content is untouched by review.
	assert.Equal(t, original.Action, reviewed.Action)
	assert.Equal(t, original.UserID, reviewed.UserID)
	assert.Equal(t, original.RiskLevel, reviewed.RiskLevel)
	assert.Equal(t, original.CreatedAt, reviewed.CreatedAt)

	t.Run("reviewing an unknown entry fails", func(t *testing.T) {
		err := recorder.MarkReviewed(ctx, "no-such-id", "reviewer-1")
		require.Error(t, err)
		assert.True(t, types.IsType(err, types.ErrorTypeNotFound))
	})
}

func TestRecorder_Purge(t *testing.T) {
	recorder, store := newTestRecorder(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recorder.now = func() time.Time { return base }

	record(recorder, types.AuditLoginSuccess)      // purgeable once aged
	record(recorder, types.AuditTokenReuse)        // flagged, never purged
	record(recorder, types.AuditPermissionDenied)  // review pending, never purged

	// Two years on, only the unflagged, reviewed-or-unremarkable entry
	// is removed.
	recorder.now = func() time.Time { return base.AddDate(2, 0, 0) }
	removed, err := recorder.Purge(ctx, 365*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Equal(t, 2, store.Len())

	t.Run("a reviewed entry becomes purgeable", func(t *testing.T) {
		entries, err := recorder.List(ctx, Filter{Action: types.AuditPermissionDenied})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.NoError(t, recorder.MarkReviewed(ctx, entries[0].ID, "reviewer-1"))

		removed, err := recorder.Purge(ctx, 365*24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)
	})

	t.Run("flagged entries survive every sweep", func(t *testing.T) {
		removed, err := recorder.Purge(ctx, time.Hour)
		require.NoError(t, err)
		assert.Zero(t, removed)
		assert.Equal(t, 1, store.Len())
	})
}

func TestRecorder_ListFilters(t *testing.T) {
	recorder, _ := newTestRecorder(t)
	ctx := context.Background()

	recorder.Record(ctx, Event{UserID: "alice", Action: types.AuditLoginSuccess, Resource: "session"})
	recorder.Record(ctx, Event{UserID: "bob", Action: types.AuditLoginFailure, Resource: "session"})
	recorder.Record(ctx, Event{UserID: "alice", Action: types.AuditDataExport, Resource: "reports"})

	byUser, err := recorder.List(ctx, Filter{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, byUser, 2)

	byResource, err := recorder.List(ctx, Filter{Resource: "reports"})
	require.NoError(t, err)
	assert.Len(t, byResource, 1)

	limited, err := recorder.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
