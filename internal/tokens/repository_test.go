package tokens

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktmed/medessencev2-sub005/pkg/types"
)

func refreshTokenFixture(now time.Time) *types.RefreshToken {
	parentID := "parent-1"
	return &types.RefreshToken{
		ID:        "child-1",
		Token:     "raw-child-token",
		UserID:    "user-1",
		SessionID: "session-1",
		ParentID:  &parentID,
		DeviceID:  "device-1",
		IPAddress: "10.0.0.1",
		ExpiresAt: now.Add(24 * time.Hour),
		CreatedAt: now,
	}
}

func TestPostgresRefreshTokenStore_Rotate(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	t.Run("winner revokes the parent and inserts the child", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		child := refreshTokenFixture(now)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE refresh_tokens`)).
			WithArgs("parent-1", child.CreatedAt, ReasonRotated).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO refresh_tokens`)).
			WithArgs(child.ID, child.Token, child.UserID, child.SessionID,
				*child.ParentID, child.DeviceID, child.IPAddress,
				child.ExpiresAt, child.CreatedAt).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		store := NewPostgresRefreshTokenStore(db)
		err = store.Rotate(context.Background(), "parent-1", child)

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("loser sees zero rows and rolls back", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		child := refreshTokenFixture(now)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE refresh_tokens`)).
			WithArgs("parent-1", child.CreatedAt, ReasonRotated).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		store := NewPostgresRefreshTokenStore(db)
		err = store.Rotate(context.Background(), "parent-1", child)

		assert.ErrorIs(t, err, ErrAlreadyRotated)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert failure rolls the revocation back", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		child := refreshTokenFixture(now)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE refresh_tokens`)).
			WithArgs("parent-1", child.CreatedAt, ReasonRotated).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO refresh_tokens`)).
			WillReturnError(assert.AnError)
		mock.ExpectRollback()

		store := NewPostgresRefreshTokenStore(db)
		err = store.Rotate(context.Background(), "parent-1", child)

		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresRefreshTokenStore_RevokeChain(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta(`WITH RECURSIVE chain AS`)).
		WithArgs("root-1", "system", ReasonReuse, now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	store := NewPostgresRefreshTokenStore(db)
	revoked, err := store.RevokeChain(context.Background(), "root-1", "system", ReasonReuse, now)

	require.NoError(t, err)
	assert.Equal(t, int64(3), revoked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSessionStore_TerminateIsGuardedOnActive(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta(`WHERE id = $1 AND is_active = true`)).
		WithArgs("session-1", "user-1", ReasonLogout, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresSessionStore(db)
	err = store.Terminate(context.Background(), "session-1", "user-1", ReasonLogout, now)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUserStore_RecordLoginFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	lockUntil := time.Now().UTC().Add(15 * time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta(`RETURNING failed_login_attempts`)).
		WithArgs("user-1", lockUntil).
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts"}).AddRow(5))

	store := NewPostgresUserStore(db)
	count, err := store.RecordLoginFailure(context.Background(), "user-1", &lockUntil)

	require.NoError(t, err)
	assert.Equal(t, 5, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
