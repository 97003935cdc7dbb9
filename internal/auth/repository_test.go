package auth

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepoWithMock(t *testing.T) (*Repository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewRepository(db), mock, db
}

func TestGetLockState_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	until := time.Now().UTC().Add(10 * time.Minute)
	rows := sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}).AddRow(5, until)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT failed_login_attempts, locked_until")).
		WithArgs("alice").
		WillReturnRows(rows)

	state, found, err := repo.GetLockState(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 5, state.FailedAttempts)
	require.NotNil(t, state.LockedUntil)
	assert.WithinDuration(t, until, *state.LockedUntil, time.Second)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLockState_UnknownAccount(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT failed_login_attempts, locked_until")).
		WithArgs("nonexistent-user").
		WillReturnError(sql.ErrNoRows)

	state, found, err := repo.GetLockState(context.Background(), "nonexistent-user")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, LockState{}, state)
}

func TestGetLockState_StoreUnavailable(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT failed_login_attempts, locked_until")).
		WithArgs("alice").
		WillReturnError(errors.New("connection refused"))

	_, _, err := repo.GetLockState(context.Background(), "alice")
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
}

func TestRecordFailure_IncrementAndLock(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now().UTC()
	until := now.Add(15 * time.Minute)
	rows := sqlmock.NewRows([]string{"failed_login_attempts", "locked_until"}).AddRow(5, until)
	mock.ExpectQuery(regexp.QuoteMeta("SET failed_login_attempts = failed_login_attempts + 1")).
		WithArgs("alice", 5, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(rows)

	state, found, err := repo.RecordFailure(context.Background(), "alice", 5, until, now)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 5, state.FailedAttempts)
	require.NotNil(t, state.LockedUntil)
}

func TestRecordFailure_NoMatchingRow(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("SET failed_login_attempts = failed_login_attempts + 1")).
		WithArgs("nonexistent-user", 5, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)

	_, found, err := repo.RecordFailure(context.Background(), "nonexistent-user", 5, now.Add(15*time.Minute), now)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRecordFailure_StoreUnavailable(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("SET failed_login_attempts = failed_login_attempts + 1")).
		WillReturnError(errors.New("connection reset"))

	_, _, err := repo.RecordFailure(context.Background(), "alice", 5, now.Add(15*time.Minute), now)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
}

func TestResetAttempts(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("SET failed_login_attempts = 0, locked_until = NULL")).
		WithArgs("alice", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.ResetAttempts(context.Background(), "alice", time.Now().UTC())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByUsername_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "username", "password_hash", "failed_login_attempts", "locked_until", "created_at", "updated_at"}).
		AddRow("u-1", "alice", "PBKDF2:1000:c2FsdA==:a2V5", 0, nil, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, username, password_hash, failed_login_attempts, locked_until, created_at, updated_at")).
		WithArgs("alice").
		WillReturnRows(rows)

	user, err := repo.GetByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "u-1", user.ID)
	assert.Equal(t, "alice", user.Username)
	assert.Nil(t, user.LockedUntil)
}

func TestGetByUsername_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, username, password_hash")).
		WithArgs("nonexistent-user").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByUsername(context.Background(), "nonexistent-user")
	assert.True(t, errors.Is(err, errAccountNotFound))
}

func TestSetPasswordHash_UnknownAccount(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("SET password_hash = $2")).
		WithArgs("nonexistent-user", "PBKDF2:1000:c2FsdA==:a2V5", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetPasswordHash(context.Background(), "nonexistent-user", "PBKDF2:1000:c2FsdA==:a2V5", time.Now().UTC())
	assert.True(t, errors.Is(err, errAccountNotFound))
}

func TestAllowLoginIP(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"hits", "window_started_at"}).AddRow(3, now)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO auth_login_ip_limits")).
		WithArgs("10.0.0.1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(rows)

	allowed, retryAfter, err := repo.AllowLoginIP(context.Background(), "10.0.0.1", 10, time.Minute, now)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, retryAfter)
}

func TestAllowLoginIP_OverLimit(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	now := time.Now().UTC()
	windowStart := now.Add(-30 * time.Second)

	rows := sqlmock.NewRows([]string{"hits", "window_started_at"}).AddRow(11, windowStart)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO auth_login_ip_limits")).
		WithArgs("10.0.0.1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(rows)

	allowed, retryAfter, err := repo.AllowLoginIP(context.Background(), "10.0.0.1", 10, time.Minute, now)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.InDelta(t, 30, retryAfter.Seconds(), 2)
}

func TestCleanupStaleAuthData(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("SET locked_until = NULL")).
		WithArgs(sqlmock.AnyArg(), 500).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM auth_login_ip_limits")).
		WithArgs(sqlmock.AnyArg(), 500).
		WillReturnResult(sqlmock.NewResult(0, 7))

	result, err := repo.CleanupStaleAuthData(context.Background(), 30*24*time.Hour, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.ClearedExpiredLocks)
	assert.Equal(t, int64(7), result.DeletedIPLimits)
	assert.NoError(t, mock.ExpectationsWereMet())
}
