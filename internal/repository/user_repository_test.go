package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/otp-session-auth/internal/model"
)

var userCols = []string{"id", "phone_number", "first_name", "last_name", "role", "is_blocked",
	"login_attempts", "lock_until", "last_activity", "created_at", "updated_at"}

func newUserMock(t *testing.T, now time.Time) (*UserRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := NewUserRepo(db)
	repo.Now = func() time.Time { return now }
	return repo, mock
}

func TestCreateMapsDuplicateKey(t *testing.T) {
	repo, mock := newUserMock(t, time.Now())
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	_, err := repo.Create(context.Background(), "+15550001111")
	assert.ErrorIs(t, err, ErrPhoneExists)
}

func TestFindOrCreateCreatesWhenMissing(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	repo, mock := newUserMock(t, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE phone_number=?")).
		WithArgs("+15550001111").
		WillReturnRows(sqlmock.NewRows(userCols))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs(sqlmock.AnyArg(), "+15550001111", "user", now, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	u, created, err := repo.FindOrCreateByPhone(context.Background(), "+15550001111")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, model.RoleUser, u.Role)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOrCreateResolvesRace(t *testing.T) {
	now := time.Now().UTC()
	repo, mock := newUserMock(t, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE phone_number=?")).
		WillReturnRows(sqlmock.NewRows(userCols))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&mysql.MySQLError{Number: 1062})
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE phone_number=?")).
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("winner", "+15550001111", "Ada", "Lovelace", "user", false, 0, nil, now, now, now))

	u, created, err := repo.FindOrCreateByPhone(context.Background(), "+15550001111")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "winner", u.ID)
	assert.True(t, u.RegistrationComplete())
}

func TestGetByIDNotFound(t *testing.T) {
	repo, mock := newUserMock(t, time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id=?")).
		WillReturnRows(sqlmock.NewRows(userCols))

	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateLoginStateWritesChange(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(2 * time.Hour)
	repo, mock := newUserMock(t, now)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT login_attempts, lock_until FROM users WHERE id=? FOR UPDATE")).
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows([]string{"login_attempts", "lock_until"}).AddRow(4, nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET login_attempts=?, lock_until=?, updated_at=? WHERE id=?")).
		WithArgs(5, until, now, "u-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := repo.UpdateLoginState(context.Background(), "u-1", func(s model.LoginState) (model.LoginState, bool) {
		assert.Equal(t, 4, s.Attempts)
		return model.LoginState{Attempts: 5, LockUntil: &until}, true
	})
	require.NoError(t, err)
	assert.Equal(t, 5, got.Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLoginStateSkipsUnchanged(t *testing.T) {
	repo, mock := newUserMock(t, time.Now())
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT login_attempts, lock_until FROM users")).
		WillReturnRows(sqlmock.NewRows([]string{"login_attempts", "lock_until"}).AddRow(0, nil))
	mock.ExpectRollback()

	_, err := repo.UpdateLoginState(context.Background(), "u-1", func(s model.LoginState) (model.LoginState, bool) {
		return s, false
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetBlockedUnknownUser(t *testing.T) {
	repo, mock := newUserMock(t, time.Now())
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET is_blocked=?")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.SetBlocked(context.Background(), "nope", true), ErrNotFound)
}
