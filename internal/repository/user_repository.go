package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/iliyamo/otp-session-auth/internal/model"
)

const userColumns = "id,phone_number,first_name,last_name,role,is_blocked,login_attempts,lock_until,last_activity,created_at,updated_at"

// UserRepo persists users in the `users` table.  Now is the clock used for
// timestamps written by the repository.
type UserRepo struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db, Now: time.Now} }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner, extra ...any) (model.User, error) {
	var (
		u         model.User
		role      string
		first     sql.NullString
		last      sql.NullString
		lockUntil sql.NullTime
	)
	dest := append([]any{&u.ID, &u.PhoneNumber, &first, &last, &role, &u.IsBlocked,
		&u.Login.Attempts, &lockUntil, &u.LastActivity, &u.CreatedAt, &u.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, err
	}
	u.FirstName = first.String
	u.LastName = last.String
	u.Role = model.Role(role)
	if lockUntil.Valid {
		t := lockUntil.Time
		u.Login.LockUntil = &t
	}
	return u, nil
}

// Create inserts a user holding only a phone number and returns it.
func (r *UserRepo) Create(ctx context.Context, phone string) (model.User, error) {
	now := r.Now().UTC()
	u := model.User{
		ID:           uuid.NewString(),
		PhoneNumber:  strings.TrimSpace(phone),
		Role:         model.RoleUser,
		LastActivity: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := r.DB.ExecContext(ctx,
		"INSERT INTO users (id, phone_number, role, last_activity, created_at, updated_at) VALUES (?,?,?,?,?,?)",
		u.ID, u.PhoneNumber, string(u.Role), now, now, now)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == 1062 {
			return model.User{}, ErrPhoneExists
		}
		return model.User{}, err
	}
	return u, nil
}

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, id string) (model.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id=? LIMIT 1", id))
}

// GetByPhone fetches a user by phone number.
func (r *UserRepo) GetByPhone(ctx context.Context, phone string) (model.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE phone_number=? LIMIT 1", strings.TrimSpace(phone)))
}

// FindOrCreateByPhone returns the user with phone, creating it when absent.
// created reports whether a new row was inserted.  A concurrent insert of the
// same phone resolves to the winner's row.
func (r *UserRepo) FindOrCreateByPhone(ctx context.Context, phone string) (u model.User, created bool, err error) {
	u, err = r.GetByPhone(ctx, phone)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.User{}, false, err
	}
	u, err = r.Create(ctx, phone)
	if errors.Is(err, ErrPhoneExists) {
		u, err = r.GetByPhone(ctx, phone)
		return u, false, err
	}
	if err != nil {
		return model.User{}, false, err
	}
	return u, true, nil
}

// UpdateNames sets the name fields that are non-nil and returns the updated user.
func (r *UserRepo) UpdateNames(ctx context.Context, id string, first, last *string) (model.User, error) {
	res, err := r.DB.ExecContext(ctx,
		"UPDATE users SET first_name=COALESCE(?, first_name), last_name=COALESCE(?, last_name), updated_at=? WHERE id=?",
		nullable(first), nullable(last), r.Now().UTC(), id)
	if err != nil {
		return model.User{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.User{}, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

// TouchActivity sets last_activity.
func (r *UserRepo) TouchActivity(ctx context.Context, id string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, "UPDATE users SET last_activity=? WHERE id=?", at.UTC(), id)
	return err
}

// SetBlocked sets or clears the administrative block.
func (r *UserRepo) SetBlocked(ctx context.Context, id string, blocked bool) error {
	res, err := r.DB.ExecContext(ctx,
		"UPDATE users SET is_blocked=?, updated_at=? WHERE id=?", blocked, r.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLoginState locks the user row, hands the current login state to fn,
// and writes the result back when fn reports a change.  It returns the state
// in effect after the call.
func (r *UserRepo) UpdateLoginState(ctx context.Context, id string, fn func(model.LoginState) (model.LoginState, bool)) (model.LoginState, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.LoginState{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		cur       model.LoginState
		lockUntil sql.NullTime
	)
	err = tx.QueryRowContext(ctx,
		"SELECT login_attempts, lock_until FROM users WHERE id=? FOR UPDATE", id).Scan(&cur.Attempts, &lockUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LoginState{}, ErrNotFound
	}
	if err != nil {
		return model.LoginState{}, err
	}
	if lockUntil.Valid {
		t := lockUntil.Time
		cur.LockUntil = &t
	}

	next, changed := fn(cur)
	if !changed {
		return cur, nil
	}
	var lock any
	if next.LockUntil != nil {
		lock = next.LockUntil.UTC()
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET login_attempts=?, lock_until=?, updated_at=? WHERE id=?",
		next.Attempts, lock, r.Now().UTC(), id); err != nil {
		return model.LoginState{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.LoginState{}, fmt.Errorf("commit login state: %w", err)
	}
	return next, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return strings.TrimSpace(*s)
}
