package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/otp-session-auth/internal/model"
)

// TokenRepo maintains the refresh-token allow-list (`user_refresh_tokens`).
// Only SHA-256 digests are stored; membership of a digest for a user is what
// makes a signed refresh token honorable.
type TokenRepo struct{ DB *sql.DB }

func NewTokenRepo(db *sql.DB) *TokenRepo { return &TokenRepo{DB: db} }

// RotateParams describes one conditional rotation: pull OldHash and push
// NewHash for UserID, provided the session has not been idle longer than
// IdleTimeout at Now.
type RotateParams struct {
	UserID       string
	OldHash      string
	NewHash      string
	NewExpiresAt time.Time
	Now          time.Time
	IdleTimeout  time.Duration
}

// Add inserts a refresh token digest for a user.
func (r *TokenRepo) Add(ctx context.Context, userID, tokenHash string, exp time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		"INSERT INTO user_refresh_tokens (user_id, token_hash, expires_at) VALUES (?,?,?)",
		userID, tokenHash, exp.UTC())
	return err
}

// Lookup loads a user together with whether tokenHash is currently in that
// user's allow-list.
func (r *TokenRepo) Lookup(ctx context.Context, userID, tokenHash string) (model.User, bool, error) {
	var present bool
	u, err := scanUser(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+", EXISTS(SELECT 1 FROM user_refresh_tokens t WHERE t.user_id=users.id AND t.token_hash=?) FROM users WHERE id=? LIMIT 1",
		tokenHash, userID), &present)
	if err != nil {
		return model.User{}, false, err
	}
	return u, present, nil
}

// Rotate swaps OldHash for NewHash and stamps last_activity in one
// transaction holding the user row lock.  The delete is conditional: if
// OldHash is gone (revoked, or already rotated by a concurrent request) the
// transaction is rolled back and ErrRefreshTokenNotFound is returned.  When
// the session is idle the delete is committed and ErrSessionIdle returned.
func (r *TokenRepo) Rotate(ctx context.Context, p RotateParams) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var last time.Time
	err = tx.QueryRowContext(ctx, "SELECT last_activity FROM users WHERE id=? FOR UPDATE", p.UserID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		"DELETE FROM user_refresh_tokens WHERE user_id=? AND token_hash=?", p.UserID, p.OldHash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRefreshTokenNotFound
	}

	if p.Now.Sub(last) > p.IdleTimeout {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit idle removal: %w", err)
		}
		return ErrSessionIdle
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO user_refresh_tokens (user_id, token_hash, expires_at) VALUES (?,?,?)",
		p.UserID, p.NewHash, p.NewExpiresAt.UTC()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET last_activity=? WHERE id=?", p.Now.UTC(), p.UserID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotation: %w", err)
	}
	return nil
}

// Remove deletes one digest.  removed is false when it was not present.
func (r *TokenRepo) Remove(ctx context.Context, userID, tokenHash string) (removed bool, err error) {
	res, err := r.DB.ExecContext(ctx,
		"DELETE FROM user_refresh_tokens WHERE user_id=? AND token_hash=?", userID, tokenHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RemoveAll deletes every digest of a user.
func (r *TokenRepo) RemoveAll(ctx context.Context, userID string) error {
	_, err := r.DB.ExecContext(ctx, "DELETE FROM user_refresh_tokens WHERE user_id=?", userID)
	return err
}

// PurgeExpired deletes digests whose refresh token has expired.  Such tokens
// already fail signature verification; purging only keeps the table small.
func (r *TokenRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, "DELETE FROM user_refresh_tokens WHERE expires_at <= ?", now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
