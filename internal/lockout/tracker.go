package lockout

import (
	"context"
	"time"

	"github.com/iliyamo/otp-session-auth/internal/model"
)

// StateStore applies a login-state transition atomically for one user.
type StateStore interface {
	UpdateLoginState(ctx context.Context, id string, fn func(model.LoginState) (model.LoginState, bool)) (model.LoginState, error)
}

// Tracker applies Policy to stored users.
type Tracker struct {
	Store  StateStore
	Policy Policy
	Now    func() time.Time
}

// NewTracker builds a Tracker using the wall clock.
func NewTracker(store StateStore, p Policy) *Tracker {
	return &Tracker{Store: store, Policy: p, Now: time.Now}
}

// RecordFailure counts one failed verification for userID.  locked is true
// when this failure set the lock.
func (t *Tracker) RecordFailure(ctx context.Context, userID string) (state model.LoginState, locked bool, err error) {
	now := t.Now()
	state, err = t.Store.UpdateLoginState(ctx, userID, func(s model.LoginState) (model.LoginState, bool) {
		var next model.LoginState
		next, locked = t.Policy.RecordFailure(s, now)
		return next, true
	})
	if err != nil {
		return model.LoginState{}, false, err
	}
	return state, locked, nil
}

// RecordSuccess resets the failure streak of userID if there is one.
func (t *Tracker) RecordSuccess(ctx context.Context, userID string) error {
	_, err := t.Store.UpdateLoginState(ctx, userID, t.Policy.RecordSuccess)
	return err
}

// IsLocked reports whether u is locked now.
func (t *Tracker) IsLocked(u model.User) bool {
	return IsLocked(u.Login, t.Now())
}
