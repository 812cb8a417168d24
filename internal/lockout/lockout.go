// Package lockout implements the failed-verification counter and the
// temporary account lock.  The functions here are pure transitions over
// model.LoginState; the repository applies them inside a row-locked
// transaction so concurrent failures cannot lose increments.
package lockout

import (
	"time"

	"github.com/iliyamo/otp-session-auth/internal/model"
)

// Policy is the lockout threshold and lock duration.
type Policy struct {
	Threshold int
	Duration  time.Duration
}

// RecordFailure returns the state after one more failed verification and
// whether this failure is the one that set the lock.
//
// An expired lock resets the streak to a single attempt.  Otherwise the
// counter is incremented, and reaching the threshold with no lock set locks
// the account until now+Duration.  A failure while already locked never
// moves lockUntil.
func (p Policy) RecordFailure(s model.LoginState, now time.Time) (next model.LoginState, locked bool) {
	if s.LockUntil != nil && !s.LockUntil.After(now) {
		return model.LoginState{Attempts: 1}, false
	}
	next = model.LoginState{Attempts: s.Attempts + 1, LockUntil: s.LockUntil}
	if next.LockUntil == nil && next.Attempts >= p.Threshold {
		until := now.Add(p.Duration)
		next.LockUntil = &until
		return next, true
	}
	return next, false
}

// RecordSuccess clears the streak.  changed is false when there was nothing
// to reset, so callers can skip the write.
func (p Policy) RecordSuccess(s model.LoginState) (next model.LoginState, changed bool) {
	if s.Attempts > 0 {
		return model.LoginState{}, true
	}
	return s, false
}

// IsLocked reports whether s carries a lock that is still in the future.
func IsLocked(s model.LoginState, now time.Time) bool {
	return s.LockUntil != nil && s.LockUntil.After(now)
}
