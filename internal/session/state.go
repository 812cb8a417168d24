package session

import (
	"time"

	"github.com/iliyamo/otp-session-auth/internal/model"
	"github.com/iliyamo/otp-session-auth/internal/token"
)

// State is a node of the per-request authorization machine:
//
//	Unauthenticated -> AccessValid                                (success)
//	Unauthenticated -> AccessInvalid -> RefreshValid -> Rotated   (success)
//	any non-terminal -> Rejected                                  (failure)
type State int

const (
	StateUnauthenticated State = iota
	StateAccessValid
	StateAccessInvalid
	StateRefreshValid
	StateRotated
	StateRejected
)

var stateNames = [...]string{"unauthenticated", "access_valid", "access_invalid", "refresh_valid", "rotated", "rejected"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateAccessValid || s == StateRotated || s == StateRejected
}

// Cookies are the two credentials a request may carry.
type Cookies struct {
	Access  string
	Refresh string
}

// Record is what storage knows about the refresh token's owner.
type Record struct {
	User         model.User
	TokenPresent bool // the exact presented refresh token is in the allow-list
}

// Decision is the machine's output after one or more transitions.
type Decision struct {
	State     State
	UserID    string
	Rejection *Rejection
	// RevokeRefresh asks the caller to remove the presented refresh token
	// (the idle window has been exceeded).
	RevokeRefresh bool
}

// TokenVerifier is the part of token.Service the machine needs.
type TokenVerifier interface {
	VerifyAccess(raw string) (*token.Claims, error)
	VerifyRefresh(raw string) (*token.Claims, error)
}

// Machine holds the pure transition functions.  It performs only CPU work:
// token verification and timestamp arithmetic.
type Machine struct {
	Tokens      TokenVerifier
	IdleTimeout time.Duration
}

// Start moves from Unauthenticated to AccessValid, AccessInvalid or Rejected.
func (m Machine) Start(c Cookies) Decision {
	if c.Access == "" {
		return rejected(reject(ReasonNoAccessToken, ErrMissingToken))
	}
	claims, err := m.Tokens.VerifyAccess(c.Access)
	if err != nil {
		return Decision{State: StateAccessInvalid}
	}
	return Decision{State: StateAccessValid, UserID: claims.UserID}
}

// CheckRefresh moves from AccessInvalid to RefreshValid or Rejected.
func (m Machine) CheckRefresh(c Cookies) Decision {
	if c.Refresh == "" {
		return rejected(reject(ReasonNoRefreshToken, ErrMissingToken))
	}
	claims, err := m.Tokens.VerifyRefresh(c.Refresh)
	if err != nil {
		return rejected(reject(ReasonInvalidRefreshToken, ErrInvalidToken))
	}
	return Decision{State: StateRefreshValid, UserID: claims.UserID}
}

// Judge moves from RefreshValid to Rotated or Rejected given the stored
// record of the token's owner (nil when no such user exists).  Rotated here
// means rotation is permitted; the caller still has to commit it.
func (m Machine) Judge(d Decision, rec *Record, now time.Time) Decision {
	if d.State != StateRefreshValid {
		return d
	}
	switch {
	case rec == nil || rec.User.ID != d.UserID:
		return rejected(reject(ReasonUserNotFound, ErrUserNotFound))
	case rec.User.IsBlocked:
		return rejected(reject(ReasonAccountBlocked, ErrAccountBlocked))
	case !rec.TokenPresent:
		return rejected(reject(ReasonInvalidRefreshToken, ErrInvalidToken))
	case now.Sub(rec.User.LastActivity) > m.IdleTimeout:
		out := rejected(reject(ReasonSessionExpired, ErrSessionExpired))
		out.UserID = d.UserID
		out.RevokeRefresh = true
		return out
	}
	return Decision{State: StateRotated, UserID: d.UserID}
}

// Decide runs the whole machine for one request.  rec is the owner record of
// the refresh token; it is only consulted on the refresh path.
func (m Machine) Decide(c Cookies, now time.Time, rec *Record) Decision {
	d := m.Start(c)
	if d.State != StateAccessInvalid {
		return d
	}
	d = m.CheckRefresh(c)
	if d.State != StateRefreshValid {
		return d
	}
	return m.Judge(d, rec, now)
}

func rejected(r *Rejection) Decision { return Decision{State: StateRejected, Rejection: r} }
