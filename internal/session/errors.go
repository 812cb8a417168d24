package session

import (
	"errors"
	"fmt"

	"github.com/iliyamo/otp-session-auth/internal/token"
)

// Failure taxonomy.  ErrInvalidToken is the token package's sentinel so a
// caller can match it regardless of which layer produced it.
var (
	ErrMissingToken       = errors.New("missing token")
	ErrInvalidToken       = token.ErrInvalidToken
	ErrSessionExpired     = errors.New("session expired")
	ErrUserNotFound       = errors.New("user not found")
	ErrAccountBlocked     = errors.New("account blocked")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Reasons are the short machine-readable strings clients receive.
const (
	ReasonNoAccessToken       = "no access token"
	ReasonNoRefreshToken      = "no refresh token"
	ReasonInvalidRefreshToken = "invalid refresh token"
	ReasonUserNotFound        = "user not found"
	ReasonSessionExpired      = "session expired"
	ReasonAccountBlocked      = "account blocked"
)

// Rejection is a terminal authentication failure.  Err is one of the
// sentinels above and is reachable through errors.Is.
type Rejection struct {
	Reason string
	Err    error
}

func (r *Rejection) Error() string { return fmt.Sprintf("%s: %v", r.Reason, r.Err) }

func (r *Rejection) Unwrap() error { return r.Err }

func reject(reason string, err error) *Rejection { return &Rejection{Reason: reason, Err: err} }
