// Package identity exchanges an identity-provider assertion for the verified
// phone number it attests to.
package identity

import (
	"context"
	"errors"
)

// ErrInvalidAssertion is the single failure of VerifyAssertion.  The reason
// is carried by *AssertionError.
var ErrInvalidAssertion = errors.New("invalid identity assertion")

// Reasons reported to clients.
const (
	ReasonExpired     = "expired"
	ReasonMalformed   = "malformed"
	ReasonUnavailable = "provider unavailable"
	ReasonNoPhone     = "no verified phone number"
	ReasonRejected    = "rejected"
)

// AssertionError describes why an assertion was refused.
type AssertionError struct {
	Reason string
	Err    error
}

func (e *AssertionError) Error() string {
	if e.Err == nil {
		return "identity assertion " + e.Reason
	}
	return "identity assertion " + e.Reason + ": " + e.Err.Error()
}

func (e *AssertionError) Unwrap() error { return e.Err }

// Is makes every AssertionError match ErrInvalidAssertion.
func (e *AssertionError) Is(target error) bool { return target == ErrInvalidAssertion }

func invalid(reason string, err error) *AssertionError {
	return &AssertionError{Reason: reason, Err: err}
}

// Reason returns the human-readable reason carried by err, or "rejected".
func Reason(err error) string {
	var ae *AssertionError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ReasonRejected
}

// Claims are the facts this service trusts from a verified assertion.
type Claims struct {
	PhoneNumber string
	Subject     string
}

// Verifier verifies identity assertions.  Implementations must fail with an
// error matching ErrInvalidAssertion for every provider-side problem,
// including timeouts.
type Verifier interface {
	VerifyAssertion(ctx context.Context, assertion string) (Claims, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, assertion string) (Claims, error)

func (f VerifierFunc) VerifyAssertion(ctx context.Context, assertion string) (Claims, error) {
	return f(ctx, assertion)
}
