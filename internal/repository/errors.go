// Package repository defines error types that are reused across the user
// and refresh-token repositories.  These sentinel values allow higher
// layers such as the session guard and the handlers to distinguish expected
// authentication failures from storage outages.
package repository

import "errors"

// ErrNotFound is returned when no user matches the lookup.
var ErrNotFound = errors.New("user not found")

// ErrPhoneExists is returned when creating a user whose phone number is
// already registered.
var ErrPhoneExists = errors.New("phone number already exists")

// ErrRefreshTokenNotFound is returned by conditional token updates when the
// presented refresh token is not (or no longer) in the user's allow-list.
// A second concurrent rotation of the same token observes this error.
var ErrRefreshTokenNotFound = errors.New("refresh token not found")

// ErrSessionIdle is returned by Rotate when the user's last activity is older
// than the idle window.  The presented token has been removed when this is
// returned.
var ErrSessionIdle = errors.New("session idle")
