package model

import "time"

// Role is the authorization level of a user.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool { return r == RoleUser || r == RoleAdmin }

// User represents an application user record as stored in the `users`
// table.  The refresh-token allow-list lives in `user_refresh_tokens` and is
// only ever touched through the repository's conditional updates, so it is
// not loaded onto this struct.
//
// Fields:
//
//	ID           - opaque identifier assigned at creation (UUID), immutable.
//	PhoneNumber  - unique natural key in E.164 form.
//	FirstName    - optional until registration is completed.
//	LastName     - optional until registration is completed.
//	Role         - user or admin.
//	IsBlocked    - administrative hard block, independent of lockout.
//	Login        - failed-verification streak and lock expiry.
//	LastActivity - updated on every authenticated request.
type User struct {
	ID           string
	PhoneNumber  string
	FirstName    string
	LastName     string
	Role         Role
	IsBlocked    bool
	Login        LoginState
	LastActivity time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LoginState is the part of a user that AccountLockout reads and writes.
type LoginState struct {
	Attempts  int        // consecutive failed verifications
	LockUntil *time.Time // nil when no lock is set
}

// RegistrationComplete reports whether both name fields are present.
func (u User) RegistrationComplete() bool {
	return u.FirstName != "" && u.LastName != ""
}

// IsLocked reports whether a lock is set and still in the future at now.
func (u User) IsLocked(now time.Time) bool {
	return u.Login.LockUntil != nil && u.Login.LockUntil.After(now)
}

// Summary is the client-facing view of a user.
type Summary struct {
	ID           string    `json:"id"`
	PhoneNumber  string    `json:"phoneNumber"`
	FirstName    string    `json:"firstName,omitempty"`
	LastName     string    `json:"lastName,omitempty"`
	Role         Role      `json:"role"`
	LastActivity time.Time `json:"lastActivity"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Summary strips internal fields (lockout counters, block flag) from u.
func (u User) Summary() Summary {
	return Summary{
		ID:           u.ID,
		PhoneNumber:  u.PhoneNumber,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		Role:         u.Role,
		LastActivity: u.LastActivity,
		CreatedAt:    u.CreatedAt,
	}
}
