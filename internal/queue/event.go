// Package queue defines the auth event payloads exchanged over the message
// broker, the publisher, and the background audit-log consumer.
package queue

import "time"

// EventType names what happened to an account or session.
type EventType string

const (
	EventUserCreated    EventType = "user.created"
	EventUserRegistered EventType = "user.registered"
	EventSessionStarted EventType = "session.started"
	EventSessionRotated EventType = "session.rotated"
	EventSessionExpired EventType = "session.expired"
	EventSessionRevoked EventType = "session.revoked"
	EventAccountLocked  EventType = "account.locked"
	EventAccountBlocked EventType = "account.blocked"
)

// AuthEvent is published for every state change of an account or session.
// It carries enough for downstream consumers to log or alert without
// querying the user store.  Phone numbers are masked before publishing.
type AuthEvent struct {
	Type       EventType `json:"type"`
	UserID     string    `json:"user_id"`
	Phone      string    `json:"phone,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt string    `json:"occurred_at"`
}

// NewEvent stamps an event with at in RFC 3339 form.
func NewEvent(typ EventType, userID string, at time.Time) AuthEvent {
	return AuthEvent{Type: typ, UserID: userID, OccurredAt: at.UTC().Format(time.RFC3339)}
}

// WithPhone returns a copy of e carrying a masked phone number.
func (e AuthEvent) WithPhone(phone string) AuthEvent {
	e.Phone = MaskPhone(phone)
	return e
}

// MaskPhone keeps the leading '+' and the last four digits.
func MaskPhone(phone string) string {
	r := []rune(phone)
	if len(r) <= 4 {
		return phone
	}
	out := make([]rune, len(r))
	for i, c := range r {
		switch {
		case i >= len(r)-4, i == 0 && c == '+':
			out[i] = c
		default:
			out[i] = '*'
		}
	}
	return string(out)
}
