// Package session authorizes requests from the access/refresh cookie pair.
// Machine holds the pure state transitions; Guard drives them against the
// user store, commits rotations, and emits events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iliyamo/otp-session-auth/internal/metrics"
	"github.com/iliyamo/otp-session-auth/internal/model"
	"github.com/iliyamo/otp-session-auth/internal/queue"
	"github.com/iliyamo/otp-session-auth/internal/repository"
	"github.com/iliyamo/otp-session-auth/internal/token"
)

// backgroundTimeout bounds best-effort writes made after the response path
// has moved on.
const backgroundTimeout = 5 * time.Second

// Store is the slice of the user store the guard touches.  Rotate and Remove
// must be atomic conditional updates.
type Store interface {
	Lookup(ctx context.Context, userID, tokenHash string) (model.User, bool, error)
	Rotate(ctx context.Context, p repository.RotateParams) error
	Remove(ctx context.Context, userID, tokenHash string) (bool, error)
	TouchActivity(ctx context.Context, id string, at time.Time) error
}

// Issuer mints new token pairs on rotation.
type Issuer interface {
	TokenVerifier
	IssuePair(userID string) (token.Pair, error)
}

// Identity is the authenticated caller, threaded explicitly through the
// request chain.
type Identity struct {
	UserID string
}

// Result is a successful authorization.  Rotated is non-nil when the caller
// must hand the new pair back to the client.
type Result struct {
	Identity Identity
	State    State
	Rotated  *token.Pair
}

// Guard authorizes requests.  A valid access token is honored without a
// store read, so blocking or logging out a user takes effect only when that
// token expires and the next rotation is refused.  The window is the access
// TTL.
type Guard struct {
	machine Machine
	tokens  Issuer
	store   Store
	events  queue.Publisher
	log     *slog.Logger
	wg      sync.WaitGroup

	Now func() time.Time
}

// NewGuard builds a Guard.  events may be nil.
func NewGuard(tokens Issuer, store Store, idleTimeout time.Duration, events queue.Publisher, log *slog.Logger) *Guard {
	if events == nil {
		events = queue.NopPublisher{}
	}
	return &Guard{
		machine: Machine{Tokens: tokens, IdleTimeout: idleTimeout},
		tokens:  tokens,
		store:   store,
		events:  events,
		log:     log,
		Now:     time.Now,
	}
}

// Authorize runs the full machine for a request.  A *Rejection error is an
// expected authentication failure; any other error wraps
// ErrStorageUnavailable or a token issuing failure and should surface as 500.
func (g *Guard) Authorize(ctx context.Context, c Cookies) (Result, error) {
	d := g.machine.Start(c)
	switch d.State {
	case StateAccessValid:
		g.count(StateAccessValid.String())
		g.touch(d.UserID, g.Now())
		return Result{Identity: Identity{UserID: d.UserID}, State: StateAccessValid}, nil
	case StateRejected:
		g.count(d.Rejection.Reason)
		return Result{}, d.Rejection
	}
	return g.refresh(ctx, c)
}

// Refresh skips the access token and rotates the presented refresh token.
func (g *Guard) Refresh(ctx context.Context, refreshToken string) (Result, error) {
	return g.refresh(ctx, Cookies{Refresh: refreshToken})
}

func (g *Guard) refresh(ctx context.Context, c Cookies) (Result, error) {
	d := g.machine.CheckRefresh(c)
	if d.State == StateRejected {
		g.count(d.Rejection.Reason)
		return Result{}, d.Rejection
	}

	hash := token.Hash(c.Refresh)
	var rec *Record
	u, present, err := g.store.Lookup(ctx, d.UserID, hash)
	switch {
	case err == nil:
		rec = &Record{User: u, TokenPresent: present}
	case errors.Is(err, repository.ErrNotFound):
	default:
		return Result{}, fmt.Errorf("%w: lookup: %v", ErrStorageUnavailable, err)
	}

	now := g.Now()
	d = g.machine.Judge(d, rec, now)
	if d.State == StateRejected {
		if d.RevokeRefresh {
			if _, err := g.store.Remove(ctx, d.UserID, hash); err != nil {
				return Result{}, fmt.Errorf("%w: remove idle token: %v", ErrStorageUnavailable, err)
			}
			g.emit(queue.NewEvent(queue.EventSessionExpired, d.UserID, now))
		}
		g.count(d.Rejection.Reason)
		return Result{}, d.Rejection
	}

	pair, err := g.tokens.IssuePair(d.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("issue token pair: %w", err)
	}
	err = g.store.Rotate(ctx, repository.RotateParams{
		UserID:       d.UserID,
		OldHash:      hash,
		NewHash:      token.Hash(pair.Refresh.Token),
		NewExpiresAt: pair.Refresh.Expires,
		Now:          now,
		IdleTimeout:  g.machine.IdleTimeout,
	})
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrRefreshTokenNotFound):
		// Lost a race with a concurrent rotation or a logout.
		g.count(ReasonInvalidRefreshToken)
		return Result{}, reject(ReasonInvalidRefreshToken, ErrInvalidToken)
	case errors.Is(err, repository.ErrSessionIdle):
		g.count(ReasonSessionExpired)
		g.emit(queue.NewEvent(queue.EventSessionExpired, d.UserID, now))
		return Result{}, reject(ReasonSessionExpired, ErrSessionExpired)
	case errors.Is(err, repository.ErrNotFound):
		g.count(ReasonUserNotFound)
		return Result{}, reject(ReasonUserNotFound, ErrUserNotFound)
	default:
		return Result{}, fmt.Errorf("%w: rotate: %v", ErrStorageUnavailable, err)
	}

	g.count(StateRotated.String())
	g.emit(queue.NewEvent(queue.EventSessionRotated, d.UserID, now))
	return Result{Identity: Identity{UserID: d.UserID}, State: StateRotated, Rotated: &pair}, nil
}

// Wait blocks until background activity updates and event publishes finish.
func (g *Guard) Wait() { g.wg.Wait() }

// touch records activity without holding up the request.  Failures are
// logged and swallowed.
func (g *Guard) touch(userID string, at time.Time) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if err := g.store.TouchActivity(ctx, userID, at); err != nil {
			g.log.Warn("touch last activity failed", "user_id", userID, "error", err)
		}
	}()
}

func (g *Guard) emit(ev queue.AuthEvent) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if err := g.events.Publish(ctx, ev); err != nil {
			g.log.Warn("publish auth event failed", "type", ev.Type, "error", err)
		}
	}()
}

func (g *Guard) count(outcome string) {
	metrics.SessionDecisions.WithLabelValues(outcome).Inc()
}
