package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/otp-session-auth/internal/config"
	"github.com/iliyamo/otp-session-auth/internal/logging"
	"github.com/iliyamo/otp-session-auth/internal/model"
	"github.com/iliyamo/otp-session-auth/internal/repository"
	"github.com/iliyamo/otp-session-auth/internal/session"
	"github.com/iliyamo/otp-session-auth/internal/token"
)

type authorizerFunc func(ctx context.Context, c session.Cookies) (session.Result, error)

func (f authorizerFunc) Authorize(ctx context.Context, c session.Cookies) (session.Result, error) {
	return f(ctx, c)
}

func whoami(c echo.Context) error {
	id, ok := IdentityFrom(c)
	if !ok {
		return c.String(http.StatusTeapot, "no identity")
	}
	return c.String(http.StatusOK, id.UserID)
}

func serve(h echo.HandlerFunc, mw ...echo.MiddlewareFunc) *httptest.ResponseRecorder {
	e := echo.New()
	e.GET("/x", h, mw...)
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.AddCookie(&http.Cookie{Name: session.AccessCookie, Value: "a"})
	req.AddCookie(&http.Cookie{Name: session.RefreshCookie, Value: "r"})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSessionAuthAttachesIdentity(t *testing.T) {
	var seen session.Cookies
	g := authorizerFunc(func(_ context.Context, c session.Cookies) (session.Result, error) {
		seen = c
		return session.Result{Identity: session.Identity{UserID: "u1"}, State: session.StateAccessValid}, nil
	})
	rec := serve(whoami, SessionAuth(g, session.CookieWriter{}, logging.Discard()))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", rec.Body.String())
	assert.Equal(t, session.Cookies{Access: "a", Refresh: "r"}, seen)
	assert.Empty(t, rec.Result().Cookies())
}

func TestSessionAuthSetsRotatedCookies(t *testing.T) {
	g := authorizerFunc(func(context.Context, session.Cookies) (session.Result, error) {
		return session.Result{
			Identity: session.Identity{UserID: "u1"},
			State:    session.StateRotated,
			Rotated: &token.Pair{
				Access:  token.Issued{Token: "new-a"},
				Refresh: token.Issued{Token: "new-r"},
			},
		}, nil
	})
	cw := session.CookieWriter{AccessTTL: 15 * time.Minute, RefreshTTL: time.Hour}
	rec := serve(whoami, SessionAuth(g, cw, logging.Discard()))

	require.Equal(t, http.StatusOK, rec.Code)
	got := map[string]string{}
	for _, c := range rec.Result().Cookies() {
		got[c.Name] = c.Value
	}
	assert.Equal(t, map[string]string{session.AccessCookie: "new-a", session.RefreshCookie: "new-r"}, got)
}

func TestSessionAuthErrorStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		body   string
	}{
		{&session.Rejection{Reason: session.ReasonNoAccessToken, Err: session.ErrMissingToken}, http.StatusUnauthorized, session.ReasonNoAccessToken},
		{&session.Rejection{Reason: session.ReasonSessionExpired, Err: session.ErrSessionExpired}, http.StatusUnauthorized, session.ReasonSessionExpired},
		{&session.Rejection{Reason: session.ReasonAccountBlocked, Err: session.ErrAccountBlocked}, http.StatusForbidden, session.ReasonAccountBlocked},
		{fmt.Errorf("%w: rotate: boom", session.ErrStorageUnavailable), http.StatusInternalServerError, "internal error"},
	}
	for _, tc := range cases {
		t.Run(tc.body, func(t *testing.T) {
			g := authorizerFunc(func(context.Context, session.Cookies) (session.Result, error) {
				return session.Result{}, tc.err
			})
			rec := serve(whoami, SessionAuth(g, session.CookieWriter{}, logging.Discard()))
			assert.Equal(t, tc.status, rec.Code)
			assert.JSONEq(t, fmt.Sprintf(`{"error":%q}`, tc.body), rec.Body.String())
		})
	}
}

func TestRequireRole(t *testing.T) {
	store := repository.NewMemoryStore()
	store.Put(model.User{ID: "admin", PhoneNumber: "+1", Role: model.RoleAdmin})
	store.Put(model.User{ID: "plain", PhoneNumber: "+2", Role: model.RoleUser})

	as := func(id string) echo.MiddlewareFunc {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				if id != "" {
					WithIdentity(c, session.Identity{UserID: id})
				}
				return next(c)
			}
		}
	}
	guard := RequireRole(store, logging.Discard(), model.RoleAdmin)

	assert.Equal(t, http.StatusOK, serve(whoami, as("admin"), guard).Code)
	assert.Equal(t, http.StatusForbidden, serve(whoami, as("plain"), guard).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(whoami, as("ghost"), guard).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(whoami, as(""), guard).Code)
}

type brokenLookup struct{}

func (brokenLookup) GetByID(context.Context, string) (model.User, error) {
	return model.User{}, errors.New("db down")
}

func TestRequireRoleStorageFailure(t *testing.T) {
	as := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			WithIdentity(c, session.Identity{UserID: "u"})
			return next(c)
		}
	}
	rec := serve(whoami, as, RequireRole(brokenLookup{}, logging.Discard(), model.RoleAdmin))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func ok(c echo.Context) error { return c.NoContent(http.StatusNoContent) }

func TestTokenBucketBlocksAfterCapacity(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg := config.RateLimitConfig{
		Enabled:        true,
		Capacity:       2,
		RefillTokens:   1,
		RefillInterval: time.Minute,
		TTL:            10 * time.Minute,
		KeyStrategy:    "ip_route",
		Prefix:         "rl:test",
	}
	mw := NewTokenBucket(cfg, rdb, logging.Discard())

	first := serve(ok, mw)
	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, http.StatusNoContent, serve(ok, mw).Code)

	blocked := serve(ok, mw)
	assert.Equal(t, http.StatusTooManyRequests, blocked.Code)
	assert.NotEmpty(t, blocked.Header().Get("Retry-After"))
	assert.Contains(t, blocked.Body.String(), "too_many_requests")
}

func TestTokenBucketFailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer rdb.Close()

	cfg := config.RateLimitConfig{Enabled: true, Capacity: 1, RefillTokens: 1, RefillInterval: time.Second, TTL: time.Minute}
	assert.Equal(t, http.StatusNoContent, serve(ok, NewTokenBucket(cfg, rdb, logging.Discard())).Code)
	assert.Equal(t, http.StatusNoContent, serve(ok, NewTokenBucket(config.RateLimitConfig{}, nil, logging.Discard())).Code)
}

func TestBuildRateKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/auth/verify-otp", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/auth/verify-otp")

	cfg := config.RateLimitConfig{Prefix: "rl", KeyStrategy: "ip_route"}
	assert.Equal(t, "rl:ip:10.0.0.1:route:POST /auth/verify-otp", buildRateKey(cfg, c))

	cfg.KeyStrategy = "user"
	assert.Equal(t, "rl:user:anon", buildRateKey(cfg, c))
	WithIdentity(c, session.Identity{UserID: "u9"})
	assert.Equal(t, "rl:user:u9", buildRateKey(cfg, c))
}
