package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/otp-session-auth/internal/identity"
	"github.com/iliyamo/otp-session-auth/internal/lockout"
	"github.com/iliyamo/otp-session-auth/internal/metrics"
	"github.com/iliyamo/otp-session-auth/internal/middleware"
	"github.com/iliyamo/otp-session-auth/internal/model"
	"github.com/iliyamo/otp-session-auth/internal/queue"
	"github.com/iliyamo/otp-session-auth/internal/repository"
	"github.com/iliyamo/otp-session-auth/internal/session"
	"github.com/iliyamo/otp-session-auth/internal/token"
)

// dbTimeout is the default budget for the store calls of one handler step.
const dbTimeout = 5 * time.Second

// Store is the user store the handlers need.
type Store interface {
	GetByID(ctx context.Context, id string) (model.User, error)
	GetByPhone(ctx context.Context, phone string) (model.User, error)
	FindOrCreateByPhone(ctx context.Context, phone string) (model.User, bool, error)
	UpdateNames(ctx context.Context, id string, first, last *string) (model.User, error)
	TouchActivity(ctx context.Context, id string, at time.Time) error
	SetBlocked(ctx context.Context, id string, blocked bool) error

	Add(ctx context.Context, userID, tokenHash string, exp time.Time) error
	Remove(ctx context.Context, userID, tokenHash string) (bool, error)
	RemoveAll(ctx context.Context, userID string) error
}

// PairIssuer mints the session pair handed out at login.
type PairIssuer interface {
	IssuePair(userID string) (token.Pair, error)
}

// Refresher rotates a refresh token outside the middleware path.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (session.Result, error)
}

// AuthHandler bundles dependencies for auth, profile and admin endpoints.
type AuthHandler struct {
	Users    Store
	Tokens   PairIssuer
	Sessions Refresher
	Identity identity.Verifier
	Lockout  *lockout.Tracker
	Cookies  session.CookieWriter
	Events   queue.Publisher
	Log      *slog.Logger
	Now      func() time.Time

	// DBTimeout bounds each group of store calls.  The identity-provider
	// call never spends from it.
	DBTimeout time.Duration

	wg sync.WaitGroup
}

func NewAuthHandler(users Store, tokens PairIssuer, sessions Refresher, verifier identity.Verifier,
	tracker *lockout.Tracker, cookies session.CookieWriter, events queue.Publisher, log *slog.Logger) *AuthHandler {
	if events == nil {
		events = queue.NopPublisher{}
	}
	return &AuthHandler{
		Users:    users,
		Tokens:   tokens,
		Sessions: sessions,
		Identity: verifier,
		Lockout:  tracker,
		Cookies:  cookies,
		Events:   events,
		Log:      log,
		Now:      time.Now,

		DBTimeout: dbTimeout,
	}
}

// ----- DTOs -----

type sendOTPReq struct {
	PhoneNumber string `json:"phoneNumber"`
}

type verifyOTPReq struct {
	AssertionToken string `json:"assertionToken"`
	IDToken        string `json:"idToken"`     // accepted for older clients
	PhoneNumber    string `json:"phoneNumber"` // optional, enables the pre-verification lock check
}

type registerReq struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type userResp struct {
	User model.Summary `json:"user"`
}

type loginResp struct {
	User      model.Summary `json:"user"`
	IsNewUser bool          `json:"isNewUser"`
}

// SendOTP acknowledges an OTP request.  Delivery and code entry run between
// the client and the identity provider; the backend only sees the resulting
// assertion.
func (h *AuthHandler) SendOTP(c echo.Context) error {
	var req sendOTPReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "phoneNumber required"})
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// VerifyOTP exchanges an identity assertion for a session.
func (h *AuthHandler) VerifyOTP(c echo.Context) error {
	var req verifyOTPReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	assertion := strings.TrimSpace(req.AssertionToken)
	if assertion == "" {
		assertion = strings.TrimSpace(req.IDToken)
	}
	if assertion == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "assertionToken required"})
	}
	claimed := strings.TrimSpace(req.PhoneNumber)

	ctx, cancel := h.dbContext(c)
	defer cancel()

	// A known account that is blocked or locked never reaches the provider.
	var known *model.User
	if claimed != "" {
		u, err := h.Users.GetByPhone(ctx, claimed)
		switch {
		case err == nil:
			known = &u
			if body := h.denial(u); body != nil {
				return c.JSON(http.StatusForbidden, body)
			}
		case errors.Is(err, repository.ErrNotFound):
		default:
			return h.internal(c, "load user by phone", err)
		}
	}

	claims, err := h.Identity.VerifyAssertion(c.Request().Context(), assertion)

	// The provider call may have used the whole pre-check budget.
	ctx, cancel = h.dbContext(c)
	defer cancel()

	if err != nil {
		metrics.OTPVerifications.WithLabelValues("invalid_assertion").Inc()
		if known != nil {
			if err := h.recordFailure(ctx, *known); err != nil {
				return h.internal(c, "record failed verification", err)
			}
		}
		h.Log.Info("identity assertion rejected", "reason", identity.Reason(err), "error", err)
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid assertion", "reason": identity.Reason(err)})
	}
	if known != nil && claims.PhoneNumber != known.PhoneNumber {
		metrics.OTPVerifications.WithLabelValues("phone_mismatch").Inc()
		if err := h.recordFailure(ctx, *known); err != nil {
			return h.internal(c, "record failed verification", err)
		}
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid assertion", "reason": "phone number mismatch"})
	}

	u, created, err := h.Users.FindOrCreateByPhone(ctx, claims.PhoneNumber)
	if err != nil {
		return h.internal(c, "find or create user", err)
	}
	now := h.Now()
	if created {
		h.emit(queue.NewEvent(queue.EventUserCreated, u.ID, now).WithPhone(u.PhoneNumber))
	}
	if body := h.denial(u); body != nil {
		return c.JSON(http.StatusForbidden, body)
	}
	if err := h.Lockout.RecordSuccess(ctx, u.ID); err != nil {
		return h.internal(c, "reset login attempts", err)
	}

	pair, err := h.Tokens.IssuePair(u.ID)
	if err != nil {
		return h.internal(c, "issue token pair", err)
	}
	if err := h.Users.Add(ctx, u.ID, token.Hash(pair.Refresh.Token), pair.Refresh.Expires); err != nil {
		return h.internal(c, "save refresh token", err)
	}
	// The idle window starts at login.
	if err := h.Users.TouchActivity(ctx, u.ID, now); err != nil {
		return h.internal(c, "stamp login activity", err)
	}
	u.LastActivity = now.UTC()

	h.setCookies(c, pair)
	metrics.OTPVerifications.WithLabelValues("success").Inc()
	h.emit(queue.NewEvent(queue.EventSessionStarted, u.ID, now))
	return c.JSON(http.StatusOK, loginResp{User: u.Summary(), IsNewUser: !u.RegistrationComplete()})
}

// Register completes a profile with both names.
func (h *AuthHandler) Register(c echo.Context) error {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": session.ReasonNoAccessToken})
	}
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	first, last := strings.TrimSpace(req.FirstName), strings.TrimSpace(req.LastName)
	if first == "" || last == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "firstName and lastName required"})
	}

	ctx, cancel := h.dbContext(c)
	defer cancel()

	u, err := h.Users.UpdateNames(ctx, id.UserID, &first, &last)
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": session.ReasonUserNotFound})
	}
	if err != nil {
		return h.internal(c, "update names", err)
	}
	h.emit(queue.NewEvent(queue.EventUserRegistered, u.ID, h.Now()))
	return c.JSON(http.StatusOK, userResp{User: u.Summary()})
}

// Refresh rotates the refresh cookie on demand.
func (h *AuthHandler) Refresh(c echo.Context) error {
	raw := session.FromRequest(c.Request()).Refresh
	res, err := h.Sessions.Refresh(c.Request().Context(), raw)
	if err != nil {
		return middleware.AuthError(c, err, h.Log)
	}
	h.setCookies(c, *res.Rotated)

	ctx, cancel := h.dbContext(c)
	defer cancel()
	u, err := h.Users.GetByID(ctx, res.Identity.UserID)
	if err != nil {
		return h.internal(c, "load user", err)
	}
	return c.JSON(http.StatusOK, userResp{User: u.Summary()})
}

// Logout revokes the refresh token of this device and clears both cookies.
func (h *AuthHandler) Logout(c echo.Context) error {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": session.ReasonNoAccessToken})
	}

	if raw := middleware.RefreshTokenFrom(c); raw != "" {
		ctx, cancel := h.dbContext(c)
		defer cancel()
		if _, err := h.Users.Remove(ctx, id.UserID, token.Hash(raw)); err != nil {
			return h.internal(c, "revoke refresh token", err)
		}
	}

	for _, ck := range h.Cookies.Clear() {
		c.SetCookie(ck)
	}
	h.emit(queue.NewEvent(queue.EventSessionRevoked, id.UserID, h.Now()))
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// Wait blocks until queued event publishes finish.
func (h *AuthHandler) Wait() { h.wg.Wait() }

// denial returns the 403 body for a blocked or locked account, or nil.
func (h *AuthHandler) denial(u model.User) echo.Map {
	if u.IsBlocked {
		metrics.OTPVerifications.WithLabelValues("blocked").Inc()
		return echo.Map{"error": session.ReasonAccountBlocked}
	}
	if h.Lockout.IsLocked(u) {
		metrics.OTPVerifications.WithLabelValues("locked").Inc()
		return echo.Map{"error": "account locked", "lockUntil": u.Login.LockUntil}
	}
	return nil
}

func (h *AuthHandler) recordFailure(ctx context.Context, u model.User) error {
	_, locked, err := h.Lockout.RecordFailure(ctx, u.ID)
	if err != nil {
		return err
	}
	if locked {
		metrics.Lockouts.Inc()
		h.Log.Warn("account locked", "user_id", u.ID)
		h.emit(queue.NewEvent(queue.EventAccountLocked, u.ID, h.Now()).WithPhone(u.PhoneNumber))
	}
	return nil
}

func (h *AuthHandler) dbContext(c echo.Context) (context.Context, context.CancelFunc) {
	d := h.DBTimeout
	if d <= 0 {
		d = dbTimeout
	}
	return context.WithTimeout(c.Request().Context(), d)
}

func (h *AuthHandler) setCookies(c echo.Context, p token.Pair) {
	for _, ck := range h.Cookies.Pair(p) {
		c.SetCookie(ck)
	}
}

func (h *AuthHandler) internal(c echo.Context, op string, err error) error {
	h.Log.Error(op, "path", c.Path(), "error", err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}

func (h *AuthHandler) emit(ev queue.AuthEvent) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
		defer cancel()
		if err := h.Events.Publish(ctx, ev); err != nil {
			h.Log.Warn("publish auth event failed", "type", ev.Type, "error", err)
		}
	}()
}
