package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/otp-session-auth/internal/session"
)

const (
	identityKey = "auth.identity"
	refreshKey  = "auth.refresh"
)

// Authorizer is what SessionAuth needs from session.Guard.
type Authorizer interface {
	Authorize(ctx context.Context, c session.Cookies) (session.Result, error)
}

// SessionAuth authorizes every request from its access/refresh cookies.  When
// the guard rotates the pair, the new cookies are set on the response before
// the handler runs.  The authenticated identity is stored on the echo context
// and read back with IdentityFrom.
func SessionAuth(g Authorizer, cookies session.CookieWriter, log *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			presented := session.FromRequest(c.Request())
			res, err := g.Authorize(c.Request().Context(), presented)
			if err != nil {
				return AuthError(c, err, log)
			}
			current := presented.Refresh
			if res.Rotated != nil {
				for _, ck := range cookies.Pair(*res.Rotated) {
					c.SetCookie(ck)
				}
				current = res.Rotated.Refresh.Token
			}
			c.Set(identityKey, res.Identity)
			c.Set(refreshKey, current)
			return next(c)
		}
	}
}

// IdentityFrom returns the identity SessionAuth attached to c.
func IdentityFrom(c echo.Context) (session.Identity, bool) {
	id, ok := c.Get(identityKey).(session.Identity)
	return id, ok && id.UserID != ""
}

// RefreshTokenFrom returns the refresh token the client holds after this
// request: the rotated one when SessionAuth rotated, otherwise the presented
// cookie.  It may be empty.
func RefreshTokenFrom(c echo.Context) string {
	s, _ := c.Get(refreshKey).(string)
	return s
}

// WithIdentity attaches id to c.  Handler tests use it to skip SessionAuth.
func WithIdentity(c echo.Context, id session.Identity) { c.Set(identityKey, id) }

// AuthError writes the response for a failed authorization.  Rejections are
// 401 except blocked accounts, which are 403.  Anything else is a storage or
// signing failure and is reported as 500 without detail.
func AuthError(c echo.Context, err error, log *slog.Logger) error {
	var rej *session.Rejection
	if errors.As(err, &rej) {
		status := http.StatusUnauthorized
		if errors.Is(rej, session.ErrAccountBlocked) {
			status = http.StatusForbidden
		}
		return c.JSON(status, echo.Map{"error": rej.Reason})
	}
	log.Error("authorize request", "path", c.Path(), "error", err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}
