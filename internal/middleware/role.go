package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/otp-session-auth/internal/model"
	"github.com/iliyamo/otp-session-auth/internal/repository"
)

// UserLookup loads the caller's stored record.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (model.User, error)
}

// RequireRole allows the request only when the authenticated user currently
// holds one of roles.  The role is read from the store rather than the token
// so a demotion takes effect immediately.  It must run after SessionAuth.
func RequireRole(users UserLookup, log *slog.Logger, roles ...model.Role) echo.MiddlewareFunc {
	allowed := make(map[model.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := IdentityFrom(c)
			if !ok {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthenticated"})
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
			defer cancel()
			u, err := users.GetByID(ctx, id.UserID)
			switch {
			case errors.Is(err, repository.ErrNotFound):
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "user not found"})
			case err != nil:
				log.Error("load user role", "user_id", id.UserID, "error", err)
				return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
			}
			if !allowed[u.Role] {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
			}
			return next(c)
		}
	}
}
