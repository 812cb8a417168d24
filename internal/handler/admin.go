package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/otp-session-auth/internal/queue"
	"github.com/iliyamo/otp-session-auth/internal/repository"
)

// BlockUser sets the administrative block and revokes every refresh token of
// the user.  Access tokens already issued stay valid until they expire.
func (h *AuthHandler) BlockUser(c echo.Context) error {
	return h.setBlocked(c, true)
}

// UnblockUser clears the administrative block.
func (h *AuthHandler) UnblockUser(c echo.Context) error {
	return h.setBlocked(c, false)
}

func (h *AuthHandler) setBlocked(c echo.Context, blocked bool) error {
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user id required"})
	}

	ctx, cancel := h.dbContext(c)
	defer cancel()

	err := h.Users.SetBlocked(ctx, id, blocked)
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "user not found"})
	}
	if err != nil {
		return h.internal(c, "set blocked", err)
	}
	if blocked {
		if err := h.Users.RemoveAll(ctx, id); err != nil {
			return h.internal(c, "revoke sessions", err)
		}
		h.emit(queue.NewEvent(queue.EventAccountBlocked, id, h.Now()))
	}

	u, err := h.Users.GetByID(ctx, id)
	if err != nil {
		return h.internal(c, "load user", err)
	}
	return c.JSON(http.StatusOK, echo.Map{"user": u.Summary(), "isBlocked": u.IsBlocked})
}
