package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/otp-session-auth/internal/middleware"
	"github.com/iliyamo/otp-session-auth/internal/model"
	"github.com/iliyamo/otp-session-auth/internal/repository"
	"github.com/iliyamo/otp-session-auth/internal/session"
)

type updateProfileReq struct {
	FirstName *string `json:"firstName"`
	LastName  *string `json:"lastName"`
}

type settingsResp struct {
	Role         model.Role `json:"role"`
	LastActivity time.Time  `json:"lastActivity"`
}

// Me returns the caller's profile.
func (h *AuthHandler) Me(c echo.Context) error {
	u, ok, err := h.currentUser(c)
	if !ok {
		return err
	}
	return c.JSON(http.StatusOK, userResp{User: u.Summary()})
}

// UpdateProfile sets whichever name fields the body carries.
func (h *AuthHandler) UpdateProfile(c echo.Context) error {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": session.ReasonNoAccessToken})
	}
	var req updateProfileReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.FirstName == nil && req.LastName == nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "firstName or lastName required"})
	}
	for _, v := range []*string{req.FirstName, req.LastName} {
		if v != nil && strings.TrimSpace(*v) == "" {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "names must not be empty"})
		}
	}

	ctx, cancel := h.dbContext(c)
	defer cancel()

	u, err := h.Users.UpdateNames(ctx, id.UserID, req.FirstName, req.LastName)
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": session.ReasonUserNotFound})
	}
	if err != nil {
		return h.internal(c, "update profile", err)
	}
	return c.JSON(http.StatusOK, userResp{User: u.Summary()})
}

// Settings returns account settings.
func (h *AuthHandler) Settings(c echo.Context) error {
	u, ok, err := h.currentUser(c)
	if !ok {
		return err
	}
	return c.JSON(http.StatusOK, settingsResp{Role: u.Role, LastActivity: u.LastActivity})
}

// currentUser loads the authenticated user.  When ok is false the error
// response has already been written and err is the result of writing it.
func (h *AuthHandler) currentUser(c echo.Context) (u model.User, ok bool, err error) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		return model.User{}, false, c.JSON(http.StatusUnauthorized, echo.Map{"error": session.ReasonNoAccessToken})
	}
	ctx, cancel := h.dbContext(c)
	defer cancel()

	u, err = h.Users.GetByID(ctx, id.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.User{}, false, c.JSON(http.StatusNotFound, echo.Map{"error": session.ReasonUserNotFound})
	}
	if err != nil {
		return model.User{}, false, h.internal(c, "load user", err)
	}
	return u, true, nil
}
