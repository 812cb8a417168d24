package middleware

import "github.com/labstack/echo/v4"

// currentUserID names the caller for rate-limit keys.  Unauthenticated
// requests share the "anon" bucket of their address.
func currentUserID(c echo.Context) string {
	if id, ok := IdentityFrom(c); ok {
		return id.UserID
	}
	return "anon"
}
