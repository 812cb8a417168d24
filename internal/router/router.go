package router

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/otp-session-auth/internal/handler"
)

// RegisterRoutes registers routes that need no session: liveness, readiness
// and the Prometheus scrape endpoint.
func RegisterRoutes(e *echo.Echo, db handler.Pinger, metrics http.Handler) {
	e.GET("/healthz", handler.Health)
	if db != nil {
		e.GET("/readyz", handler.Ready(db))
	}
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}
}

// RegisterAuth registers the /auth endpoints.  rateLimit guards the whole
// group; register and logout also need a session.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, requireSession, rateLimit echo.MiddlewareFunc) {
	g := e.Group("/auth", rateLimit)
	g.POST("/send-otp", a.SendOTP)
	g.POST("/verify-otp", a.VerifyOTP)
	g.POST("/refresh", a.Refresh)
	g.POST("/register", a.Register, requireSession)
	g.POST("/logout", a.Logout, requireSession)
	g.GET("/me", a.Me, requireSession)
}

// RegisterAPI registers the session-protected /api endpoints.  Every request
// passes through requireSession, which may rewrite both cookies.
func RegisterAPI(e *echo.Echo, a *handler.AuthHandler, requireSession, adminOnly echo.MiddlewareFunc) {
	api := e.Group("/api", requireSession)
	api.GET("/me", a.Me)
	api.PUT("/me", a.UpdateProfile)
	api.GET("/settings", a.Settings)

	admin := api.Group("/admin", adminOnly)
	admin.POST("/users/:id/block", a.BlockUser)
	admin.POST("/users/:id/unblock", a.UnblockUser)
}
