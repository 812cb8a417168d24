package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/iliyamo/otp-session-auth/internal/config"
	"github.com/iliyamo/otp-session-auth/internal/database"
	"github.com/iliyamo/otp-session-auth/internal/handler"
	"github.com/iliyamo/otp-session-auth/internal/identity"
	"github.com/iliyamo/otp-session-auth/internal/keystore"
	"github.com/iliyamo/otp-session-auth/internal/lockout"
	"github.com/iliyamo/otp-session-auth/internal/logging"
	"github.com/iliyamo/otp-session-auth/internal/metrics"
	"github.com/iliyamo/otp-session-auth/internal/middleware"
	"github.com/iliyamo/otp-session-auth/internal/model"
	"github.com/iliyamo/otp-session-auth/internal/queue"
	"github.com/iliyamo/otp-session-auth/internal/repository"
	"github.com/iliyamo/otp-session-auth/internal/router"
	"github.com/iliyamo/otp-session-auth/internal/session"
	"github.com/iliyamo/otp-session-auth/internal/token"
)

const purgeInterval = time.Hour

func main() {
	cfg := config.Load()
	logger := logging.NewLogger(cfg.LogLevel, "otp-session-auth", cfg.Env)
	slog.SetDefault(logger)

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := database.Migrate(context.Background(), db); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	keys, err := keystore.Load(cfg.PrivateKeyPath, cfg.PublicKeyPath)
	if err != nil {
		log.Fatalf("load signing keys: %v (run cmd/keygen first)", err)
	}

	policy := cfg.Auth
	store := repository.NewSQLStore(db)
	tokens := token.NewService(keys, policy.Issuer, policy.AccessTTL, policy.RefreshTTL)
	events := queue.NewAMQPPublisher(cfg.RabbitMQURL)
	guard := session.NewGuard(tokens, store, policy.IdleTimeout, events, logger)
	tracker := lockout.NewTracker(store, lockout.Policy{Threshold: policy.LockoutThreshold, Duration: policy.LockoutDuration})
	verifier, err := identity.NewFirebaseVerifier(context.Background(), cfg.FirebaseProjectID, cfg.FirebaseCredentials, cfg.IdentityTimeout)
	if err != nil {
		log.Fatalf("init identity provider: %v", err)
	}
	cookies := session.CookieWriter{Secure: policy.SecureCookies, AccessTTL: policy.AccessTTL, RefreshTTL: policy.RefreshTTL}
	auth := handler.NewAuthHandler(store, tokens, guard, verifier, tracker, cookies, events, logger)

	rdb := config.NewRedisClient(config.LoadRedisConfig())
	if rdb == nil {
		logger.Warn("redis unreachable, auth rate limiting disabled")
	} else {
		defer rdb.Close()
	}
	rateLimit := middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.Secure())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     allowedOrigins(cfg.FrontendURL),
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAuthorization},
		AllowCredentials: true,
	}))
	e.Use(requestLogger(logger))

	requireSession := middleware.SessionAuth(guard, cookies, logger)
	adminOnly := middleware.RequireRole(store, logger, model.RoleAdmin)
	router.RegisterRoutes(e, db, metrics.Handler(registry))
	router.RegisterAuth(e, auth, requireSession, rateLimit)
	router.RegisterAPI(e, auth, requireSession, adminOnly)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumer := queue.NewConsumer(cfg.RabbitMQURL, "logs", logger)
	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("auth event consumer stopped", "error", err)
		}
	}()
	go purgeExpired(ctx, store, logger)

	addr := ":" + cfg.Port
	go func() {
		logger.Info("listening", "addr", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	guard.Wait()
	auth.Wait()
	logger.Info("stopped")
}

func allowedOrigins(frontend string) []string {
	origins := []string{"http://localhost:5173"}
	if frontend != "" && frontend != origins[0] {
		origins = append(origins, frontend)
	}
	return origins
}

// requestLogger feeds echo's request log into slog.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogRemoteIP:  true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
				"remote_ip", v.RemoteIP,
			}
			if v.Error != nil {
				logger.Error("request", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.Info("request", attrs...)
			return nil
		},
	})
}

// purgeExpired drops refresh-token rows past their expiry once an hour.
func purgeExpired(ctx context.Context, store *repository.SQLStore, logger *slog.Logger) {
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := store.PurgeExpired(ctx, now)
			if err != nil {
				logger.Warn("purge expired refresh tokens", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("purged expired refresh tokens", "count", n)
			}
		}
	}
}
