// Package main provides the JWT bearer-token realm's demo server entry point.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/lllypuk/jwtrealm/internal/config"
	"github.com/lllypuk/jwtrealm/internal/invalidation"
	appmiddleware "github.com/lllypuk/jwtrealm/internal/middleware"
	"github.com/lllypuk/jwtrealm/internal/realm"
	"github.com/lllypuk/jwtrealm/transport/httprealm"
)

const gracefulShutdownSleep = 100 * time.Millisecond

func main() {
	cfg, err := config.Load()
	if err != nil {
		//nolint:sloglint // No context available before logger setup
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := setupLogger(cfg)
	logger.Info("starting jwtrealm demo server",
		slog.String("version", "0.1.0"),
		slog.String("realm", cfg.Realm.Name),
	)

	r, bus, err := buildRealm(cfg, logger)
	if err != nil {
		logger.Error("failed to build realm", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := r.Initialize([]string{cfg.Realm.Name}, false); err != nil {
		logger.Error("failed to initialize realm", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if redisBus, ok := bus.(*invalidation.RedisBus); ok {
		redisBus.OnRemoteExpireAll(func() { r.ExpireAll(context.Background()) })
		go func() {
			if startErr := redisBus.Start(ctx); startErr != nil && !errors.Is(startErr, context.Canceled) {
				logger.Error("invalidation bus stopped", slog.String("error", startErr.Error()))
			}
		}()
	}

	e := setupRoutes(r, logger)
	e.Server.ReadTimeout = cfg.Server.ReadTimeout
	e.Server.WriteTimeout = cfg.Server.WriteTimeout

	go gracefulShutdown(ctx, cancel, e, r, bus, cfg.Server.ShutdownTimeout, logger)

	logger.Info("server listening", slog.String("address", cfg.Server.Address()))

	if serverErr := e.Start(cfg.Server.Address()); serverErr != nil && !errors.Is(serverErr, http.ErrServerClosed) {
		logger.Error("server error", slog.String("error", serverErr.Error()))
		cancel()
		_ = r.Close()
		os.Exit(1)
	}
}

// buildRealm wires a Realm from configuration: a JWKS or HMAC-backed
// JWTAuthenticator, a claims-based role mapper, and either a Redis-backed
// or no-op invalidation bus.
func buildRealm(cfg *config.Config, logger *slog.Logger) (*realm.Realm, realm.InvalidationBus, error) {
	authCfg := realm.JWTAuthenticatorConfig{
		Algorithms:       cfg.Realm.Algorithms,
		Issuer:           cfg.Realm.Issuer,
		AllowedClockSkew: cfg.Realm.AllowedClockSkew,
		Logger:           logger,
	}
	if cfg.Realm.Audience != "" {
		authCfg.Audiences = []string{cfg.Realm.Audience}
	}
	if cfg.Realm.HMACSecret != "" {
		authCfg.HMACSecrets = [][]byte{[]byte(cfg.Realm.HMACSecret)}
	}
	if cfg.Realm.JWKSURL != "" {
		jwks, err := realm.NewJWKSSource(realm.JWKSSourceConfig{
			URL:             cfg.Realm.JWKSURL,
			RefreshInterval: cfg.Realm.JWKSRefreshInterval,
			Logger:          logger,
		})
		if err != nil {
			return nil, nil, err
		}
		authCfg.Keys = jwks
	}

	jwtAuth, err := realm.NewJWTAuthenticator(authCfg)
	if err != nil {
		return nil, nil, err
	}

	var bus realm.InvalidationBus = invalidation.NoopBus{}
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		bus = invalidation.NewRedisBus(client, cfg.Realm.Name, invalidation.WithLogger(logger))
	}

	realmCfg := realm.Config{
		AllowedClockSkew:       cfg.Realm.AllowedClockSkew,
		PopulateUserMetadata:   cfg.Realm.PopulateUserMetadata,
		ClientAuthType:         realm.ClientAuthScheme(cfg.Realm.ClientAuthType),
		ClientAuthSharedSecret: cfg.Realm.ClientAuthSharedSecret,
		CacheTTL:               cfg.Realm.CacheTTL,
		CacheMaxSize:           cfg.Realm.CacheMaxSize,
		Claims: realm.ClaimNames{
			Principal: cfg.Realm.ClaimPrincipal,
			Groups:    cfg.Realm.ClaimGroups,
			DN:        cfg.Realm.ClaimDN,
			Mail:      cfg.Realm.ClaimMail,
			Name:      cfg.Realm.ClaimName,
		},
	}

	roleMapper := realm.NewClaimsRoleMapper(nil, "user")

	r, err := realm.New(cfg.Realm.Name, realmCfg, jwtAuth, roleMapper,
		realm.WithLogger(logger),
		realm.WithInvalidationBus(bus),
	)
	if err != nil {
		return nil, nil, err
	}

	return r, bus, nil
}

func setupRoutes(r *realm.Realm, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(appmiddleware.Recovery(logger))
	e.Use(appmiddleware.Logging(appmiddleware.DefaultLoggingConfig()))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	authenticated := e.Group("")
	authenticated.Use(httprealm.Middleware(r, httprealm.Config{
		Logger:    logger,
		SkipPaths: []string{"/health"},
	}))

	authenticated.GET("/whoami", func(c echo.Context) error {
		user, ok := httprealm.User(c)
		if !ok {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "missing user"})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"principal": user.Principal,
			"roles":     user.Roles,
			"email":     user.Email,
		})
	})

	authenticated.POST("/realm/_expire/:principal", func(c echo.Context) error {
		r.Expire(c.Param("principal"))
		return c.NoContent(http.StatusNoContent)
	}, httprealm.RequireRole("admin"))

	authenticated.GET("/realm/_stats", func(c echo.Context) error {
		stats, err := r.UsageStats(c.Request().Context())
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, stats)
	}, httprealm.RequireRole("admin"))

	return e
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(cfg.Log.Level),
		AddSource: cfg.IsDevelopment(),
	}

	switch cfg.Log.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func gracefulShutdown(
	ctx context.Context,
	cancel context.CancelFunc,
	e *echo.Echo,
	r *realm.Realm,
	bus realm.InvalidationBus,
	shutdownTimeout time.Duration,
	logger *slog.Logger,
) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	bgCtx := context.Background()

	select {
	case sig := <-quit:
		logger.InfoContext(bgCtx, "received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.InfoContext(bgCtx, "context cancelled, initiating shutdown")
	}

	logger.InfoContext(bgCtx, "shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.ErrorContext(shutdownCtx, "server shutdown error", slog.String("error", err.Error()))
	} else {
		logger.InfoContext(shutdownCtx, "HTTP server stopped")
	}

	cancel()
	time.Sleep(gracefulShutdownSleep)

	if redisBus, ok := bus.(*invalidation.RedisBus); ok {
		redisBus.Shutdown()
	}

	if err := r.Close(); err != nil {
		logger.ErrorContext(shutdownCtx, "realm close error", slog.String("error", err.Error()))
	}

	logger.InfoContext(shutdownCtx, "server shutdown complete")
}
