package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/estamp-field/api/internal/bootstrap"
	"github.com/estamp-field/api/internal/di"
	"github.com/estamp-field/api/internal/handlers"
	"github.com/estamp-field/api/internal/platform/auth"
	"github.com/estamp-field/api/internal/platform/config"
	"github.com/estamp-field/api/internal/platform/idempotency"
	"github.com/estamp-field/api/internal/platform/observability"
)

const verifyWindow = time.Minute

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")

	loaded, err := bootstrap.Load(ctx, logger)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	defer func() {
		if err := loaded.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()
	cfg := loaded.Config

	container, err := di.NewContainer(ctx, cfg, logger, di.WithBuildInfo(bootstrap.BuildInfo(loaded.Env, cfg, startedAt)))
	if err != nil {
		logger.Fatal("failed to build dependencies", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("dependency close error", zap.Error(err))
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase, true)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	idempotencyMiddleware, err := buildIdempotencyMiddleware(container, cfg)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}

	verifyLimiter, err := buildVerifyRateLimiter(container, cfg)
	if err != nil {
		logger.Fatal("failed to initialise verification rate limiter", zap.Error(err))
	}

	svc := container.Services
	stampHandlers := handlers.NewStampHandlers(authenticator, svc.Templates, svc.Orders, svc.Verification,
		handlers.WithVerifyRateLimiter(verifyLimiter),
		handlers.WithOrderMiddlewares(idempotencyMiddleware),
	)
	adminHandlers := handlers.NewAdminStampHandlers(authenticator, svc.Orders, svc.Templates, svc.Promos)
	webhookHandlers := handlers.NewPaymentWebhookHandlers(svc.Orders)
	internalHandlers := handlers.NewInternalStampHandlers(svc.Orders)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(svc.Health)),
		handlers.WithStampRoutes(stampHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg); oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("estamp api listening",
			zap.String("store", cfg.Store.Backend),
			zap.String("storage", cfg.Storage.Backend),
			zap.String("psp", cfg.PSP.Provider),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildIdempotencyMiddleware(container *di.Container, cfg config.Config) (func(http.Handler) http.Handler, error) {
	var store idempotency.Store = idempotency.NewMemoryStore()
	if container.Redis != nil {
		redisStore, err := idempotency.NewRedisStore(container.Redis)
		if err != nil {
			return nil, err
		}
		store = redisStore
	}
	return idempotency.Middleware(store,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
	), nil
}

// buildVerifyRateLimiter shares counters through Redis when it is configured so every instance
// enforces the same budget.
func buildVerifyRateLimiter(container *di.Container, cfg config.Config) (handlers.RateLimiter, error) {
	limit := cfg.RateLimits.VerifyPerMinute
	if limit <= 0 {
		return nil, nil
	}
	if container.Redis != nil {
		return handlers.NewRedisRateLimiter(container.Redis, "verify", limit, verifyWindow)
	}
	return handlers.NewMemoryRateLimiter(limit, verifyWindow, time.Now), nil
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL)
	validator := auth.NewOIDCValidator(cache, auth.OIDCConfig{
		Audience:      audience,
		Issuers:       cfg.Security.OIDC.Issuers,
		AllowedEmails: cfg.Security.OIDC.ServiceAccounts,
	})
	return validator.RequireOIDC()
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}
