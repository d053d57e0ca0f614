package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"codecollab/internal/ratelimit"
	"codecollab/internal/util"
	"codecollab/pkg/store"
	"codecollab/services/auth/internal/app"
	"codecollab/services/auth/internal/config"
	"codecollab/services/auth/internal/security"
	"codecollab/services/auth/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel)
	accessTTL, _ := config.ParseAccessTokenTTL(cfg.AccessTokenTTL)

	var users store.UserStore
	if cfg.DatabaseURL != "" {
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			util.Fatal("failed to init postgres store", "err", err)
		}
		defer gormStore.Close()
		users = gormStore
	} else {
		logger.Warn("user_store_memory", "detail", "accounts are lost on restart")
		users = store.NewMemoryStore()
	}

	var (
		redisClient *redis.Client
		revoker     store.TokenRevoker
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
		revoker = store.NewRedisTokenRevoker(redisClient)
	} else {
		logger.Warn("token_revoker_memory", "detail", "logout revocations are not shared between replicas")
		revoker = store.NewMemoryTokenRevoker()
	}

	sessions, err := store.NewJWTSessionStoreFromPEM(cfg.JWTPrivateKeyPath, revoker, store.JWTOptions{
		KeyID:    cfg.JWTKeyID,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      accessTTL,
	})
	if err != nil {
		util.Fatal("failed to init jwt session store", "err", err)
	}

	appCore, err := app.New(app.Config{Users: users, Sessions: sessions})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("invalid trustedProxies", "err", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		SignupLimiter:  newLimiter(redisClient, "signup", cfg.SignupRateLimitPerMinute, logger),
		LoginLimiter:   newLimiter(redisClient, "login", cfg.LoginRateLimitPerMinute, logger),
		Alerter:        security.NewAuditAlerter(redisClient, ""),
		TrustedProxies: trusted,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("auth server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

func newLimiter(client *redis.Client, scope string, perMinute int, logger *slog.Logger) ratelimit.Limiter {
	if perMinute == 0 {
		return nil
	}
	if client == nil {
		return ratelimit.NewLocalLimiter(perMinute, time.Minute, perMinute)
	}
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(client, "codecollab:ratelimit:auth:"+scope, perMinute, time.Minute)
	if err != nil {
		logger.Warn("redis_limiter_unavailable", "scope", scope, "err", err)
		return ratelimit.NewLocalLimiter(perMinute, time.Minute, perMinute)
	}
	return limiter
}
