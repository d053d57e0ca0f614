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
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"codecollab/internal/backend"
	"codecollab/internal/ratelimit"
	"codecollab/internal/usertoken"
	"codecollab/internal/util"
	"codecollab/pkg/ai"
	"codecollab/services/realtime/internal/authclient"
	"codecollab/services/realtime/internal/chat"
	"codecollab/services/realtime/internal/config"
	"codecollab/services/realtime/internal/gate"
	"codecollab/services/realtime/internal/rooms"
	"codecollab/services/realtime/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancelOpen := context.WithTimeout(ctx, 30*time.Second)
	stores, err := backend.Open(openCtx, backend.Options{
		Backend:       cfg.StorageBackend,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
		DatabaseURL:   cfg.DatabaseURL,
	})
	cancelOpen()
	if err != nil {
		util.Fatal("failed to open storage", "backend", cfg.StorageBackend, "err", err)
	}
	if stores.Name == backend.Memory {
		logger.Warn("storage_memory_backend", "detail", "chat history is lost on restart")
	}

	jwtLeeway, _ := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init jwks verifier", "err", err)
	}
	authClient := authclient.NewClient(cfg.AuthServiceURL, 5*time.Second)

	var gen ai.Generator
	genTimeout, _ := config.ParseDuration("generationTimeout", cfg.GenerationTimeout)
	gen, err = ai.NewGenerator(ai.Config{
		Provider: cfg.GenerationProvider,
		BaseURL:  cfg.GenerationBaseURL,
		APIKey:   cfg.GenerationAPIKey,
		Model:    cfg.GenerationModel,
	})
	if err != nil {
		logger.Warn("ai_disabled", "provider", cfg.GenerationProvider, "err", err)
		gen = nil
	}

	connectLimiter := newConnectLimiter(cfg, logger)

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("invalid trustedProxies", "err", err)
	}

	var httpServer *server.Server
	registry := rooms.NewRegistry(func(projectID string, m rooms.Member) {
		httpServer.DropSlow(projectID, m)
	})
	coord, err := chat.New(chat.Config{
		Store:                    stores.Chats,
		Rooms:                    registry,
		Generator:                gen,
		GenerationTimeout:        genTimeout,
		MaxConcurrentGenerations: cfg.MaxConcurrentGenerations,
		Logger:                   logger,
	})
	if err != nil {
		util.Fatal("failed to init coordinator", "err", err)
	}
	httpServer = server.New(server.Config{
		Gate:           gate.New(verifier, authClient, stores.Projects, logger),
		Coordinator:    coord,
		Rooms:          registry,
		ConnectLimiter: connectLimiter,
		TrustedProxies: trusted,
		AllowedOrigins: cfg.AllowedOrigins,
		SendBuffer:     cfg.SendBuffer,
		MessageRate:    rate.Limit(cfg.MessagesPerSecond),
		MessageBurst:   cfg.MessageBurst,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("realtime server listening", "addr", addr, "backend", stores.Name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http_shutdown_incomplete", "err", err)
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("ws_shutdown_incomplete", "err", err)
		}
		if err := coord.Close(shutdownCtx); err != nil {
			logger.Warn("ai_shutdown_incomplete", "err", err)
		}
		return stores.Close(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	logger.Info("realtime server stopped")
}

// newConnectLimiter uses Redis when configured so every replica shares the
// window, and an in-process limiter otherwise. Zero disables the limit.
func newConnectLimiter(cfg config.FileConfig, logger *slog.Logger) ratelimit.Limiter {
	perMinute := cfg.ConnectRateLimitPerMinute
	if perMinute == 0 {
		return nil
	}
	if cfg.RedisAddr == "" {
		return ratelimit.NewLocalLimiter(perMinute, time.Minute, perMinute)
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(client, "codecollab:ratelimit:realtime", perMinute, time.Minute)
	if err != nil {
		logger.Warn("redis_limiter_unavailable", "err", err)
		return ratelimit.NewLocalLimiter(perMinute, time.Minute, perMinute)
	}
	return limiter
}
