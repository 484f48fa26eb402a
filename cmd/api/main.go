package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"feedbackhub/api/internal/app"
	"feedbackhub/api/internal/auth"
	"feedbackhub/api/internal/config"
	"feedbackhub/api/internal/logging"
	"feedbackhub/api/internal/ratelimit"
	"feedbackhub/api/internal/search"
	"feedbackhub/api/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	dataStore, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	limiter, closeLimiter := openLimiter(ctx, cfg, logger)
	defer closeLimiter()

	var indexer search.Indexer
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		indexer = meiliClient
	}
	searchService := search.NewService(indexer, logger)
	defer searchService.Wait()

	verifier := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
	service := app.New(cfg, dataStore, verifier, searchService, logger)

	httpServer := app.NewHTTPServer(service, limiter, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("feedback API listening", zap.String("addr", cfg.Addr), zap.String("store", cfg.StoreBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (app.Store, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	case "postgres", "":
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
		return store.NewPostgresStore(db), func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
}

// openLimiter prefers Redis when configured and falls back to process memory
// when Redis cannot be reached at startup.
func openLimiter(ctx context.Context, cfg config.Config, logger *zap.Logger) (ratelimit.Limiter, func()) {
	if cfg.RateLimitBackend == "redis" {
		redisLimiter, err := ratelimit.NewRedis(cfg.RedisURL)
		if err == nil {
			logger.Info("using redis rate limiter")
			return redisLimiter, func() { _ = redisLimiter.Close() }
		}
		logger.Warn("redis unavailable, falling back to in-memory rate limits", zap.Error(err))
	}
	memory := ratelimit.NewMemory(ratelimit.WithSweepInterval(cfg.RateLimitSweep))
	return memory, func() { _ = memory.Close() }
}
