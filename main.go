package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"weather-push-go/internal/config"
	"weather-push-go/internal/handlers"
	"weather-push-go/internal/metrics"
	"weather-push-go/internal/push"
	"weather-push-go/internal/scheduler"
	"weather-push-go/internal/store"
	"weather-push-go/internal/weather"
)

func main() {
	cfg, loadedEnvFile, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := config.NewLogger(cfg.Server.Env)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if !loadedEnvFile {
		logger.Info("No .env file found, using environment only")
	}

	metrics.Init()

	// Subscriptions and cities
	st, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}

	// Redis holds the weather cache and the sweep lock
	redisStore := store.NewRedisStore(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	if err := redisStore.Ping(pingCtx); err != nil {
		logger.Warn("Redis unreachable, weather cache and sweep lock degraded", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	cancelPing()

	fetcher := weather.NewCachedFetcher(
		weather.NewClient(weather.ClientConfig{
			BaseURL: cfg.Weather.BaseURL,
			APIKey:  cfg.Weather.APIKey,
			Units:   cfg.Weather.Units,
			Timeout: cfg.Weather.Timeout,
			Retries: cfg.Weather.Retries,
			Backoff: cfg.Weather.Backoff,
		}, logger),
		redisStore,
		cfg.Weather.CacheTTL,
		logger,
	)
	if cfg.Weather.APIKey == "" {
		logger.Warn("OPENWEATHER_API_KEY is not set, weather fetches will fail")
	}

	vapidPublic, vapidPrivate, err := push.LoadVAPIDKeys(cfg.Push.VAPIDPublicKey, cfg.Push.VAPIDPrivateKey, logger)
	if err != nil {
		logger.Fatal("Failed to load VAPID keys", zap.Error(err))
	}
	dispatcher := push.NewDispatcher(push.VAPIDConfig{
		PublicKey:  vapidPublic,
		PrivateKey: vapidPrivate,
		Subject:    cfg.Push.VAPIDSubject,
		TTL:        cfg.Push.TTL,
	}, cfg.Push.Timeout, logger)

	orch := push.NewOrchestrator(st, fetcher, dispatcher, redisStore, push.Config{
		MinPushInterval: cfg.Push.MinInterval,
		SnapshotMaxAge:  cfg.Push.SnapshotMaxAge,
		SweepBudget:     cfg.Sweep.Budget,
		Concurrency:     cfg.Sweep.Concurrency,
		IconBaseURL:     cfg.Push.IconBaseURL,
	}, logger)

	sched, err := scheduler.New(orch, cfg.Sweep.Schedule, logger)
	if err != nil {
		logger.Fatal("Failed to create scheduler", zap.Error(err))
	}
	sched.Start()

	h := handlers.NewHandler(st, orch, handlers.Options{
		VAPIDPublicKey:     vapidPublic,
		TriggerSecret:      cfg.Server.TriggerSecret,
		ManualAsync:        cfg.Push.ManualAsync,
		CORSOrigins:        cfg.Server.CORSOrigins,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
	}, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      h.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Sweep.Budget + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server starting",
			zap.String("port", cfg.Server.Port),
			zap.String("env", cfg.Server.Env),
			zap.String("store", cfg.Database.Driver),
			zap.String("schedule", cfg.Sweep.Schedule),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sweep.Budget+10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	sched.Stop(shutdownCtx)
	orch.Wait()

	if err := st.Close(); err != nil {
		logger.Warn("Failed to close store", zap.Error(err))
	}
	if err := redisStore.Close(); err != nil {
		logger.Warn("Failed to close redis", zap.Error(err))
	}

	logger.Info("Server exited")
}

func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("Using in-memory store, subscriptions are lost on restart")
		return store.NewMemoryStore(), nil
	}

	pg, err := store.NewPostgresStore(cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pg.RunMigrations(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	logger.Info("Database migrations completed")
	return pg, nil
}
