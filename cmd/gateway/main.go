package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dmutua/safiri/internal/api"
	"github.com/dmutua/safiri/internal/circuitbreaker"
	"github.com/dmutua/safiri/internal/config"
	"github.com/dmutua/safiri/internal/db"
	"github.com/dmutua/safiri/internal/dispatch"
	"github.com/dmutua/safiri/internal/events"
	"github.com/dmutua/safiri/internal/ledger"
	"github.com/dmutua/safiri/internal/metrics"
	"github.com/dmutua/safiri/internal/notify"
	"github.com/dmutua/safiri/internal/observ"
	"github.com/dmutua/safiri/internal/provider"
	"github.com/dmutua/safiri/internal/redis"
	"github.com/dmutua/safiri/internal/resolver"
	"github.com/dmutua/safiri/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting safiri gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Initialize repository
	repo := db.NewRepository(database, logger)

	// Initialize Redis for dispatch locks and rate limiting. Redis being
	// down degrades both, it never stops the gateway.
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, dispatch locks and rate limits disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var dispatchLock dispatch.Locker
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		dispatchLock = redis.NewDispatchLock(redisClient, logger, redis.DispatchLockTTL)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimit,
			Window: cfg.RateLimitWindow,
		})
		defer redisClient.Close()
	}

	// Initialize the delivery event publisher
	var publisher dispatch.Publisher
	if cfg.SQSQueueURL != "" {
		pub, err := events.NewPublisher(ctx, events.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs publisher unavailable, delivery events will not be emitted",
				zap.Error(err),
			)
		} else {
			publisher = pub
			defer pub.Close()
		}
	}

	// Initialize delivery gateways, each behind its own circuit breaker.
	providers := make(map[notify.Channel]provider.Provider)

	if cfg.FCMCredentialsFile != "" {
		fcm, err := provider.NewFCMProvider(ctx, provider.FCMConfig{
			CredentialsFile: cfg.FCMCredentialsFile,
		}, repo, logger)
		if err != nil {
			return fmt.Errorf("failed to create FCM provider: %w", err)
		}
		providers[notify.ChannelPush] = protect(fcm, "fcm", logger)
	} else {
		logger.Warn("FCM credentials not configured, push notifications are logged only")
		providers[notify.ChannelPush] = provider.NewLogProvider(notify.ChannelPush, logger)
	}

	ses, err := provider.NewSESProvider(ctx, provider.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, repo, logger)
	if err != nil {
		return fmt.Errorf("failed to create SES provider: %w", err)
	}
	providers[notify.ChannelEmail] = protect(ses, "ses", logger)

	sns, err := provider.NewSNSProvider(ctx, provider.SNSConfig{
		Region: cfg.SNSRegion,
	}, repo, logger)
	if err != nil {
		logger.Warn("SNS unavailable, SMS notifications are logged only", zap.Error(err))
		providers[notify.ChannelSMS] = provider.NewLogProvider(notify.ChannelSMS, logger)
	} else {
		providers[notify.ChannelSMS] = protect(sns, "sns", logger)
	}

	// Assemble the dispatch core
	led := ledger.New(repo, logger)
	res := resolver.New(repo, logger)
	engine := dispatch.New(repo, res, led, providers, dispatchLock, publisher, dispatch.Config{
		ProviderTimeout: cfg.ProviderTimeout,
	}, logger)

	// Start the scheduled-notification poller
	sched := scheduler.New(repo, engine, scheduler.Config{
		PollInterval: cfg.SchedulerPollInterval,
		BatchSize:    cfg.SchedulerBatchSize,
	}, logger)

	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()

	go sched.Start(schedCtx)

	logger.Info("scheduler started",
		zap.Duration("poll_interval", cfg.SchedulerPollInterval),
		zap.Int("batch_size", cfg.SchedulerBatchSize),
	)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.UserKeyFunc))

	// API routes
	handler := api.NewHandler(logger, repo, engine, led)
	handler.Routes(r)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		status := map[string]string{"database": "ok", "redis": "ok"}
		healthy := true

		if err := database.Health(req.Context()); err != nil {
			status["database"] = "unavailable"
			healthy = false
		}
		if redisClient == nil {
			status["redis"] = "disabled"
		} else if err := redisClient.Ping(req.Context()); err != nil {
			status["redis"] = "unavailable"
		}

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop the scheduler first so no new dispatches start mid-shutdown
		schedCancel()

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

func protect(inner provider.Provider, name string, logger *zap.Logger) provider.Provider {
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(name), logger)
	return circuitbreaker.NewProtectedProvider(inner, breaker, logger)
}
