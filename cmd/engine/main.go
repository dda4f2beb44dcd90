package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/callwatch/engine/internal/api"
	"github.com/callwatch/engine/internal/circuitbreaker"
	"github.com/callwatch/engine/internal/config"
	"github.com/callwatch/engine/internal/db"
	"github.com/callwatch/engine/internal/engine"
	"github.com/callwatch/engine/internal/metrics"
	"github.com/callwatch/engine/internal/observ"
	"github.com/callwatch/engine/internal/redis"
	"github.com/callwatch/engine/internal/sender"
	"github.com/callwatch/engine/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting callwatch engine",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Duration("window", cfg.WindowDuration),
		zap.Int("workers", cfg.WorkerCount),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	ruleRepo := db.NewRuleRepository(database, logger)
	notifRepo := db.NewNotificationRepository(database, logger)

	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	windows := redis.NewWindowStore(redisClient, logger, cfg.WindowDuration)
	deduper := redis.NewDeduper(redisClient, logger)
	rateLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  cfg.RateLimit,
		Window: cfg.RateLimitWindow,
	})

	// Tenant channel credentials come from deployment config; without
	// them only the in_app channel delivers.
	var tenants sender.ChannelConfigSource
	if cfg.TenantChannelsFile != "" {
		tenants, err = sender.LoadConfigFile(cfg.TenantChannelsFile)
		if err != nil {
			return fmt.Errorf("failed to load tenant channels: %w", err)
		}
	} else {
		logger.Warn("no tenant channels file configured, email and slack deliveries will fail per tenant")
		tenants = sender.NewStaticConfigSource(nil)
	}

	retryCfg := sender.RetryConfig{
		MaxAttempts:    cfg.SendRetries,
		InitialBackoff: 500 * time.Millisecond,
		AttemptTimeout: cfg.SendTimeout,
	}

	sesSender, err := sender.NewSESSender(ctx, sender.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, tenants, logger)
	if err != nil {
		return fmt.Errorf("failed to create SES email sender: %w", err)
	}

	slackSender := sender.NewSlackSender(tenants, sender.SlackConfig{
		Timeout: cfg.SendTimeout,
	}, logger)

	// Network channels get a breaker plus bounded retry; in_app is a
	// local store write and needs neither.
	emailChannel := sender.WithRetry(
		circuitbreaker.NewProtectedSender(sesSender, circuitbreaker.New(circuitbreaker.DefaultConfig("email"), logger), logger),
		retryCfg, logger)
	slackChannel := sender.WithRetry(
		circuitbreaker.NewProtectedSender(slackSender, circuitbreaker.New(circuitbreaker.DefaultConfig("slack"), logger), logger),
		retryCfg, logger)

	registry := sender.NewRegistry(logger,
		sender.NewInAppSender(logger),
		emailChannel,
		slackChannel,
	)

	evaluator := engine.NewEvaluator(windows, logger)
	dispatcher := engine.NewDispatcher(notifRepo, deduper, registry, logger)
	pipeline := engine.NewPipeline(ruleRepo, windows, evaluator, dispatcher, cfg.WorkerCount, logger)

	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()

	pipelineDone := make(chan struct{})
	go func() {
		pipeline.Start(engineCtx)
		close(pipelineDone)
	}()

	// When SQS is configured the API enqueues and feed workers pull;
	// otherwise events go straight into the in-process pipeline.
	var producer *sqs.Producer
	if cfg.SQSQueueURL != "" {
		sqsCfg := sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}
		producer, err = sqs.NewProducer(ctx, sqsCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs producer: %w", err)
		}

		consumer, err := sqs.NewConsumer(ctx, sqsCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs consumer: %w", err)
		}

		for i := 0; i < cfg.WorkerCount; i++ {
			go pipeline.RunFeed(engineCtx, consumer)
		}
		logger.Info("sqs event feed started", zap.Int("feed_workers", cfg.WorkerCount))
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)

			next.ServeHTTP(ww, req)

			logger.Info("request completed",
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(req.Context())),
			)
		})
	})

	var handler *api.Handler
	if producer != nil {
		handler = api.NewHandlerWithSQS(logger, notifRepo, ruleRepo, producer)
	} else {
		handler = api.NewHandler(logger, notifRepo, ruleRepo, pipeline)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.TenantKeyFunc))

		r.Post("/events", handler.SubmitEvent)

		r.Get("/notifications", handler.ListNotifications)
		r.Get("/notifications/{id}", handler.GetNotification)
		r.Post("/notifications/{id}/read", handler.MarkNotificationRead)

		r.Post("/rules", handler.CreateRule)
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Put("/rules/{id}", handler.UpdateRule)
		r.Delete("/rules/{id}", handler.DisableRule)

		r.Get("/delivery-failures", handler.ListDeliveryFailures)
	})

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := database.Health(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		// Stop the feed and let queued events drain before exit.
		engineCancel()
		select {
		case <-pipelineDone:
		case <-time.After(30 * time.Second):
			logger.Warn("pipeline drain timed out")
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
