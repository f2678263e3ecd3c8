package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/pixbill/internal/api"
	"github.com/lalithlochan/pixbill/internal/circuitbreaker"
	"github.com/lalithlochan/pixbill/internal/config"
	"github.com/lalithlochan/pixbill/internal/db"
	"github.com/lalithlochan/pixbill/internal/dispatch"
	"github.com/lalithlochan/pixbill/internal/gateway"
	"github.com/lalithlochan/pixbill/internal/metrics"
	"github.com/lalithlochan/pixbill/internal/notify"
	"github.com/lalithlochan/pixbill/internal/observ"
	"github.com/lalithlochan/pixbill/internal/reconcile"
	"github.com/lalithlochan/pixbill/internal/redis"
	"github.com/lalithlochan/pixbill/internal/scheduler"
	"github.com/lalithlochan/pixbill/internal/tracker"
	"github.com/lalithlochan/pixbill/internal/worker"
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

	logger.Info("starting pixbill",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("timezone", cfg.Timezone),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
		Host:            cfg.DBHost,
		Port:            cfg.DBPort,
		User:            cfg.DBUser,
		Password:        cfg.DBPassword,
		Database:        cfg.DBName,
		SSLMode:         cfg.DBSSLMode,
		ApplicationName: "pixbill",
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs the run guard and the send limiter. Without it the
	// service still runs on per-account claims and local pacing.
	var (
		guard   scheduler.RunGuard
		limiter dispatch.Limiter
		webhook api.Limiter
		checks  = map[string]api.HealthCheck{"database": database.Health}
	)
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, run guard and send limits disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		defer func() { _ = redisClient.Close() }()
		guard = redis.NewIdempotencyService(redisClient, logger, 2*time.Hour)
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Prefix: "send",
			Limit:  cfg.TenantSendLimit,
			Window: time.Minute,
		})
		webhook = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Prefix: "webhook",
			Limit:  600,
			Window: time.Minute,
		})
		checks["redis"] = redisClient.Ping
	}

	reports, alerts := sinks(ctx, cfg, logger)

	payments := gateway.NewPaymentClient(gateway.PaymentConfig{
		BaseURL: cfg.PaymentAPIURL,
		Timeout: cfg.GatewayTimeout,
	}, logger)

	breakerCfg := circuitbreaker.DefaultConfig("messaging")
	breakerCfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		metrics.SetBreakerState(name, int(to))
	}
	messenger := circuitbreaker.NewProtectedMessenger(
		gateway.NewMessagingClient(gateway.MessagingConfig{
			BaseURL:     cfg.MessagingAPIURL,
			APIKey:      cfg.MessagingAPIKey,
			CountryCode: cfg.DefaultCountryCode,
			Timeout:     cfg.GatewayTimeout,
		}, logger),
		breakerCfg,
		logger,
	)

	dispatcher := dispatch.New(repo, messenger, payments, dispatch.NewPacer(limiter, logger), dispatch.Config{
		Delay:           cfg.MessageDelay,
		NotificationURL: cfg.PaymentNotificationURL,
		ChargeExpiry:    cfg.ChargeExpiry,
		ChargeFallback:  cfg.ChargeFallback,
	}, logger)

	sched := scheduler.New(repo, dispatcher, messenger, guard, reports, alerts, scheduler.Config{
		Location:          cfg.Location(),
		TenantConcurrency: cfg.TenantConcurrency,
	}, logger)

	reconciler := reconcile.New(repo, payments, reconcile.Config{
		PlatformToken:        cfg.PaymentAccessToken,
		PlatformInstance:     cfg.PlatformInstance,
		SubscriptionTermDays: cfg.SubscriptionTermDays,
		Location:             cfg.Location(),
	}, logger)

	statuses := tracker.New(repo, alerts, logger)

	w := worker.New(repo, dispatcher, alerts, worker.Config{
		PollInterval: cfg.WorkerPollInterval,
	}, logger)
	go w.Start(ctx)

	crons := scheduler.NewCron(cfg.Location(), logger)
	err = crons.Add(scheduler.Job{
		Name: scheduler.JobName,
		Spec: cfg.CronDaily,
		Run: func(ctx context.Context) error {
			_, err := sched.RunDaily(ctx, scheduler.Options{})
			return err
		},
	})
	if err != nil {
		return fmt.Errorf("failed to schedule daily run: %w", err)
	}
	err = crons.Add(scheduler.Job{
		Name:    "reconcile",
		Spec:    cfg.CronReconcile,
		Timeout: 4 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := reconciler.Sweep(ctx)
			return err
		},
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reconciliation: %w", err)
	}
	crons.Start()

	handler := api.NewHandler(ctx, logger, api.Dependencies{
		Reconciler:  reconciler,
		Tracker:     statuses,
		Scheduler:   sched,
		Sessions:    messenger,
		Tenants:     repo,
		DeadLetters: repo,
		Alerts:      alerts,
		Breakers:    messenger,
		Checks:      checks,
	}, api.Config{
		JobToken:           cfg.JobToken,
		WebhookURL:         cfg.MessagingWebhookURL,
		TrialDays:          cfg.TrialDays,
		SubscriptionPlanID: cfg.SubscriptionPlanID,
		Location:           cfg.Location(),
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(api.RequestLogger(logger))

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(webhook, "webhook", logger, api.IPKeyFunc))
		r.Post("/payments", handler.PaymentWebhook)
		r.Post("/messaging", handler.MessagingWebhook)
		r.Post("/messaging/{event}", handler.MessagingWebhook)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.JobTokenMiddleware(cfg.JobToken))

		r.Post("/jobs/daily-run", handler.DailyRun)
		r.Post("/jobs/reconcile", handler.Reconcile)
		r.Post("/tenants/{id}/session", handler.ProvisionSession)

		// Dead Letter Queue routes
		r.Get("/dlq", handler.ListDeadLetterQueue)
		r.Get("/dlq/{id}", handler.GetDeadLetterItem)
		r.Post("/dlq/{id}/retry", handler.RetryDeadLetterItem)
		r.Post("/dlq/{id}/discard", handler.DiscardDeadLetterItem)
	})

	r.Get("/health", handler.Health)
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	crons.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}

// sinks picks the report and alert destinations. Unconfigured AWS targets
// fall back to the log.
func sinks(ctx context.Context, cfg *config.Config, logger *zap.Logger) (notify.ReportSink, notify.AlertSink) {
	logSink := notify.NewLogSink(logger)

	var reports notify.ReportSink = logSink
	if cfg.ReportEmail != "" {
		ses, err := notify.NewSESReporter(ctx, notify.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
			ToEmail:   cfg.ReportEmail,
		}, logger)
		if err != nil {
			logger.Warn("SES reporter unavailable, run reports will be logged", zap.Error(err))
		} else {
			reports = ses
		}
	}

	alerts := []notify.AlertSink{logSink}
	if cfg.SNSAlertTopicARN != "" {
		sns, err := notify.NewSNSAlerter(ctx, cfg.AWSRegion, cfg.SNSAlertTopicARN, logger)
		if err != nil {
			logger.Warn("SNS alerter unavailable, alerts will only be logged", zap.Error(err))
		} else {
			alerts = append(alerts, sns)
		}
	}
	return reports, notify.NewMultiAlerter(alerts...)
}
