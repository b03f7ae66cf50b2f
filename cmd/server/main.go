package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crosslogic/billing-core/internal/billing"
	"github.com/crosslogic/billing-core/internal/config"
	"github.com/crosslogic/billing-core/internal/gateway"
	"github.com/crosslogic/billing-core/internal/notifications"
	"github.com/crosslogic/billing-core/internal/store/postgres"
	"github.com/crosslogic/billing-core/pkg/cache"
	"github.com/crosslogic/billing-core/pkg/database"
	"github.com/crosslogic/billing-core/pkg/events"
	"github.com/crosslogic/billing-core/pkg/lock"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := newLogger(cfg.Monitoring.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting billing core", zap.String("mode", cfg.Billing.Mode))

	// Schema first, so a fresh database is usable before traffic arrives.
	if err := database.MigrateUp(cfg.Database.URL("pgx5")); err != nil {
		logger.Fatal("failed to apply migrations", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.NewDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	// Initialize Redis cache
	redisCache, err := cache.NewCache(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	stripe.Key = cfg.Billing.StripeSecretKey

	// Initialize event bus
	eventBus := events.NewBus(logger)

	// Initialize notification service
	notificationService, err := notifications.NewService(&cfg.Notifications, redisCache, logger, eventBus)
	if err != nil {
		logger.Fatal("failed to initialize notification service", zap.Error(err))
	}

	// Initialize billing
	service := billing.NewService(billing.Deps{
		Store:         postgres.New(db, logger),
		Cache:         redisCache,
		Locker:        lock.NewRedisLocker(redisCache.Client, cfg.Billing.RenewalLockExpiry, logger),
		Events:        eventBus,
		Subscriptions: billing.StripeSubscriptions{},
		Config:        cfg.Billing,
		Logger:        logger,
	})
	webhookHandler := billing.NewWebhookHandler(cfg.Billing.StripeWebhookSecret, service, logger)
	logger.Info("initialized billing service")

	// Start background services
	if err := notificationService.Start(ctx); err != nil {
		logger.Fatal("failed to start notification service", zap.Error(err))
	}

	var jobs *billing.Jobs
	if cfg.Jobs.Enabled {
		jobs = billing.NewJobs(service, cfg.Jobs, logger)
		if err := jobs.Start(); err != nil {
			logger.Fatal("failed to start billing jobs", zap.Error(err))
		}
		logger.Info("started billing jobs")
	}

	// Initialize API gateway
	var limiter *gateway.RateLimiter
	if cfg.Security.RateLimitPerMinute > 0 || cfg.Security.ConcurrencyLimit > 0 {
		limiter = gateway.NewRateLimiter(redisCache, cfg.Security.RateLimitPerMinute, cfg.Security.ConcurrencyLimit, logger)
	}
	metricsPath := ""
	if cfg.Monitoring.Enabled {
		metricsPath = cfg.Monitoring.MetricsPath
	}
	gw := gateway.NewGateway(gateway.Options{
		Service:     service,
		Webhooks:    webhookHandler,
		RateLimiter: limiter,
		Dependencies: map[string]gateway.HealthChecker{
			"postgres": db,
			"redis":    redisCache,
		},
		AdminToken:     cfg.Security.AdminAPIToken,
		ServiceToken:   cfg.Security.ServiceAPIToken,
		MetricsPath:    metricsPath,
		RequestTimeout: cfg.Server.WriteTimeout,
		Logger:         logger,
	})
	gw.StartHealthMetrics(ctx)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	if jobs != nil {
		jobs.Stop(shutdownCtx)
	}

	// In-flight event handlers finish before notifications stop.
	eventBus.Drain()
	if err := notificationService.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop notification service gracefully", zap.Error(err))
	}

	logger.Info("server exited")
}
