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

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sofrahq/feedback_services/internal/feedback_service/adapters/whatsapp"
	"github.com/sofrahq/feedback_services/internal/feedback_service/app"
	"github.com/sofrahq/feedback_services/internal/feedback_service/classify"
	"github.com/sofrahq/feedback_services/internal/feedback_service/conversation"
	"github.com/sofrahq/feedback_services/internal/feedback_service/delivery"
	"github.com/sofrahq/feedback_services/internal/feedback_service/domain"
	"github.com/sofrahq/feedback_services/internal/feedback_service/ratelimit"
	"github.com/sofrahq/feedback_services/internal/feedback_service/repository/postgres"
	"github.com/sofrahq/feedback_services/internal/feedback_service/retry"
	"github.com/sofrahq/feedback_services/internal/platform/config"
	"github.com/sofrahq/feedback_services/internal/platform/database"
	"github.com/sofrahq/feedback_services/internal/platform/logger"
	"github.com/sofrahq/feedback_services/internal/platform/messagebroker"
)

const (
	serviceName     = "feedback_service"
	shutdownTimeout = 10 * time.Second
)

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel).With("service", serviceName)
	appLogger.Info("Starting service...")
	appLogger.Info("Configuration loaded",
		"log_level", cfg.LogLevel,
		"nats_url", cfg.NATSUrl,
		"postgres_dsn_present", cfg.PostgresDSN != "",
		"metrics_port", cfg.FeedbackServiceMetricsPort,
		"worker_count", cfg.DeliveryWorkerCount,
		"queue_size", cfg.DeliveryQueueSize,
		"provider_mock", cfg.TwilioUseMock,
	)

	dbPool, err := database.NewDBPool(mainCtx, cfg.PostgresDSN)
	if err != nil {
		appLogger.Error("Failed to initialize database connection pool", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	appLogger.Info("Database connection pool initialized")

	natsClient, err := messagebroker.NewNATSClient(cfg.NATSUrl, serviceName, appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	customerRepo := postgres.NewPgCustomerRepository(dbPool, appLogger)
	messageRepo := postgres.NewPgMessageRepository(dbPool, appLogger)
	processedRepo := postgres.NewPgProcessedEventRepository(dbPool, appLogger)

	var provider whatsapp.Provider
	if cfg.TwilioUseMock {
		appLogger.Warn("Using the MOCK WhatsApp provider; no real messages will be sent")
		provider = whatsapp.NewMockProvider(appLogger, "twilio_mock", 0.05, 20, 200)
	} else {
		provider = whatsapp.NewTwilioProvider(
			appLogger,
			cfg.TwilioAPIBaseURL,
			cfg.TwilioAccountSID,
			cfg.TwilioAuthToken,
			cfg.TwilioFromNumber,
			&http.Client{Timeout: time.Duration(cfg.DeliverySendTimeoutSeconds) * time.Second},
		)
	}

	// Process-wide shared delivery resources: one queue, one limiter, one
	// per-customer lock registry, owned here for their whole lifecycle.
	queue := delivery.NewQueue(cfg.DeliveryQueueSize)
	locks := delivery.NewCustomerLocks()
	limiter := ratelimit.New(ratelimit.Config{
		MaxRequests:    cfg.RateLimitMaxRequests,
		Window:         time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
		DailyLimit:     cfg.RateLimitDailyLimit,
		AcquireTimeout: time.Duration(cfg.RateLimitAcquireTimeoutSeconds) * time.Second,
	})
	policy := retry.Policy{
		BaseDelay: time.Duration(cfg.DeliveryBaseDelaySeconds) * time.Second,
		MaxDelay:  time.Duration(cfg.DeliveryMaxDelaySeconds) * time.Second,
	}

	dispatcher := delivery.NewDispatcher(
		appLogger, queue, locks, limiter, policy,
		customerRepo, messageRepo, provider,
		cfg.DeliveryWorkerCount,
		time.Duration(cfg.DeliverySendTimeoutSeconds)*time.Second,
	)
	poller := delivery.NewRedeliveryPoller(appLogger, messageRepo, customerRepo, queue, delivery.RedeliveryPollerConfig{
		BatchSize:  cfg.RedeliveryBatchSize,
		StaleAfter: time.Duration(cfg.RedeliveryStaleAfterSeconds) * time.Second,
	})

	orchestrator := app.NewOrchestrator(
		appLogger,
		classify.New(nil),
		conversation.NewStateMachine(),
		conversation.NewRenderer(cfg.RestaurantName, cfg.RestaurantReviewLink),
		customerRepo, messageRepo, processedRepo,
		dbPool,
		queue, locks,
		natsClient,
		domain.ParseLanguage(cfg.DefaultLanguage),
		cfg.DeliveryMaxRetries,
	)
	statusProcessor := app.NewStatusProcessor(messageRepo, appLogger)
	consumer := app.NewEventConsumer(natsClient, orchestrator, statusProcessor, appLogger, cfg.DeliveryWorkerCount+1)

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		consumerErr := consumer.Run(groupCtx)
		if errors.Is(consumerErr, context.Canceled) {
			return nil
		}
		return consumerErr
	})

	g.Go(func() error {
		dispatcher.Run(groupCtx)
		return nil
	})

	g.Go(func() error {
		interval := time.Duration(cfg.RedeliveryIntervalSeconds) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		appLogger.Info("Redelivery poller started", "interval", interval)
		for {
			select {
			case <-ticker.C:
				if _, err := poller.PollAndRedeliver(groupCtx); err != nil {
					appLogger.Error("Redelivery poll cycle failed", "error", err)
				}
			case <-groupCtx.Done():
				appLogger.Info("Redelivery poller stopped")
				return nil
			}
		}
	})

	metricsRouter := chi.NewRouter()
	metricsRouter.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsRouter.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.FeedbackServiceMetricsPort),
		Handler:           metricsRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		appLogger.Info("Metrics server listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	appLogger.Info("Service components initialized. Service is ready.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		appLogger.Info("Received termination signal", "signal", sig.String())
	case <-groupCtx.Done():
		appLogger.Error("A critical component failed, initiating shutdown")
	}
	mainCancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Error during graceful shutdown", "error", err)
	}
	appLogger.Info("Service shutdown complete", "tasks_still_queued", queue.Len())
}
