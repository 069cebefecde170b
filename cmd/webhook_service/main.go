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

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/sofrahq/feedback_services/internal/platform/config"
	"github.com/sofrahq/feedback_services/internal/platform/logger"
	"github.com/sofrahq/feedback_services/internal/platform/messagebroker"
	webhookhttp "github.com/sofrahq/feedback_services/internal/webhook_service/transport/http"
)

const (
	serviceName     = "webhook_service"
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
		"port", cfg.WebhookServicePort,
		"signature_validation", cfg.WebhookSignatureValidation,
	)
	if !cfg.WebhookSignatureValidation {
		appLogger.Warn("Webhook signature validation is DISABLED; never run this way in production")
	}

	natsClient, err := messagebroker.NewNATSClient(cfg.NATSUrl, serviceName, appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	signature := webhookhttp.NewSignatureValidator(
		cfg.TwilioAuthToken,
		cfg.WebhookPublicBaseURL,
		cfg.WebhookSignatureValidation,
		appLogger,
	)
	router := webhookhttp.NewRouter(natsClient, signature, appLogger, validator.New())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WebhookServicePort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		appLogger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		appLogger.Info("Shutting down HTTP server...")
		return server.Shutdown(shutdownCtx)
	})

	appLogger.Info("Service is ready")

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
	appLogger.Info("Service shutdown complete")
}
