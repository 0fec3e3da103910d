/**
 * @description
 * Entry point for the billing-service. It serves the internal usage billing
 * and balance endpoints, the dashboard checkout/portal endpoints and the
 * Stripe webhook, and runs the postcard monitor worker that polls postcards
 * until they can be billed.
 */
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

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/thankdonors/backend/billing-service/internal/api"
	"github.com/thankdonors/backend/billing-service/internal/app"
	"github.com/thankdonors/backend/billing-service/internal/config"
	"github.com/thankdonors/backend/billing-service/internal/store"
	"github.com/thankdonors/backend/billing-service/pkg/stripeclient"
	"github.com/thankdonors/backend/pkg/events"
	"github.com/thankdonors/backend/pkg/middleware"
	"github.com/thankdonors/backend/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	pgConfig.MaxConns = 20
	pgConfig.MinConns = 2
	pgConfig.MaxConnLifetime = 30 * time.Minute
	pgConfig.MaxConnIdleTime = 5 * time.Minute
	pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	repository := store.NewRepository(dbpool)
	payments := stripeclient.NewClient(cfg.StripeSecretKey, cfg.StripeCurrency)
	service := app.NewService(repository, payments, app.Options{
		ImmediateInvoicing: cfg.ImmediateInvoicing,
		AppURL:             cfg.AppURL,
		DefaultTopUpAmount: cfg.TopUpAmount,
		ReconcileWindow:    cfg.ReconcileWindow,
		SweepGrace:         cfg.SweepGrace,
		SweepBatchSize:     cfg.SweepBatchSize,
	})

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{}
	if cfg.RabbitMQURL != "" {
		if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err == nil {
			publisher = producer
			defer producer.Close()
		} else {
			logger.Warn("failed to connect to RabbitMQ, postcard monitor disabled", "error", err)
		}
	}

	if _, ok := publisher.(*rabbitmq.EventProducer); ok {
		monitor := app.NewPostcardMonitor(service, publisher,
			app.FixedRetryPolicy(cfg.MonitorMaxAttempts, cfg.MonitorInterval), logger)

		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			logger.Error("failed to create RabbitMQ consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		err = consumer.ConsumeWithBindings(rabbitmq.EventsExchange, cfg.MonitorQueue, map[string]rabbitmq.MessageHandler{
			events.PostcardMonitor: monitor.HandleMessage,
		})
		if err != nil {
			logger.Error("failed to start postcard monitor consumer", "error", err)
			os.Exit(1)
		}
		logger.Info("postcard monitor consuming", "queue", cfg.MonitorQueue, "max_attempts", cfg.MonitorMaxAttempts)
	}

	router := api.NewRouter(api.NewHandler(service, cfg.StripeWebhookSecret), api.RouterConfig{
		InternalAPIKey: cfg.InternalAPIKey,
		SupabaseAuth: middleware.SupabaseAuthConfig{
			JWTSecret:        cfg.SupabaseJWTSecret,
			ExpectedAudience: cfg.SupabaseJWTAudience,
		},
		AllowedOrigins: []string{cfg.AppURL},
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("billing-service stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
