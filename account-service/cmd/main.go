/**
 * @description
 * Entry point for the account-service. It provisions and removes donation
 * webhooks, deletes accounts, and emails profile owners about new donations.
 */
package main

import (
	"context"
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

	"github.com/thankdonors/backend/account-service/internal/api"
	"github.com/thankdonors/backend/account-service/internal/app"
	"github.com/thankdonors/backend/account-service/internal/config"
	"github.com/thankdonors/backend/account-service/internal/store"
	"github.com/thankdonors/backend/account-service/pkg/emailclient"
	"github.com/thankdonors/backend/account-service/pkg/hookdeckclient"
	"github.com/thankdonors/backend/account-service/pkg/supabaseclient"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pgConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	pgConfig.MaxConns = 10
	pgConfig.MaxConnLifetime = 30 * time.Minute
	pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	repository := store.NewRepository(dbpool)
	service := app.NewService(
		repository,
		hookdeckclient.NewClient(cfg.HookdeckAPIURL, cfg.HookdeckAPIKey),
		supabaseclient.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceRoleKey),
		cfg.IntakePublicURL,
	)

	if cfg.RabbitMQURL != "" && cfg.ResendAPIKey != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			logger.Warn("failed to connect to RabbitMQ, donation notifications disabled", "error", err)
		} else {
			defer consumer.Close()
			notifier := app.NewDonationNotifier(repository, emailclient.NewClient("", cfg.ResendAPIKey), cfg.NotificationFromEmail, cfg.AppURL)
			err = consumer.ConsumeWithBindings(rabbitmq.EventsExchange, cfg.NotificationQueue, map[string]rabbitmq.MessageHandler{
				events.DonationReceived: notifier.HandleDonationReceived,
			})
			if err != nil {
				logger.Error("failed to start donation notification consumer", "error", err)
				os.Exit(1)
			}
			logger.Info("donation notification consumer started", "queue", cfg.NotificationQueue)
		}
	} else {
		logger.Info("donation notifications disabled; RABBITMQ_URL or RESEND_API_KEY not set")
	}

	router := api.NewRouter(api.NewHandler(service), middleware.SupabaseAuthConfig{
		JWTSecret:        cfg.SupabaseJWTSecret,
		ExpectedAudience: cfg.SupabaseJWTAudience,
	}, []string{cfg.AppURL})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	logger.Info("server stopped")
}
