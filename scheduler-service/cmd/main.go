/**
 * @description
 * Entry point for the scheduler-service. `serve` runs the cron scheduler that
 * triggers usage reconciliation and the unbilled-postcard sweep on the
 * billing-service; `run <job>` executes one job immediately and exits.
 */
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/thankdonors/backend/scheduler-service/internal/app"
	"github.com/thankdonors/backend/scheduler-service/internal/config"
	"github.com/thankdonors/backend/scheduler-service/pkg/billingclient"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

var rootCmd = &cobra.Command{
	Use:   "scheduler-service",
	Short: "Runs scheduled Thank Donors billing jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cron scheduler until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var runCmd = &cobra.Command{
	Use:       "run <job>",
	Short:     "Run one job immediately",
	Args:      cobra.ExactArgs(1),
	ValidArgs: app.JobNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, cfg, err := buildJobs()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.JobTimeout)
		defer cancel()
		return jobs.RunJob(ctx, args[0])
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildJobs() (*app.Jobs, *config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	client := billingclient.NewClient(cfg.BillingServiceURL, cfg.InternalAPIKey)
	return app.NewJobs(client, logger, *cfg), cfg, nil
}

func serve(ctx context.Context) error {
	jobs, cfg, err := buildJobs()
	if err != nil {
		return err
	}

	scheduler := app.NewScheduler(jobs, logger, *cfg)
	if err := scheduler.Register(); err != nil {
		return err
	}
	scheduler.Start()
	logger.Info("scheduler started")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	logger.Info("scheduler stopped gracefully")
	return nil
}
