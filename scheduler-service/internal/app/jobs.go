/**
 * @description
 * Scheduled job implementations for the scheduler-service. Each job calls a
 * billing-service internal endpoint and logs the outcome.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/thankdonors/backend/scheduler-service/internal/config"
	"github.com/thankdonors/backend/scheduler-service/pkg/billingclient"
)

// Job names accepted by RunJob.
const (
	JobReconcileUsage = "reconcile-usage"
	JobSweepPostcards = "sweep-postcards"
)

// BillingClient defines the billing-service operations the jobs trigger.
type BillingClient interface {
	ReconcileUsage(ctx context.Context) (*billingclient.ReconcileSummary, error)
	SweepUnbilledPostcards(ctx context.Context) (*billingclient.SweepSummary, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	billing BillingClient
	logger  *slog.Logger
	config  config.Config
}

// NewJobs creates a new Jobs runner.
func NewJobs(billing BillingClient, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		billing: billing,
		logger:  logger,
		config:  cfg,
	}
}

// JobNames lists the jobs that can be run by name.
func JobNames() []string {
	names := []string{JobReconcileUsage, JobSweepPostcards}
	sort.Strings(names)
	return names
}

// RunJob runs one job by name and returns its error.
func (j *Jobs) RunJob(ctx context.Context, name string) error {
	switch name {
	case JobReconcileUsage:
		return j.reconcileUsage(ctx)
	case JobSweepPostcards:
		return j.sweepPostcards(ctx)
	default:
		return fmt.Errorf("unknown job %q (available: %v)", name, JobNames())
	}
}

// ReconcileUsage is the cron entry for the usage reconciler.
func (j *Jobs) ReconcileUsage() {
	ctx, cancel := j.jobContext()
	defer cancel()
	_ = j.reconcileUsage(ctx)
}

// SweepUnbilledPostcards is the cron entry for the unbilled-postcard sweep.
func (j *Jobs) SweepUnbilledPostcards() {
	ctx, cancel := j.jobContext()
	defer cancel()
	_ = j.sweepPostcards(ctx)
}

func (j *Jobs) reconcileUsage(ctx context.Context) error {
	j.logger.Info("starting usage reconcile job")

	summary, err := j.billing.ReconcileUsage(ctx)
	if err != nil {
		j.logger.Error("failed to reconcile usage", "error", err)
		return err
	}

	j.logger.Info("usage reconcile job finished",
		"processed", summary.Processed,
		"invoices_created", summary.InvoicesCreated,
		"skipped", summary.Skipped,
		"errors", summary.Errors,
	)
	if summary.Errors > 0 {
		j.logger.Warn("usage reconcile reported subscription failures", "errors", summary.Errors)
	}
	return nil
}

func (j *Jobs) sweepPostcards(ctx context.Context) error {
	j.logger.Info("starting unbilled postcard sweep job")

	summary, err := j.billing.SweepUnbilledPostcards(ctx)
	if err != nil {
		j.logger.Error("failed to sweep unbilled postcards", "error", err)
		return err
	}

	if summary.Scanned == 0 {
		j.logger.Info("no unbilled postcards to process")
		return nil
	}
	j.logger.Info("unbilled postcard sweep job finished",
		"scanned", summary.Scanned,
		"billed", summary.Billed,
		"skipped", summary.Skipped,
		"errors", summary.Errors,
	)
	return nil
}

func (j *Jobs) jobContext() (context.Context, context.CancelFunc) {
	timeout := j.config.JobTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return context.WithTimeout(context.Background(), timeout)
}
