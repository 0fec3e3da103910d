/**
 * @description
 * Core business logic for the billing-service: charging postcard usage,
 * reconciling unbilled usage at period end, mirroring Stripe subscription
 * state, hosted checkout and the pay-as-you-go balance ledger.
 */
package app

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/thankdonors/backend/billing-service/internal/domain"
)

// Repository defines the database operations the service needs.
type Repository interface {
	GetPostcard(ctx context.Context, postcardID string) (*domain.Postcard, error)
	ClaimPostcardForBilling(ctx context.Context, postcardID string, statuses []string) (*domain.Postcard, error)
	ReleasePostcardClaim(ctx context.Context, postcardID string) error
	ListUnbilledPostcards(ctx context.Context, olderThan time.Time, statuses []string, limit int) ([]domain.Postcard, error)

	GetActiveSubscription(ctx context.Context, profileID string) (*domain.UserSubscription, error)
	GetLatestSubscription(ctx context.Context, profileID string) (*domain.UserSubscription, error)
	GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*domain.UserSubscription, error)
	ListActivePaidSubscriptions(ctx context.Context) ([]domain.UserSubscription, error)
	UpsertSubscription(ctx context.Context, sync domain.SubscriptionSync) error
	ActivateFreePlan(ctx context.Context, profileID, planID string) error
	UpdateSubscriptionFromStripe(ctx context.Context, stripeSubscriptionID, status string, periodStart, periodEnd, trialEnd *time.Time) (*domain.UserSubscription, error)
	UpdateSubscriptionStatus(ctx context.Context, stripeSubscriptionID, status string) error
	GetPlan(ctx context.Context, planID string) (*domain.SubscriptionPlan, error)
	GetProfileEmail(ctx context.Context, profileID string) (string, error)
	GetStripeCustomerID(ctx context.Context, profileID string) (string, error)

	RecordUsageCharge(ctx context.Context, charge *domain.UsageCharge) error
	ListUnbilledUsageCharges(ctx context.Context, profileID, planID string, periodStart, periodEnd time.Time) ([]domain.UsageCharge, error)
	SetUsageChargeInvoiceItem(ctx context.Context, chargeID, invoiceItemID string) error
	MarkUsageChargesBilled(ctx context.Context, chargeIDs []string, invoiceID *string, billedAt time.Time) (int64, error)

	GetOrCreateBalance(ctx context.Context, profileID string) (*domain.AccountBalance, error)
	ApplyBalanceTransaction(ctx context.Context, profileID, txType string, amount decimal.Decimal, description string, referenceID *string) (*domain.BalanceTransaction, error)
	FindBalanceTransaction(ctx context.Context, profileID, txType, referenceID string) (*domain.BalanceTransaction, error)
	ListBalanceTransactions(ctx context.Context, profileID string, limit int) ([]domain.BalanceTransaction, error)
}

// PaymentGateway is the subset of Stripe the service drives.
type PaymentGateway interface {
	CreateInvoiceItem(ctx context.Context, req domain.InvoiceItemRequest) (string, error)
	CreateDraftInvoice(ctx context.Context, req domain.InvoiceRequest) (string, error)
	FinalizeInvoice(ctx context.Context, invoiceID, idempotencyKey string) (*domain.Invoice, error)
	CreateAndFinalizeInvoice(ctx context.Context, req domain.InvoiceRequest) (*domain.Invoice, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*domain.SubscriptionSnapshot, error)
	CreateCheckoutSession(ctx context.Context, req domain.CheckoutRequest) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	ChargeOffSession(ctx context.Context, req domain.OffSessionCharge) (string, error)
}

// Options tunes billing behaviour. Zero values fall back to the defaults below.
type Options struct {
	// ImmediateInvoicing puts each usage invoice item on its own invoice and finalizes it.
	ImmediateInvoicing bool
	// AppURL is the dashboard base used for checkout and portal redirects.
	AppURL string
	// DefaultTopUpAmount is charged by auto_topup when the request names no amount.
	DefaultTopUpAmount decimal.Decimal
	// ReconcileWindow is how close to period end the reconciler starts invoicing.
	ReconcileWindow time.Duration
	// SweepGrace is how long a billable postcard may sit unbilled before the sweep picks it up.
	SweepGrace time.Duration
	// SweepBatchSize caps postcards billed per sweep.
	SweepBatchSize int
}

const (
	defaultReconcileWindow = 24 * time.Hour
	defaultSweepGrace      = 10 * time.Minute
	defaultSweepBatchSize  = 100
)

// Service provides the business logic for billing.
type Service struct {
	repo     Repository
	payments PaymentGateway
	opts     Options
	now      func() time.Time
}

// NewService creates a new billing service.
func NewService(repo Repository, payments PaymentGateway, opts Options) *Service {
	if opts.ReconcileWindow <= 0 {
		opts.ReconcileWindow = defaultReconcileWindow
	}
	if opts.SweepGrace <= 0 {
		opts.SweepGrace = defaultSweepGrace
	}
	if opts.SweepBatchSize <= 0 {
		opts.SweepBatchSize = defaultSweepBatchSize
	}
	return &Service{
		repo:     repo,
		payments: payments,
		opts:     opts,
		now:      time.Now,
	}
}
