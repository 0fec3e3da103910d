/**
 * @description
 * Domain models for postcard usage billing and subscriptions.
 */
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Postcard statuses as written by the rendering and mailing pipeline.
const (
	PostcardStatusPending    = "pending"
	PostcardStatusProcessing = "processing"
	PostcardStatusRendered   = "rendered"
	PostcardStatusMailed     = "mailed"
	PostcardStatusInTransit  = "in_transit"
	PostcardStatusDelivered  = "delivered"
)

// Subscription statuses mirrored from Stripe.
const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusTrialing = "trialing"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusCanceled = "canceled"
)

var (
	// BillableStatuses are the postcard statuses that mean production has started.
	BillableStatuses = []string{PostcardStatusProcessing, PostcardStatusRendered}

	// SweepBillableStatuses adds the post-production statuses a postcard can
	// reach between two monitor polls without having been charged.
	SweepBillableStatuses = []string{
		PostcardStatusProcessing,
		PostcardStatusRendered,
		PostcardStatusMailed,
		PostcardStatusInTransit,
		PostcardStatusDelivered,
	}
)

// IsBillableStatus reports whether status is one at which a postcard may be charged.
func IsBillableStatus(status string) bool {
	return HasStatus(BillableStatuses, status)
}

// HasStatus reports whether status is in statuses.
func HasStatus(statuses []string, status string) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Postcard is the billing view of a postcard row.
type Postcard struct {
	ID              string
	DonationID      string
	ProfileID       string
	Status          string
	UsageBilled     bool
	BillingReported bool
	InvoiceItemID   *string
	TrackingNumber  *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SubscriptionPlan is static reference data for a billing plan.
type SubscriptionPlan struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	MonthlyFee    decimal.Decimal `json:"monthly_fee"`
	PerMailingFee decimal.Decimal `json:"per_mailing_fee"`
	StripePriceID *string         `json:"stripe_price_id,omitempty"`
	IsFree        bool            `json:"is_free"`
}

// UserSubscription mirrors a profile's Stripe subscription.
type UserSubscription struct {
	ID                   string            `json:"id"`
	ProfileID            string            `json:"profile_id"`
	PlanID               string            `json:"plan_id"`
	Status               string            `json:"status"`
	StripeCustomerID     *string           `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string           `json:"stripe_subscription_id,omitempty"`
	CurrentPeriodStart   *time.Time        `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time        `json:"current_period_end,omitempty"`
	TrialEnd             *time.Time        `json:"trial_end,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	Plan                 *SubscriptionPlan `json:"plan,omitempty"`
}

// SubscriptionSync carries the fields the Stripe webhook keeps in step.
type SubscriptionSync struct {
	ProfileID            string
	PlanID               string
	Status               string
	StripeCustomerID     string
	StripeSubscriptionID string
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	TrialEnd             *time.Time
}

// UsageCharge is one billed mailing under a subscription plan.
type UsageCharge struct {
	ID                  string          `json:"id"`
	ProfileID           string          `json:"profile_id"`
	SubscriptionID      string          `json:"subscription_id"`
	PlanID              string          `json:"plan_id"`
	PostcardID          string          `json:"postcard_id"`
	Amount              decimal.Decimal `json:"amount"`
	BillingCycleStart   time.Time       `json:"billing_cycle_start"`
	BillingCycleEnd     time.Time       `json:"billing_cycle_end"`
	StripeInvoiceItemID *string         `json:"stripe_invoice_item_id,omitempty"`
	StripeInvoiceID     *string         `json:"stripe_invoice_id,omitempty"`
	BilledAt            *time.Time      `json:"billed_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// ToCents converts a currency amount to Stripe's minor units.
func ToCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromCents converts Stripe minor units to a currency amount.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
