package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/thankdonors/backend/billing-service/internal/domain"
	"github.com/thankdonors/backend/billing-service/internal/metrics"
	"github.com/thankdonors/backend/billing-service/internal/store"
)

var ErrNoActiveSubscription = errors.New("no active subscription for profile")

const (
	msgAlreadyBilled = "Postcard already billed"
	msgNotReady      = "Postcard not ready for billing"
)

// UsageResult is returned to usage billing callers. Success false with a
// message is a no-op outcome, not an error.
type UsageResult struct {
	Success       bool             `json:"success"`
	Message       string           `json:"message,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	UsageChargeID string           `json:"usage_charge_id,omitempty"`
}

// GetPostcard returns the billing view of a postcard.
func (s *Service) GetPostcard(ctx context.Context, postcardID string) (*domain.Postcard, error) {
	return s.repo.GetPostcard(ctx, postcardID)
}

// BillPostcardUsage charges the owning profile's plan for one mailing, at most once per postcard.
func (s *Service) BillPostcardUsage(ctx context.Context, postcardID string) (*UsageResult, error) {
	return s.billPostcard(ctx, postcardID, domain.BillableStatuses)
}

// billPostcard bills a postcard whose status is one of statuses.
func (s *Service) billPostcard(ctx context.Context, postcardID string, statuses []string) (*UsageResult, error) {
	postcard, err := s.repo.GetPostcard(ctx, postcardID)
	if err != nil {
		return nil, fmt.Errorf("failed to load postcard %s: %w", postcardID, err)
	}
	if postcard.UsageBilled {
		metrics.UsageChargesTotal.WithLabelValues("already_billed").Inc()
		return &UsageResult{Success: false, Message: msgAlreadyBilled}, nil
	}
	if !domain.HasStatus(statuses, postcard.Status) {
		metrics.UsageChargesTotal.WithLabelValues("not_ready").Inc()
		return &UsageResult{Success: false, Message: msgNotReady}, nil
	}

	sub, err := s.repo.GetActiveSubscription(ctx, postcard.ProfileID)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoActiveSubscription, postcard.ProfileID)
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub.Plan == nil {
		return nil, fmt.Errorf("subscription %s has no plan loaded", sub.ID)
	}

	claimed, err := s.repo.ClaimPostcardForBilling(ctx, postcardID, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to claim postcard %s: %w", postcardID, err)
	}
	if claimed == nil {
		// Lost the race to a concurrent caller, or the status moved on.
		metrics.UsageChargesTotal.WithLabelValues("already_billed").Inc()
		return &UsageResult{Success: false, Message: msgAlreadyBilled}, nil
	}

	charge, err := s.chargeClaimedPostcard(ctx, claimed, sub)
	if err != nil {
		metrics.UsageChargesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.UsageChargesTotal.WithLabelValues("charged").Inc()
	amount := charge.Amount
	return &UsageResult{Success: true, Amount: &amount, UsageChargeID: charge.ID}, nil
}

func (s *Service) chargeClaimedPostcard(ctx context.Context, postcard *domain.Postcard, sub *domain.UserSubscription) (*domain.UsageCharge, error) {
	cycleStart, cycleEnd, err := s.billingCycle(ctx, sub)
	if err != nil {
		s.releaseClaim(ctx, postcard.ID)
		return nil, err
	}

	charge := &domain.UsageCharge{
		ProfileID:         postcard.ProfileID,
		SubscriptionID:    sub.ID,
		PlanID:            sub.PlanID,
		PostcardID:        postcard.ID,
		Amount:            sub.Plan.PerMailingFee,
		BillingCycleStart: cycleStart,
		BillingCycleEnd:   cycleEnd,
	}

	// Nothing to collect for a zero fee; the row is recorded as already billed.
	if !charge.Amount.IsPositive() {
		billedAt := s.now().UTC()
		charge.BilledAt = &billedAt
		if err := s.repo.RecordUsageCharge(ctx, charge); err != nil {
			return nil, s.recordFailure(ctx, postcard.ID, err)
		}
		return charge, nil
	}

	if sub.StripeCustomerID == nil || *sub.StripeCustomerID == "" {
		return s.chargeFromBalance(ctx, postcard, charge)
	}

	stripeSubID := ""
	if sub.StripeSubscriptionID != nil {
		stripeSubID = *sub.StripeSubscriptionID
	}
	item := domain.InvoiceItemRequest{
		CustomerID:     *sub.StripeCustomerID,
		SubscriptionID: stripeSubID,
		AmountCents:    domain.ToCents(charge.Amount),
		Description:    fmt.Sprintf("Postcard mailing (%s plan)", sub.Plan.Name),
		IdempotencyKey: "usage-postcard-" + postcard.ID,
		Metadata: map[string]string{
			"postcard_id": postcard.ID,
			"profile_id":  postcard.ProfileID,
			"plan_id":     sub.PlanID,
		},
	}

	// The item goes straight onto its own draft so the invoice can never come
	// out empty; without immediate invoicing it stays pending on the subscription.
	invoiceKey := "usage-invoice-" + postcard.ID
	if s.opts.ImmediateInvoicing {
		draftID, err := s.payments.CreateDraftInvoice(ctx, domain.InvoiceRequest{
			CustomerID:     *sub.StripeCustomerID,
			SubscriptionID: stripeSubID,
			Description:    "Postcard mailing",
			IdempotencyKey: invoiceKey,
			Metadata:       map[string]string{"postcard_id": postcard.ID},
		})
		if err != nil {
			s.releaseClaim(ctx, postcard.ID)
			return nil, fmt.Errorf("failed to create usage invoice: %w", err)
		}
		item.InvoiceID = draftID
	}

	itemID, err := s.payments.CreateInvoiceItem(ctx, item)
	if err != nil {
		s.releaseClaim(ctx, postcard.ID)
		return nil, fmt.Errorf("failed to create invoice item: %w", err)
	}
	charge.StripeInvoiceItemID = &itemID

	if item.InvoiceID != "" {
		draftID := item.InvoiceID
		charge.StripeInvoiceID = &draftID
		invoice, err := s.payments.FinalizeInvoice(ctx, draftID, invoiceKey+"-finalize")
		if err != nil {
			log.Printf("WARN: invoice %s for postcard %s left in draft for reconciliation: %v", draftID, postcard.ID, err)
		} else {
			billedAt := s.now().UTC()
			charge.StripeInvoiceID = &invoice.ID
			charge.BilledAt = &billedAt
		}
	}

	if err := s.repo.RecordUsageCharge(ctx, charge); err != nil {
		return nil, s.recordFailure(ctx, postcard.ID, err)
	}
	return charge, nil
}

// chargeFromBalance debits the pay-as-you-go balance of a profile that has no
// Stripe customer. The postcard ID is the ledger reference, so a retry never
// debits twice.
func (s *Service) chargeFromBalance(ctx context.Context, postcard *domain.Postcard, charge *domain.UsageCharge) (*domain.UsageCharge, error) {
	reference := postcard.ID
	if _, err := s.DeductUsage(ctx, postcard.ProfileID, charge.Amount, &reference); err != nil {
		s.releaseClaim(ctx, postcard.ID)
		return nil, fmt.Errorf("failed to debit balance for postcard %s: %w", postcard.ID, err)
	}

	billedAt := s.now().UTC()
	charge.BilledAt = &billedAt
	if err := s.repo.RecordUsageCharge(ctx, charge); err != nil {
		return nil, s.recordFailure(ctx, postcard.ID, err)
	}
	return charge, nil
}

// billingCycle returns the current period of sub, asking Stripe when the
// local mirror has no period yet.
func (s *Service) billingCycle(ctx context.Context, sub *domain.UserSubscription) (time.Time, time.Time, error) {
	if sub.CurrentPeriodStart != nil && sub.CurrentPeriodEnd != nil {
		return *sub.CurrentPeriodStart, *sub.CurrentPeriodEnd, nil
	}
	if sub.StripeSubscriptionID != nil && *sub.StripeSubscriptionID != "" {
		snapshot, err := s.payments.GetSubscription(ctx, *sub.StripeSubscriptionID)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("failed to read billing period: %w", err)
		}
		return snapshot.CurrentPeriodStart, snapshot.CurrentPeriodEnd, nil
	}

	// Plans without a Stripe subscription bill by calendar month.
	now := s.now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0), nil
}

func (s *Service) releaseClaim(ctx context.Context, postcardID string) {
	if err := s.repo.ReleasePostcardClaim(ctx, postcardID); err != nil {
		log.Printf("ERROR: failed to release billing claim on postcard %s: %v", postcardID, err)
	}
}

func (s *Service) recordFailure(ctx context.Context, postcardID string, err error) error {
	if errors.Is(err, store.ErrUsageChargeExists) {
		return fmt.Errorf("postcard %s: %w", postcardID, err)
	}
	// The invoice item already exists in Stripe under an idempotency key, so a
	// retry after releasing the claim reuses it instead of charging twice.
	s.releaseClaim(ctx, postcardID)
	return fmt.Errorf("failed to record usage charge for postcard %s: %w", postcardID, err)
}

// SweepResult summarises one unbilled-postcard sweep.
type SweepResult struct {
	Scanned int      `json:"scanned"`
	Billed  int      `json:"billed"`
	Skipped int      `json:"skipped"`
	Errors  int      `json:"errors"`
	Details []string `json:"details,omitempty"`
}

// SweepUnbilledPostcards bills every postcard that has waited past the grace
// interval without a charge. Unlike the per-postcard path it also bills
// postcards that moved past rendered before anyone charged them.
func (s *Service) SweepUnbilledPostcards(ctx context.Context) (*SweepResult, error) {
	cutoff := s.now().Add(-s.opts.SweepGrace)
	postcards, err := s.repo.ListUnbilledPostcards(ctx, cutoff, domain.SweepBillableStatuses, s.opts.SweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list unbilled postcards: %w", err)
	}

	result := &SweepResult{Scanned: len(postcards)}
	for _, p := range postcards {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		res, err := s.billPostcard(ctx, p.ID, domain.SweepBillableStatuses)
		if err != nil {
			result.Errors++
			result.Details = append(result.Details, fmt.Sprintf("postcard %s: %v", p.ID, err))
			log.Printf("WARN: sweep failed to bill postcard %s: %v", p.ID, err)
			continue
		}
		if res.Success {
			result.Billed++
		} else {
			result.Skipped++
		}
	}
	return result, nil
}
