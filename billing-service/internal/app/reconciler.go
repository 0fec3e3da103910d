package app

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/thankdonors/backend/billing-service/internal/domain"
	"github.com/thankdonors/backend/billing-service/internal/metrics"
)

// ReconcileDetail reports what happened to one subscription.
type ReconcileDetail struct {
	SubscriptionID string   `json:"subscription_id"`
	ProfileID      string   `json:"profile_id"`
	Outcome        string   `json:"outcome"`
	ChargeCount    int      `json:"charge_count,omitempty"`
	Amount         string   `json:"amount,omitempty"`
	InvoiceIDs     []string `json:"invoice_ids,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Reconcile outcomes.
const (
	OutcomeNotDue     = "not_due"
	OutcomeNothingDue = "no_unbilled_usage"
	OutcomeZeroSum    = "marked_without_invoice"
	OutcomeInvoiced   = "invoiced"
	OutcomeFailed     = "error"
)

// ReconcileResult summarises one reconciliation sweep.
type ReconcileResult struct {
	Processed       int               `json:"processed"`
	Errors          int               `json:"errors"`
	Skipped         int               `json:"skipped"`
	InvoicesCreated int               `json:"invoices_created"`
	Details         []ReconcileDetail `json:"details"`
}

// ReconcileUsage invoices unbilled usage for every active paid subscription
// whose Stripe period ends within the reconcile window. A failing subscription
// is recorded and the sweep moves on.
func (s *Service) ReconcileUsage(ctx context.Context) (*ReconcileResult, error) {
	subs, err := s.repo.ListActivePaidSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	result := &ReconcileResult{Details: []ReconcileDetail{}}
	for i := range subs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		detail := s.reconcileSubscription(ctx, &subs[i])
		result.Details = append(result.Details, detail)

		switch detail.Outcome {
		case OutcomeFailed:
			result.Errors++
			metrics.ReconcileErrorsTotal.Inc()
			log.Printf("WARN: usage reconciliation failed for subscription %s: %s", detail.SubscriptionID, detail.Error)
		case OutcomeNotDue, OutcomeNothingDue:
			result.Skipped++
		case OutcomeInvoiced:
			result.Processed++
			result.InvoicesCreated += len(detail.InvoiceIDs)
			metrics.ReconcileInvoicesTotal.Add(float64(len(detail.InvoiceIDs)))
		default:
			result.Processed++
		}
	}
	return result, nil
}

// ReconcileSubscription runs the reconciler for a single Stripe subscription.
func (s *Service) ReconcileSubscription(ctx context.Context, stripeSubscriptionID string) (*ReconcileDetail, error) {
	sub, err := s.repo.GetSubscriptionByStripeID(ctx, stripeSubscriptionID)
	if err != nil {
		return nil, err
	}
	detail := s.reconcileSubscription(ctx, sub)
	return &detail, nil
}

func (s *Service) reconcileSubscription(ctx context.Context, sub *domain.UserSubscription) ReconcileDetail {
	detail := ReconcileDetail{SubscriptionID: sub.ID, ProfileID: sub.ProfileID}
	fail := func(err error) ReconcileDetail {
		detail.Outcome = OutcomeFailed
		detail.Error = err.Error()
		return detail
	}

	if sub.StripeSubscriptionID == nil || sub.StripeCustomerID == nil {
		return fail(fmt.Errorf("subscription is not linked to Stripe"))
	}

	snapshot, err := s.payments.GetSubscription(ctx, *sub.StripeSubscriptionID)
	if err != nil {
		return fail(err)
	}
	if snapshot.CurrentPeriodEnd.Sub(s.now()) > s.opts.ReconcileWindow {
		detail.Outcome = OutcomeNotDue
		return detail
	}

	charges, err := s.repo.ListUnbilledUsageCharges(ctx, sub.ProfileID, sub.PlanID, snapshot.CurrentPeriodStart, snapshot.CurrentPeriodEnd)
	if err != nil {
		return fail(fmt.Errorf("failed to list unbilled usage: %w", err))
	}
	if len(charges) == 0 {
		detail.Outcome = OutcomeNothingDue
		return detail
	}

	total := decimal.Zero
	ids := make([]string, 0, len(charges))
	for _, c := range charges {
		total = total.Add(c.Amount)
		ids = append(ids, c.ID)
	}
	detail.ChargeCount = len(charges)
	detail.Amount = total.StringFixed(2)

	if !total.IsPositive() {
		if _, err := s.repo.MarkUsageChargesBilled(ctx, ids, nil, s.now().UTC()); err != nil {
			return fail(fmt.Errorf("failed to mark usage billed: %w", err))
		}
		detail.Outcome = OutcomeZeroSum
		return detail
	}

	// Charges whose immediate invoice was left in draft are finalized on that
	// invoice; the rest become pending items of this subscription.
	drafts := map[string][]string{}
	var loose []domain.UsageCharge
	for _, c := range charges {
		if c.StripeInvoiceID != nil && *c.StripeInvoiceID != "" {
			drafts[*c.StripeInvoiceID] = append(drafts[*c.StripeInvoiceID], c.ID)
			continue
		}
		loose = append(loose, c)
	}

	draftIDs := make([]string, 0, len(drafts))
	for id := range drafts {
		draftIDs = append(draftIDs, id)
	}
	sort.Strings(draftIDs)
	for _, draftID := range draftIDs {
		invoice, err := s.payments.FinalizeInvoice(ctx, draftID, "usage-reconcile-finalize-"+draftID)
		if err != nil {
			return fail(err)
		}
		if _, err := s.repo.MarkUsageChargesBilled(ctx, drafts[draftID], &invoice.ID, s.now().UTC()); err != nil {
			return fail(fmt.Errorf("invoice %s finalized but marking usage failed: %w", invoice.ID, err))
		}
		detail.InvoiceIDs = append(detail.InvoiceIDs, invoice.ID)
	}

	if len(loose) > 0 {
		invoiceID, err := s.invoiceLooseCharges(ctx, sub, snapshot, loose)
		if err != nil {
			return fail(err)
		}
		if invoiceID != "" {
			detail.InvoiceIDs = append(detail.InvoiceIDs, invoiceID)
		}
	}

	detail.Outcome = OutcomeInvoiced
	return detail
}

// invoiceLooseCharges creates the missing pending items for charges, invoices
// them on the subscription and marks them billed. It returns "" when none of
// the charges had anything to collect.
func (s *Service) invoiceLooseCharges(ctx context.Context, sub *domain.UserSubscription, snapshot *domain.SubscriptionSnapshot, charges []domain.UsageCharge) (string, error) {
	ids := make([]string, 0, len(charges))
	total := decimal.Zero
	for _, c := range charges {
		ids = append(ids, c.ID)
		total = total.Add(c.Amount)
	}
	if !total.IsPositive() {
		if _, err := s.repo.MarkUsageChargesBilled(ctx, ids, nil, s.now().UTC()); err != nil {
			return "", fmt.Errorf("failed to mark usage billed: %w", err)
		}
		return "", nil
	}

	for _, c := range charges {
		if c.StripeInvoiceItemID != nil || !c.Amount.IsPositive() {
			continue
		}
		itemID, err := s.payments.CreateInvoiceItem(ctx, domain.InvoiceItemRequest{
			CustomerID:     *sub.StripeCustomerID,
			SubscriptionID: *sub.StripeSubscriptionID,
			AmountCents:    domain.ToCents(c.Amount),
			Description:    "Postcard mailing",
			IdempotencyKey: "usage-postcard-" + c.PostcardID,
			Metadata:       map[string]string{"postcard_id": c.PostcardID, "usage_charge_id": c.ID},
		})
		if err != nil {
			return "", fmt.Errorf("failed to create invoice item for charge %s: %w", c.ID, err)
		}
		if err := s.repo.SetUsageChargeInvoiceItem(ctx, c.ID, itemID); err != nil {
			return "", fmt.Errorf("failed to store invoice item for charge %s: %w", c.ID, err)
		}
	}

	periodKey := snapshot.CurrentPeriodStart.UTC().Format("20060102")
	invoice, err := s.payments.CreateAndFinalizeInvoice(ctx, domain.InvoiceRequest{
		CustomerID:     *sub.StripeCustomerID,
		SubscriptionID: *sub.StripeSubscriptionID,
		Description:    fmt.Sprintf("Postcard usage for period starting %s", snapshot.CurrentPeriodStart.Format(time.DateOnly)),
		IdempotencyKey: fmt.Sprintf("usage-reconcile-%s-%s-%s-%d", sub.ID, periodKey, ids[0], len(ids)),
		Metadata:       map[string]string{"subscription_id": sub.ID, "charge_count": fmt.Sprint(len(charges))},
	})
	if err != nil {
		return "", err
	}

	if _, err := s.repo.MarkUsageChargesBilled(ctx, ids, &invoice.ID, s.now().UTC()); err != nil {
		return "", fmt.Errorf("invoice %s created but marking usage failed: %w", invoice.ID, err)
	}
	return invoice.ID, nil
}
