package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/thankdonors/backend/billing-service/internal/domain"
)

// CheckoutCompleted is the part of a checkout.session.completed event the service uses.
type CheckoutCompleted struct {
	SessionID         string
	Mode              string
	SubscriptionID    string
	CustomerID        string
	ClientReferenceID string
	Metadata          map[string]string
}

// SubscriptionChange is the part of a customer.subscription.* event the service uses.
type SubscriptionChange struct {
	StripeSubscriptionID string
	Status               string
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	TrialEnd             *time.Time
}

// HandleCheckoutCompleted mirrors the subscription a finished checkout created.
func (s *Service) HandleCheckoutCompleted(ctx context.Context, evt CheckoutCompleted) error {
	if evt.Mode != "subscription" {
		log.Printf("Ignoring checkout session %s in mode %q", evt.SessionID, evt.Mode)
		return nil
	}
	if evt.SubscriptionID == "" {
		return fmt.Errorf("checkout session %s has no subscription", evt.SessionID)
	}

	snapshot, err := s.payments.GetSubscription(ctx, evt.SubscriptionID)
	if err != nil {
		return err
	}

	profileID := firstNonEmpty(evt.ClientReferenceID, evt.Metadata["profile_id"], snapshot.Metadata["profile_id"])
	planID := firstNonEmpty(evt.Metadata["plan_id"], snapshot.Metadata["plan_id"])
	if profileID == "" || planID == "" {
		return fmt.Errorf("checkout session %s is missing profile or plan metadata", evt.SessionID)
	}

	start, end := snapshot.CurrentPeriodStart, snapshot.CurrentPeriodEnd
	return s.repo.UpsertSubscription(ctx, domain.SubscriptionSync{
		ProfileID:            profileID,
		PlanID:               planID,
		Status:               snapshot.Status,
		StripeCustomerID:     firstNonEmpty(evt.CustomerID, snapshot.CustomerID),
		StripeSubscriptionID: snapshot.ID,
		CurrentPeriodStart:   &start,
		CurrentPeriodEnd:     &end,
		TrialEnd:             snapshot.TrialEnd,
	})
}

// HandleSubscriptionUpdated syncs status and period, then reconciles usage
// inline when an active period is about to end.
func (s *Service) HandleSubscriptionUpdated(ctx context.Context, change SubscriptionChange) error {
	sub, err := s.repo.UpdateSubscriptionFromStripe(ctx, change.StripeSubscriptionID, change.Status, change.CurrentPeriodStart, change.CurrentPeriodEnd, change.TrialEnd)
	if err != nil {
		return fmt.Errorf("failed to update subscription %s: %w", change.StripeSubscriptionID, err)
	}

	if change.Status != domain.SubscriptionStatusActive || change.CurrentPeriodEnd == nil {
		return nil
	}
	if sub.Plan != nil && sub.Plan.IsFree {
		return nil
	}
	if change.CurrentPeriodEnd.Sub(s.now()) > s.opts.ReconcileWindow {
		return nil
	}

	detail := s.reconcileSubscription(ctx, sub)
	if detail.Outcome == OutcomeFailed {
		log.Printf("WARN: inline usage reconciliation failed for subscription %s: %s", sub.ID, detail.Error)
	} else {
		log.Printf("Inline usage reconciliation for subscription %s: %s", sub.ID, detail.Outcome)
	}
	return nil
}

// HandleSubscriptionDeleted marks the subscription canceled and changes nothing else.
func (s *Service) HandleSubscriptionDeleted(ctx context.Context, stripeSubscriptionID string) error {
	return s.repo.UpdateSubscriptionStatus(ctx, stripeSubscriptionID, domain.SubscriptionStatusCanceled)
}

// HandleInvoicePayment flips the subscription to active or past_due after an invoice payment attempt.
func (s *Service) HandleInvoicePayment(ctx context.Context, stripeSubscriptionID string, succeeded bool) error {
	if stripeSubscriptionID == "" {
		return nil
	}
	status := domain.SubscriptionStatusPastDue
	if succeeded {
		status = domain.SubscriptionStatusActive
	}
	return s.repo.UpdateSubscriptionStatus(ctx, stripeSubscriptionID, status)
}

// GetSubscription returns the profile's current subscription with its plan.
func (s *Service) GetSubscription(ctx context.Context, profileID string) (*domain.UserSubscription, error) {
	sub, err := s.repo.GetLatestSubscription(ctx, profileID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

var ErrPlanNotPurchasable = errors.New("plan has no Stripe price")

// CreateCheckout returns the URL the dashboard should redirect to for planID.
// Free plans activate immediately and return the dashboard URL.
func (s *Service) CreateCheckout(ctx context.Context, profileID, planID, cancelURL string) (string, error) {
	plan, err := s.repo.GetPlan(ctx, planID)
	if err != nil {
		return "", err
	}

	if plan.IsFree {
		if err := s.repo.ActivateFreePlan(ctx, profileID, plan.ID); err != nil {
			return "", fmt.Errorf("failed to activate free plan: %w", err)
		}
		return s.opts.AppURL + "/dashboard?plan=activated", nil
	}
	if plan.StripePriceID == nil || *plan.StripePriceID == "" {
		return "", fmt.Errorf("%w: %s", ErrPlanNotPurchasable, plan.ID)
	}

	req := domain.CheckoutRequest{
		ProfileID:  profileID,
		PlanID:     plan.ID,
		PriceID:    *plan.StripePriceID,
		SuccessURL: s.opts.AppURL + "/dashboard?checkout=success",
		CancelURL:  firstNonEmpty(cancelURL, s.opts.AppURL+"/billing?checkout=canceled"),
	}
	if customerID, err := s.repo.GetStripeCustomerID(ctx, profileID); err == nil {
		req.CustomerID = customerID
	} else if email, err := s.repo.GetProfileEmail(ctx, profileID); err == nil {
		req.CustomerEmail = email
	}

	return s.payments.CreateCheckoutSession(ctx, req)
}

// CreatePortal returns a Stripe customer portal URL for the profile.
func (s *Service) CreatePortal(ctx context.Context, profileID string) (string, error) {
	customerID, err := s.repo.GetStripeCustomerID(ctx, profileID)
	if err != nil {
		return "", err
	}
	return s.payments.CreatePortalSession(ctx, customerID, s.opts.AppURL+"/billing")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
