package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/thankdonors/backend/billing-service/internal/domain"
)

const subscriptionColumns = `s.id, s.profile_id, s.plan_id, s.status, s.stripe_customer_id, s.stripe_subscription_id,
		       s.current_period_start, s.current_period_end, s.trial_end, s.created_at, s.updated_at,
		       p.id, p.name, p.monthly_fee::text, p.per_mailing_fee::text, p.stripe_price_id, p.is_free`

func scanSubscription(row pgx.Row) (*domain.UserSubscription, error) {
	var (
		sub        domain.UserSubscription
		plan       domain.SubscriptionPlan
		monthlyFee string
		perMailing string
	)
	if err := row.Scan(
		&sub.ID,
		&sub.ProfileID,
		&sub.PlanID,
		&sub.Status,
		&sub.StripeCustomerID,
		&sub.StripeSubscriptionID,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.TrialEnd,
		&sub.CreatedAt,
		&sub.UpdatedAt,
		&plan.ID,
		&plan.Name,
		&monthlyFee,
		&perMailing,
		&plan.StripePriceID,
		&plan.IsFree,
	); err != nil {
		return nil, err
	}

	var err error
	if plan.MonthlyFee, err = parseDecimal("subscription_plans.monthly_fee", monthlyFee); err != nil {
		return nil, err
	}
	if plan.PerMailingFee, err = parseDecimal("subscription_plans.per_mailing_fee", perMailing); err != nil {
		return nil, err
	}
	sub.Plan = &plan
	return &sub, nil
}

// GetActiveSubscription returns the profile's current active or trialing subscription.
func (r *Repository) GetActiveSubscription(ctx context.Context, profileID string) (*domain.UserSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM user_subscriptions s
		JOIN subscription_plans p ON p.id = s.plan_id
		WHERE s.profile_id = $1
		  AND s.status IN ('active', 'trialing')
		ORDER BY s.updated_at DESC
		LIMIT 1
	`
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, profileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// GetLatestSubscription returns the profile's most recently updated subscription in any status.
func (r *Repository) GetLatestSubscription(ctx context.Context, profileID string) (*domain.UserSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM user_subscriptions s
		JOIN subscription_plans p ON p.id = s.plan_id
		WHERE s.profile_id = $1
		ORDER BY s.updated_at DESC
		LIMIT 1
	`
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, profileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// GetSubscriptionByStripeID looks up a subscription by its Stripe id.
func (r *Repository) GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*domain.UserSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM user_subscriptions s
		JOIN subscription_plans p ON p.id = s.plan_id
		WHERE s.stripe_subscription_id = $1
	`
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, stripeSubscriptionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// ListActivePaidSubscriptions returns active subscriptions on non-free plans linked to Stripe.
func (r *Repository) ListActivePaidSubscriptions(ctx context.Context) ([]domain.UserSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM user_subscriptions s
		JOIN subscription_plans p ON p.id = s.plan_id
		WHERE s.status = 'active'
		  AND p.is_free = FALSE
		  AND s.stripe_subscription_id IS NOT NULL
		ORDER BY s.current_period_end ASC NULLS LAST
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.UserSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// UpsertSubscription stores the subscription created by a completed checkout and
// retires any other live subscription for the profile.
func (r *Repository) UpsertSubscription(ctx context.Context, sync domain.SubscriptionSync) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	retire := `
		UPDATE user_subscriptions
		SET status = 'canceled',
		    updated_at = NOW()
		WHERE profile_id = $1
		  AND status IN ('active', 'trialing', 'past_due')
		  AND stripe_subscription_id IS DISTINCT FROM $2
	`
	if _, err := tx.Exec(ctx, retire, sync.ProfileID, sync.StripeSubscriptionID); err != nil {
		return err
	}

	upsert := `
		INSERT INTO user_subscriptions (
			profile_id,
			plan_id,
			status,
			stripe_customer_id,
			stripe_subscription_id,
			current_period_start,
			current_period_end,
			trial_end
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (stripe_subscription_id) DO UPDATE
		SET plan_id = EXCLUDED.plan_id,
		    status = EXCLUDED.status,
		    stripe_customer_id = EXCLUDED.stripe_customer_id,
		    current_period_start = EXCLUDED.current_period_start,
		    current_period_end = EXCLUDED.current_period_end,
		    trial_end = EXCLUDED.trial_end,
		    updated_at = NOW()
	`
	if _, err := tx.Exec(ctx, upsert,
		sync.ProfileID,
		sync.PlanID,
		sync.Status,
		sync.StripeCustomerID,
		sync.StripeSubscriptionID,
		sync.CurrentPeriodStart,
		sync.CurrentPeriodEnd,
		sync.TrialEnd,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ActivateFreePlan gives a profile an active subscription on a plan with no Stripe subscription.
func (r *Repository) ActivateFreePlan(ctx context.Context, profileID, planID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE user_subscriptions
		SET status = 'canceled',
		    updated_at = NOW()
		WHERE profile_id = $1
		  AND status IN ('active', 'trialing', 'past_due')
	`, profileID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO user_subscriptions (profile_id, plan_id, status)
		VALUES ($1, $2, 'active')
	`, profileID, planID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// UpdateSubscriptionFromStripe syncs status and period fields by Stripe subscription id.
func (r *Repository) UpdateSubscriptionFromStripe(ctx context.Context, stripeSubscriptionID, status string, periodStart, periodEnd, trialEnd *time.Time) (*domain.UserSubscription, error) {
	query := `
		UPDATE user_subscriptions
		SET status = $2,
		    current_period_start = COALESCE($3, current_period_start),
		    current_period_end = COALESCE($4, current_period_end),
		    trial_end = $5,
		    updated_at = NOW()
		WHERE stripe_subscription_id = $1
	`
	tag, err := r.db.Exec(ctx, query, stripeSubscriptionID, status, periodStart, periodEnd, trialEnd)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrSubscriptionNotFound
	}
	return r.GetSubscriptionByStripeID(ctx, stripeSubscriptionID)
}

// UpdateSubscriptionStatus changes only the status column.
func (r *Repository) UpdateSubscriptionStatus(ctx context.Context, stripeSubscriptionID, status string) error {
	query := `
		UPDATE user_subscriptions
		SET status = $2,
		    updated_at = NOW()
		WHERE stripe_subscription_id = $1
	`
	tag, err := r.db.Exec(ctx, query, stripeSubscriptionID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// GetPlan loads a plan by id.
func (r *Repository) GetPlan(ctx context.Context, planID string) (*domain.SubscriptionPlan, error) {
	query := `
		SELECT id, name, monthly_fee::text, per_mailing_fee::text, stripe_price_id, is_free
		FROM subscription_plans
		WHERE id = $1
	`
	var (
		plan       domain.SubscriptionPlan
		monthlyFee string
		perMailing string
	)
	if err := r.db.QueryRow(ctx, query, planID).Scan(&plan.ID, &plan.Name, &monthlyFee, &perMailing, &plan.StripePriceID, &plan.IsFree); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}

	var err error
	if plan.MonthlyFee, err = parseDecimal("subscription_plans.monthly_fee", monthlyFee); err != nil {
		return nil, err
	}
	if plan.PerMailingFee, err = parseDecimal("subscription_plans.per_mailing_fee", perMailing); err != nil {
		return nil, err
	}
	return &plan, nil
}

// GetProfileEmail returns the contact email of a profile.
func (r *Repository) GetProfileEmail(ctx context.Context, profileID string) (string, error) {
	var email *string
	if err := r.db.QueryRow(ctx, `SELECT email FROM profiles WHERE id = $1`, profileID).Scan(&email); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrProfileNotFound
		}
		return "", err
	}
	if email == nil {
		return "", nil
	}
	return *email, nil
}

// GetStripeCustomerID returns the most recent Stripe customer linked to a profile.
func (r *Repository) GetStripeCustomerID(ctx context.Context, profileID string) (string, error) {
	query := `
		SELECT stripe_customer_id
		FROM user_subscriptions
		WHERE profile_id = $1
		  AND stripe_customer_id IS NOT NULL
		ORDER BY updated_at DESC
		LIMIT 1
	`
	var customerID string
	if err := r.db.QueryRow(ctx, query, profileID).Scan(&customerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrSubscriptionNotFound
		}
		return "", err
	}
	return customerID, nil
}
