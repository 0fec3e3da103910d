package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/thankdonors/backend/billing-service/internal/domain"
)

// RecordUsageCharge inserts the usage charge for a claimed postcard and stores the
// Stripe invoice item on the postcard in one transaction.
func (r *Repository) RecordUsageCharge(ctx context.Context, charge *domain.UsageCharge) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO usage_charges (
			profile_id,
			subscription_id,
			plan_id,
			postcard_id,
			amount,
			billing_cycle_start,
			billing_cycle_end,
			stripe_invoice_item_id,
			stripe_invoice_id,
			billed_at
		)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10)
		ON CONFLICT (postcard_id) DO NOTHING
		RETURNING id, created_at
	`
	err = tx.QueryRow(ctx, insert,
		charge.ProfileID,
		charge.SubscriptionID,
		charge.PlanID,
		charge.PostcardID,
		charge.Amount.String(),
		charge.BillingCycleStart,
		charge.BillingCycleEnd,
		charge.StripeInvoiceItemID,
		charge.StripeInvoiceID,
		charge.BilledAt,
	).Scan(&charge.ID, &charge.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUsageChargeExists
		}
		return err
	}

	update := `
		UPDATE postcards
		SET invoice_item_id = $2,
		    billing_reported = $3,
		    updated_at = NOW()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, update, charge.PostcardID, charge.StripeInvoiceItemID, charge.StripeInvoiceItemID != nil); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ListUnbilledUsageCharges returns charges for a profile and plan whose billing
// cycle began inside [periodStart, periodEnd) and that have not been invoiced.
func (r *Repository) ListUnbilledUsageCharges(ctx context.Context, profileID, planID string, periodStart, periodEnd time.Time) ([]domain.UsageCharge, error) {
	query := `
		SELECT id, profile_id, subscription_id, plan_id, postcard_id, amount::text,
		       billing_cycle_start, billing_cycle_end, stripe_invoice_item_id, stripe_invoice_id,
		       billed_at, created_at
		FROM usage_charges
		WHERE profile_id = $1
		  AND plan_id = $2
		  AND billed_at IS NULL
		  AND billing_cycle_start >= $3
		  AND billing_cycle_start < $4
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, profileID, planID, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var charges []domain.UsageCharge
	for rows.Next() {
		var (
			c      domain.UsageCharge
			amount string
		)
		if err := rows.Scan(
			&c.ID,
			&c.ProfileID,
			&c.SubscriptionID,
			&c.PlanID,
			&c.PostcardID,
			&amount,
			&c.BillingCycleStart,
			&c.BillingCycleEnd,
			&c.StripeInvoiceItemID,
			&c.StripeInvoiceID,
			&c.BilledAt,
			&c.CreatedAt,
		); err != nil {
			return nil, err
		}
		if c.Amount, err = parseDecimal("usage_charges.amount", amount); err != nil {
			return nil, err
		}
		charges = append(charges, c)
	}
	return charges, rows.Err()
}

// SetUsageChargeInvoiceItem records the Stripe invoice item created for a charge.
func (r *Repository) SetUsageChargeInvoiceItem(ctx context.Context, chargeID, invoiceItemID string) error {
	query := `
		UPDATE usage_charges
		SET stripe_invoice_item_id = $2
		WHERE id = $1
		  AND stripe_invoice_item_id IS NULL
	`
	_, err := r.db.Exec(ctx, query, chargeID, invoiceItemID)
	return err
}

// MarkUsageChargesBilled stamps billed_at and the invoice id on every listed
// charge that is still unbilled, returning how many rows changed.
func (r *Repository) MarkUsageChargesBilled(ctx context.Context, chargeIDs []string, invoiceID *string, billedAt time.Time) (int64, error) {
	if len(chargeIDs) == 0 {
		return 0, nil
	}
	query := `
		UPDATE usage_charges
		SET billed_at = $2,
		    stripe_invoice_id = $3
		WHERE id = ANY($1::uuid[])
		  AND billed_at IS NULL
	`
	tag, err := r.db.Exec(ctx, query, chargeIDs, billedAt, invoiceID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
