/**
 * @description
 * Data access layer for the billing-service. Money columns are numeric in
 * Postgres and travel as text so they round-trip through decimal.Decimal
 * without float conversion.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/thankdonors/backend/billing-service/internal/domain"
)

var (
	ErrPostcardNotFound     = errors.New("postcard not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrPlanNotFound         = errors.New("subscription plan not found")
	ErrProfileNotFound      = errors.New("profile not found")
	ErrUsageChargeExists    = errors.New("usage charge already recorded for postcard")
)

// Repository handles database operations for billing.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const postcardColumns = `id, donation_id, profile_id, status, usage_billed, billing_reported,
		       invoice_item_id, tracking_number, created_at, updated_at`

func scanPostcard(row pgx.Row) (*domain.Postcard, error) {
	var p domain.Postcard
	if err := row.Scan(
		&p.ID,
		&p.DonationID,
		&p.ProfileID,
		&p.Status,
		&p.UsageBilled,
		&p.BillingReported,
		&p.InvoiceItemID,
		&p.TrackingNumber,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPostcard retrieves a postcard by id.
func (r *Repository) GetPostcard(ctx context.Context, postcardID string) (*domain.Postcard, error) {
	query := `SELECT ` + postcardColumns + ` FROM postcards WHERE id = $1`
	p, err := scanPostcard(r.db.QueryRow(ctx, query, postcardID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPostcardNotFound
		}
		return nil, err
	}
	return p, nil
}

// ClaimPostcardForBilling flips usage_billed from false to true for a postcard
// whose status is one of statuses. It returns nil when another caller already
// holds the claim or the postcard is not billable.
func (r *Repository) ClaimPostcardForBilling(ctx context.Context, postcardID string, statuses []string) (*domain.Postcard, error) {
	query := `
		UPDATE postcards
		SET usage_billed = TRUE,
		    updated_at = NOW()
		WHERE id = $1
		  AND usage_billed = FALSE
		  AND status = ANY($2)
		RETURNING ` + postcardColumns
	p, err := scanPostcard(r.db.QueryRow(ctx, query, postcardID, statuses))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// ReleasePostcardClaim undoes a claim whose charge never reached Stripe.
func (r *Repository) ReleasePostcardClaim(ctx context.Context, postcardID string) error {
	query := `
		UPDATE postcards
		SET usage_billed = FALSE,
		    updated_at = NOW()
		WHERE id = $1
		  AND invoice_item_id IS NULL
		  AND NOT EXISTS (SELECT 1 FROM usage_charges WHERE postcard_id = postcards.id)
	`
	_, err := r.db.Exec(ctx, query, postcardID)
	return err
}

// ListUnbilledPostcards returns postcards in one of statuses that have not
// been charged and were last touched before olderThan.
func (r *Repository) ListUnbilledPostcards(ctx context.Context, olderThan time.Time, statuses []string, limit int) ([]domain.Postcard, error) {
	query := `
		SELECT ` + postcardColumns + `
		FROM postcards
		WHERE usage_billed = FALSE
		  AND status = ANY($2)
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, olderThan, statuses, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var postcards []domain.Postcard
	for rows.Next() {
		p, err := scanPostcard(rows)
		if err != nil {
			return nil, err
		}
		postcards = append(postcards, *p)
	}
	return postcards, rows.Err()
}

func parseDecimal(column, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid numeric in %s: %w", column, err)
	}
	return d, nil
}
