/**
 * @description
 * Data access layer for the intake-service.
 */
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/thankdonors/backend/intake-service/internal/domain"
)

var ErrCredentialNotFound = errors.New("webhook credential not found")

// Repository handles database operations for donation intake.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// GetWebhookCredential loads the hashed Basic-Auth secret for a profile.
func (r *Repository) GetWebhookCredential(ctx context.Context, profileID string) (*domain.WebhookCredential, error) {
	query := `
		SELECT profile_id, password_hash, salt
		FROM webhook_credentials
		WHERE profile_id = $1
	`
	var cred domain.WebhookCredential
	if err := r.db.QueryRow(ctx, query, profileID).Scan(&cred.ProfileID, &cred.PasswordHash, &cred.Salt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	return &cred, nil
}

// InsertDonation stores a donation and fills in its generated id and timestamp.
func (r *Repository) InsertDonation(ctx context.Context, d *domain.Donation) error {
	query := `
		INSERT INTO donations (
			profile_id,
			donor_first_name,
			donor_last_name,
			donor_email,
			donor_phone,
			donor_addr1,
			donor_city,
			donor_state,
			donor_zip,
			donor_country,
			employer,
			occupation,
			amount,
			donation_date,
			order_number,
			contribution_form,
			refcode,
			refcode2,
			contribution_status,
			is_recurring,
			recurring_period,
			lineitem_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::numeric, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		RETURNING id, created_at
	`
	return r.db.QueryRow(ctx, query,
		d.ProfileID,
		d.DonorFirstName,
		d.DonorLastName,
		nullIfEmpty(d.DonorEmail),
		nullIfEmpty(d.DonorPhone),
		d.DonorAddr1,
		d.DonorCity,
		d.DonorState,
		d.DonorZip,
		d.DonorCountry,
		nullIfEmpty(d.Employer),
		nullIfEmpty(d.Occupation),
		d.Amount.String(),
		d.DonationDate,
		d.OrderNumber,
		nullIfEmpty(d.ContributionForm),
		nullIfEmpty(d.Refcode),
		nullIfEmpty(d.Refcode2),
		nullIfEmpty(d.ContribStatus),
		d.IsRecurring,
		nullIfEmpty(d.RecurringPeriod),
		d.LineItemID,
	).Scan(&d.ID, &d.CreatedAt)
}

// InsertPostcard stores a pending postcard for a donation.
func (r *Repository) InsertPostcard(ctx context.Context, p *domain.Postcard) error {
	query := `
		INSERT INTO postcards (donation_id, profile_id, status, usage_billed, billing_reported)
		VALUES ($1, $2, $3, FALSE, FALSE)
		RETURNING id, created_at
	`
	return r.db.QueryRow(ctx, query, p.DonationID, p.ProfileID, p.Status).Scan(&p.ID, &p.CreatedAt)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
