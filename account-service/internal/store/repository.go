/**
 * @description
 * Data access layer for the account-service: profile webhook fields, stored
 * webhook credentials and the account deletion cascade.
 */
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thankdonors/backend/account-service/internal/domain"
	"github.com/thankdonors/backend/pkg/webhookauth"
)

var ErrProfileNotFound = errors.New("profile not found")

// Repository handles database operations for accounts.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// GetProfile loads a profile by id.
func (r *Repository) GetProfile(ctx context.Context, profileID string) (*domain.Profile, error) {
	query := `
		SELECT id, COALESCE(email, ''), COALESCE(full_name, ''), webhook_url, webhook_source_id, COALESCE(notify_on_donation, FALSE)
		FROM profiles
		WHERE id = $1
	`
	var p domain.Profile
	err := r.db.QueryRow(ctx, query, profileID).Scan(
		&p.ID,
		&p.Email,
		&p.FullName,
		&p.WebhookURL,
		&p.WebhookSourceID,
		&p.NotifyOnDonation,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return &p, nil
}

// HasWebhookCredential reports whether a hashed credential is stored for the profile.
func (r *Repository) HasWebhookCredential(ctx context.Context, profileID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM webhook_credentials WHERE profile_id = $1)`, profileID).Scan(&exists)
	return exists, err
}

// SetProfileWebhook stores the routing source on the profile.
func (r *Repository) SetProfileWebhook(ctx context.Context, profileID, webhookURL, sourceID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE profiles
		SET webhook_url = $2, webhook_source_id = $3, updated_at = NOW()
		WHERE id = $1
	`, profileID, webhookURL, sourceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// SaveWebhookCredential upserts the hashed Basic-Auth password for the profile.
func (r *Repository) SaveWebhookCredential(ctx context.Context, profileID string, cred webhookauth.HashedCredential) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO webhook_credentials (profile_id, password_hash, salt)
		VALUES ($1, $2, $3)
		ON CONFLICT (profile_id) DO UPDATE
		SET password_hash = EXCLUDED.password_hash, salt = EXCLUDED.salt, updated_at = NOW()
	`, profileID, cred.PasswordHash, cred.Salt)
	return err
}

// ClearProfileWebhook nulls the profile's webhook fields and removes its stored credential.
func (r *Repository) ClearProfileWebhook(ctx context.Context, profileID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE profiles
		SET webhook_url = NULL, webhook_source_id = NULL, updated_at = NOW()
		WHERE id = $1
	`, profileID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM webhook_credentials WHERE profile_id = $1`, profileID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// accountDeletionSteps lists the per-profile deletes in dependency order.
var accountDeletionSteps = []struct {
	table string
	query string
}{
	{"tracking_events", `DELETE FROM tracking_events WHERE postcard_id IN (SELECT id FROM postcards WHERE profile_id = $1)`},
	{"usage_charges", `DELETE FROM usage_charges WHERE profile_id = $1`},
	{"postcards", `DELETE FROM postcards WHERE profile_id = $1`},
	{"donations", `DELETE FROM donations WHERE profile_id = $1`},
	{"balance_transactions", `DELETE FROM balance_transactions WHERE profile_id = $1`},
	{"account_balances", `DELETE FROM account_balances WHERE profile_id = $1`},
	{"user_subscriptions", `DELETE FROM user_subscriptions WHERE profile_id = $1`},
	{"webhook_credentials", `DELETE FROM webhook_credentials WHERE profile_id = $1`},
}

// DeleteAccountData removes every row owned by the profile, then the profile, in one transaction.
func (r *Repository) DeleteAccountData(ctx context.Context, profileID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, step := range accountDeletionSteps {
		if _, err := tx.Exec(ctx, step.query, profileID); err != nil {
			return fmt.Errorf("delete %s: %w", step.table, err)
		}
	}

	tag, err := tx.Exec(ctx, `DELETE FROM profiles WHERE id = $1`, profileID)
	if err != nil {
		return fmt.Errorf("delete profiles: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProfileNotFound
	}
	return tx.Commit(ctx)
}
