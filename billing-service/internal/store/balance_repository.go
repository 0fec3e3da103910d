package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/thankdonors/backend/billing-service/internal/domain"
)

const balanceColumns = `profile_id, current_balance::text, auto_topup_enabled, auto_topup_threshold::text,
		       auto_topup_amount::text, stripe_customer_id, default_payment_method_id, updated_at`

func scanBalance(row pgx.Row) (*domain.AccountBalance, error) {
	var (
		b         domain.AccountBalance
		current   string
		threshold string
		topup     string
	)
	if err := row.Scan(
		&b.ProfileID,
		&current,
		&b.AutoTopupEnabled,
		&threshold,
		&topup,
		&b.StripeCustomerID,
		&b.DefaultPaymentMethodID,
		&b.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if b.CurrentBalance, err = parseDecimal("account_balances.current_balance", current); err != nil {
		return nil, err
	}
	if b.AutoTopupThreshold, err = parseDecimal("account_balances.auto_topup_threshold", threshold); err != nil {
		return nil, err
	}
	if b.AutoTopupAmount, err = parseDecimal("account_balances.auto_topup_amount", topup); err != nil {
		return nil, err
	}
	return &b, nil
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func ensureBalanceRow(ctx context.Context, q execer, profileID string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO account_balances (profile_id, current_balance)
		VALUES ($1, 0)
		ON CONFLICT (profile_id) DO NOTHING
	`, profileID)
	return err
}

// GetOrCreateBalance returns the profile's balance, creating a zero balance when absent.
func (r *Repository) GetOrCreateBalance(ctx context.Context, profileID string) (*domain.AccountBalance, error) {
	if err := ensureBalanceRow(ctx, r.db, profileID); err != nil {
		return nil, err
	}
	return scanBalance(r.db.QueryRow(ctx, `SELECT `+balanceColumns+` FROM account_balances WHERE profile_id = $1`, profileID))
}

// ApplyBalanceTransaction locks the balance row, applies a signed amount and
// appends the matching ledger row, all in one transaction.
func (r *Repository) ApplyBalanceTransaction(ctx context.Context, profileID, txType string, amount decimal.Decimal, description string, referenceID *string) (*domain.BalanceTransaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := ensureBalanceRow(ctx, tx, profileID); err != nil {
		return nil, err
	}

	balance, err := scanBalance(tx.QueryRow(ctx, `SELECT `+balanceColumns+` FROM account_balances WHERE profile_id = $1 FOR UPDATE`, profileID))
	if err != nil {
		return nil, err
	}

	if referenceID != nil {
		var applied bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM balance_transactions
				WHERE profile_id = $1 AND type = $2 AND reference_id = $3
			)
		`, profileID, txType, *referenceID).Scan(&applied); err != nil {
			return nil, err
		}
		if applied {
			return nil, domain.ErrDuplicateReference
		}
	}

	entry, err := balance.Apply(txType, amount, description, referenceID)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE account_balances
		SET current_balance = $2::numeric,
		    updated_at = NOW()
		WHERE profile_id = $1
	`, profileID, entry.BalanceAfter.String()); err != nil {
		return nil, err
	}

	insert := `
		INSERT INTO balance_transactions (profile_id, type, amount, balance_after, description, reference_id)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6)
		RETURNING id, created_at
	`
	if err := tx.QueryRow(ctx, insert,
		profileID,
		entry.Type,
		entry.Amount.String(),
		entry.BalanceAfter.String(),
		entry.Description,
		entry.ReferenceID,
	).Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &entry, nil
}

const balanceTransactionColumns = `id, profile_id, type, amount::text, balance_after::text, COALESCE(description, ''), reference_id, created_at`

func scanBalanceTransaction(row pgx.Row) (*domain.BalanceTransaction, error) {
	var (
		e      domain.BalanceTransaction
		amount string
		after  string
	)
	if err := row.Scan(&e.ID, &e.ProfileID, &e.Type, &amount, &after, &e.Description, &e.ReferenceID, &e.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if e.Amount, err = parseDecimal("balance_transactions.amount", amount); err != nil {
		return nil, err
	}
	if e.BalanceAfter, err = parseDecimal("balance_transactions.balance_after", after); err != nil {
		return nil, err
	}
	return &e, nil
}

// FindBalanceTransaction returns the ledger row of txType carrying
// referenceID, or nil when there is none.
func (r *Repository) FindBalanceTransaction(ctx context.Context, profileID, txType, referenceID string) (*domain.BalanceTransaction, error) {
	query := `
		SELECT ` + balanceTransactionColumns + `
		FROM balance_transactions
		WHERE profile_id = $1 AND type = $2 AND reference_id = $3
		ORDER BY created_at ASC
		LIMIT 1
	`
	e, err := scanBalanceTransaction(r.db.QueryRow(ctx, query, profileID, txType, referenceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

// ListBalanceTransactions returns the newest ledger rows for a profile.
func (r *Repository) ListBalanceTransactions(ctx context.Context, profileID string, limit int) ([]domain.BalanceTransaction, error) {
	query := `
		SELECT ` + balanceTransactionColumns + `
		FROM balance_transactions
		WHERE profile_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, profileID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.BalanceTransaction
	for rows.Next() {
		e, err := scanBalanceTransaction(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}
