package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Balance transaction types.
const (
	BalanceTxUsage     = "usage"
	BalanceTxTopUp     = "top_up"
	BalanceTxAutoTopUp = "auto_top_up"
	BalanceTxRefund    = "refund"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrZeroAmount          = errors.New("transaction amount must be non-zero")
	ErrDuplicateReference  = errors.New("balance transaction reference already applied")
)

// AccountBalance is the pay-as-you-go balance of one profile.
type AccountBalance struct {
	ProfileID              string          `json:"profile_id"`
	CurrentBalance         decimal.Decimal `json:"current_balance"`
	AutoTopupEnabled       bool            `json:"auto_topup_enabled"`
	AutoTopupThreshold     decimal.Decimal `json:"auto_topup_threshold"`
	AutoTopupAmount        decimal.Decimal `json:"auto_topup_amount"`
	StripeCustomerID       *string         `json:"-"`
	DefaultPaymentMethodID *string         `json:"-"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// BalanceTransaction is an append-only ledger row.
type BalanceTransaction struct {
	ID           string          `json:"id"`
	ProfileID    string          `json:"profile_id"`
	Type         string          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Description  string          `json:"description"`
	ReferenceID  *string         `json:"reference_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Apply adds the signed amount to the balance and returns the ledger row
// describing the mutation. Debits that would take the balance below zero are
// rejected and leave the balance untouched.
func (b *AccountBalance) Apply(txType string, amount decimal.Decimal, description string, referenceID *string) (BalanceTransaction, error) {
	if amount.IsZero() {
		return BalanceTransaction{}, ErrZeroAmount
	}

	next := b.CurrentBalance.Add(amount)
	if amount.IsNegative() && next.IsNegative() {
		return BalanceTransaction{}, ErrInsufficientBalance
	}

	b.CurrentBalance = next
	return BalanceTransaction{
		ProfileID:    b.ProfileID,
		Type:         txType,
		Amount:       amount,
		BalanceAfter: next,
		Description:  description,
		ReferenceID:  referenceID,
	}, nil
}

// NeedsTopUp reports whether auto top-up should run before debiting amount.
func (b *AccountBalance) NeedsTopUp(debit decimal.Decimal) bool {
	if !b.AutoTopupEnabled {
		return false
	}
	after := b.CurrentBalance.Sub(debit.Abs())
	return after.IsNegative() || after.LessThan(b.AutoTopupThreshold)
}
