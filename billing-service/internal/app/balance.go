package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/thankdonors/backend/billing-service/internal/domain"
	"github.com/thankdonors/backend/billing-service/internal/metrics"
)

// Balance actions accepted by the balance endpoint.
const (
	ActionCheckBalance = "check_balance"
	ActionDeductUsage  = "deduct_usage"
	ActionAutoTopUp    = "auto_topup"
)

var (
	ErrUnknownBalanceAction = errors.New("unknown balance action")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrInvalidUserID        = errors.New("userId must be a UUID")
	ErrNoSavedPaymentMethod = errors.New("no saved payment method for auto top-up")
)

// BalanceRequest is the body of a balance management call.
type BalanceRequest struct {
	Action string           `json:"action"`
	UserID string           `json:"userId"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
	// ReferenceID makes deduct_usage idempotent: a second debit with the
	// same reference returns the first one instead of applying again.
	ReferenceID string `json:"referenceId,omitempty"`
}

// BalanceResult is the response of a balance management call.
type BalanceResult struct {
	Success          bool                       `json:"success"`
	CurrentBalance   decimal.Decimal            `json:"current_balance"`
	AutoTopupEnabled bool                       `json:"auto_topup_enabled"`
	Transaction      *domain.BalanceTransaction `json:"transaction,omitempty"`
	TopUp            *domain.BalanceTransaction `json:"top_up,omitempty"`
	AlreadyApplied   bool                       `json:"already_applied,omitempty"`
}

// HandleBalance dispatches a balance action.
func (s *Service) HandleBalance(ctx context.Context, req BalanceRequest) (*BalanceResult, error) {
	if _, err := uuid.Parse(req.UserID); err != nil {
		return nil, ErrInvalidUserID
	}
	switch req.Action {
	case ActionCheckBalance:
		return s.CheckBalance(ctx, req.UserID)
	case ActionDeductUsage:
		if req.Amount == nil {
			return nil, ErrInvalidAmount
		}
		var reference *string
		if ref := strings.TrimSpace(req.ReferenceID); ref != "" {
			reference = &ref
		}
		return s.DeductUsage(ctx, req.UserID, *req.Amount, reference)
	case ActionAutoTopUp:
		amount := s.opts.DefaultTopUpAmount
		if req.Amount != nil {
			amount = *req.Amount
		}
		return s.AutoTopUp(ctx, req.UserID, amount)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBalanceAction, req.Action)
	}
}

// CheckBalance returns the profile's balance, creating an empty one if needed.
func (s *Service) CheckBalance(ctx context.Context, profileID string) (*BalanceResult, error) {
	balance, err := s.repo.GetOrCreateBalance(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}
	return &BalanceResult{
		Success:          true,
		CurrentBalance:   balance.CurrentBalance,
		AutoTopupEnabled: balance.AutoTopupEnabled,
	}, nil
}

// BalanceHistory is the dashboard view of a balance and its most recent ledger rows.
type BalanceHistory struct {
	Balance      *domain.AccountBalance      `json:"balance"`
	Transactions []domain.BalanceTransaction `json:"transactions"`
}

const maxBalanceHistory = 100

// GetBalanceHistory returns the balance with up to limit ledger rows, newest first.
func (s *Service) GetBalanceHistory(ctx context.Context, profileID string, limit int) (*BalanceHistory, error) {
	if limit <= 0 || limit > maxBalanceHistory {
		limit = maxBalanceHistory
	}
	balance, err := s.repo.GetOrCreateBalance(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}
	txs, err := s.repo.ListBalanceTransactions(ctx, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load balance transactions: %w", err)
	}
	if txs == nil {
		txs = []domain.BalanceTransaction{}
	}
	return &BalanceHistory{Balance: balance, Transactions: txs}, nil
}

// DeductUsage debits amount from the balance. When the debit would overdraw
// or cross the auto top-up threshold, a top-up is attempted first. A debit
// whose referenceID was already applied is not applied again.
func (s *Service) DeductUsage(ctx context.Context, profileID string, amount decimal.Decimal, referenceID *string) (*BalanceResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	if referenceID != nil {
		if res, err := s.appliedDebit(ctx, profileID, *referenceID); res != nil || err != nil {
			return res, err
		}
	}

	balance, err := s.repo.GetOrCreateBalance(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}

	var topUp *domain.BalanceTransaction
	if balance.NeedsTopUp(amount) {
		topUp, err = s.topUp(ctx, balance, balance.AutoTopupAmount)
		if err != nil {
			log.Printf("WARN: auto top-up before debit failed for profile %s: %v", profileID, err)
		}
	}

	tx, err := s.repo.ApplyBalanceTransaction(ctx, profileID, domain.BalanceTxUsage, amount.Neg(), "Postcard usage", referenceID)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateReference) {
			// A concurrent call with the same reference won the row lock.
			if res, lookupErr := s.appliedDebit(ctx, profileID, *referenceID); res != nil || lookupErr != nil {
				return res, lookupErr
			}
		}
		return nil, err
	}
	metrics.BalanceTransactionsTotal.WithLabelValues(domain.BalanceTxUsage).Inc()

	return &BalanceResult{
		Success:          true,
		CurrentBalance:   tx.BalanceAfter,
		AutoTopupEnabled: balance.AutoTopupEnabled,
		Transaction:      tx,
		TopUp:            topUp,
	}, nil
}

// appliedDebit returns the result of an earlier usage debit carrying
// referenceID, or nil when there is none.
func (s *Service) appliedDebit(ctx context.Context, profileID, referenceID string) (*BalanceResult, error) {
	existing, err := s.repo.FindBalanceTransaction(ctx, profileID, domain.BalanceTxUsage, referenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up debit %s: %w", referenceID, err)
	}
	if existing == nil {
		return nil, nil
	}
	balance, err := s.repo.GetOrCreateBalance(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}
	return &BalanceResult{
		Success:          true,
		CurrentBalance:   balance.CurrentBalance,
		AutoTopupEnabled: balance.AutoTopupEnabled,
		Transaction:      existing,
		AlreadyApplied:   true,
	}, nil
}

// AutoTopUp charges the saved payment method and credits the balance.
func (s *Service) AutoTopUp(ctx context.Context, profileID string, amount decimal.Decimal) (*BalanceResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	balance, err := s.repo.GetOrCreateBalance(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}

	tx, err := s.topUp(ctx, balance, amount)
	if err != nil {
		return nil, err
	}
	return &BalanceResult{
		Success:          true,
		CurrentBalance:   tx.BalanceAfter,
		AutoTopupEnabled: balance.AutoTopupEnabled,
		Transaction:      tx,
	}, nil
}

func (s *Service) topUp(ctx context.Context, balance *domain.AccountBalance, amount decimal.Decimal) (*domain.BalanceTransaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if balance.StripeCustomerID == nil || balance.DefaultPaymentMethodID == nil {
		return nil, ErrNoSavedPaymentMethod
	}

	intentID, err := s.payments.ChargeOffSession(ctx, domain.OffSessionCharge{
		CustomerID:      *balance.StripeCustomerID,
		PaymentMethodID: *balance.DefaultPaymentMethodID,
		AmountCents:     domain.ToCents(amount),
		Description:     "Thank Donors balance top-up",
		IdempotencyKey:  "topup-" + uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("top-up charge failed: %w", err)
	}

	tx, err := s.repo.ApplyBalanceTransaction(ctx, balance.ProfileID, domain.BalanceTxAutoTopUp, amount, "Automatic top-up", &intentID)
	if err != nil {
		log.Printf("ERROR: payment intent %s succeeded but ledger credit failed for profile %s: %v", intentID, balance.ProfileID, err)
		return nil, err
	}
	metrics.BalanceTransactionsTotal.WithLabelValues(domain.BalanceTxAutoTopUp).Inc()
	return tx, nil
}
