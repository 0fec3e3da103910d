package app

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thankdonors/backend/billing-service/internal/domain"
)

const balanceProfile = "5b0c1f7e-8a39-4a55-9a7e-1f1f0e1d2c3b"

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestHandleBalance_CheckCreatesEmptyBalance(t *testing.T) {
	svc, _, _ := billingFixture(t)

	res, err := svc.HandleBalance(context.Background(), BalanceRequest{Action: ActionCheckBalance, UserID: balanceProfile})
	require.NoError(t, err)
	assert.True(t, res.CurrentBalance.IsZero())
	assert.False(t, res.AutoTopupEnabled)
}

func TestHandleBalance_Validation(t *testing.T) {
	svc, _, _ := billingFixture(t)
	ctx := context.Background()

	_, err := svc.HandleBalance(ctx, BalanceRequest{Action: ActionCheckBalance, UserID: "not-a-uuid"})
	assert.ErrorIs(t, err, ErrInvalidUserID)

	_, err = svc.HandleBalance(ctx, BalanceRequest{Action: "withdraw", UserID: balanceProfile})
	assert.ErrorIs(t, err, ErrUnknownBalanceAction)

	_, err = svc.HandleBalance(ctx, BalanceRequest{Action: ActionDeductUsage, UserID: balanceProfile})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.HandleBalance(ctx, BalanceRequest{Action: ActionDeductUsage, UserID: balanceProfile, Amount: dec("-1")})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestDeductUsage_InsufficientWithoutAutoTopUp(t *testing.T) {
	svc, repo, _ := billingFixture(t)
	repo.balances[balanceProfile] = &domain.AccountBalance{ProfileID: balanceProfile, CurrentBalance: decimal.RequireFromString("1.00")}

	_, err := svc.HandleBalance(context.Background(), BalanceRequest{Action: ActionDeductUsage, UserID: balanceProfile, Amount: dec("1.99")})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.True(t, repo.balances[balanceProfile].CurrentBalance.Equal(decimal.RequireFromString("1.00")))
	assert.Empty(t, repo.ledger)
}

func TestDeductUsage_AutoTopUpCoversShortfall(t *testing.T) {
	svc, repo, gw := billingFixture(t)
	repo.balances[balanceProfile] = &domain.AccountBalance{
		ProfileID:              balanceProfile,
		CurrentBalance:         decimal.RequireFromString("1.00"),
		AutoTopupEnabled:       true,
		AutoTopupThreshold:     decimal.RequireFromString("5.00"),
		AutoTopupAmount:        decimal.RequireFromString("20.00"),
		StripeCustomerID:       strPtr("cus_1"),
		DefaultPaymentMethodID: strPtr("pm_1"),
	}

	res, err := svc.HandleBalance(context.Background(), BalanceRequest{Action: ActionDeductUsage, UserID: balanceProfile, Amount: dec("1.99")})
	require.NoError(t, err)
	require.NotNil(t, res.TopUp)
	assert.True(t, res.CurrentBalance.Equal(decimal.RequireFromString("19.01")))

	require.Len(t, gw.charges, 1)
	assert.Equal(t, int64(2000), gw.charges[0].AmountCents)
	assert.Equal(t, "pm_1", gw.charges[0].PaymentMethodID)

	require.Len(t, repo.ledger, 2)
	assert.Equal(t, domain.BalanceTxAutoTopUp, repo.ledger[0].Type)
	assert.Equal(t, domain.BalanceTxUsage, repo.ledger[1].Type)
	assert.True(t, repo.ledger[1].Amount.Equal(decimal.RequireFromString("-1.99")))
}

func TestDeductUsage_FailedTopUpStillRejectsOverdraft(t *testing.T) {
	svc, repo, gw := billingFixture(t)
	gw.chargeErr = errors.New("card declined")
	repo.balances[balanceProfile] = &domain.AccountBalance{
		ProfileID:              balanceProfile,
		CurrentBalance:         decimal.RequireFromString("0.50"),
		AutoTopupEnabled:       true,
		AutoTopupAmount:        decimal.RequireFromString("20.00"),
		StripeCustomerID:       strPtr("cus_1"),
		DefaultPaymentMethodID: strPtr("pm_1"),
	}

	_, err := svc.DeductUsage(context.Background(), balanceProfile, decimal.RequireFromString("1.99"), nil)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Empty(t, repo.ledger)
}

func TestDeductUsage_RepeatedReferenceAppliesOnce(t *testing.T) {
	svc, repo, gw := billingFixture(t)
	ctx := context.Background()
	repo.balances[balanceProfile] = &domain.AccountBalance{
		ProfileID:              balanceProfile,
		CurrentBalance:         decimal.RequireFromString("1.00"),
		AutoTopupEnabled:       true,
		AutoTopupThreshold:     decimal.RequireFromString("5.00"),
		AutoTopupAmount:        decimal.RequireFromString("20.00"),
		StripeCustomerID:       strPtr("cus_1"),
		DefaultPaymentMethodID: strPtr("pm_1"),
	}
	req := BalanceRequest{Action: ActionDeductUsage, UserID: balanceProfile, Amount: dec("1.99"), ReferenceID: "postcard-42"}

	first, err := svc.HandleBalance(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.AlreadyApplied)
	assert.True(t, first.CurrentBalance.Equal(decimal.RequireFromString("19.01")))

	second, err := svc.HandleBalance(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.True(t, second.AlreadyApplied)
	assert.True(t, second.CurrentBalance.Equal(decimal.RequireFromString("19.01")))
	require.NotNil(t, second.Transaction)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	// Neither the debit nor the top-up in front of it ran twice.
	assert.Len(t, gw.charges, 1)
	assert.Len(t, repo.ledger, 2)
}

func TestDeductUsage_DistinctReferencesBothApply(t *testing.T) {
	svc, repo, _ := billingFixture(t)
	ctx := context.Background()
	repo.balances[balanceProfile] = &domain.AccountBalance{ProfileID: balanceProfile, CurrentBalance: decimal.RequireFromString("10.00")}

	_, err := svc.DeductUsage(ctx, balanceProfile, decimal.RequireFromString("1.00"), strPtr("a"))
	require.NoError(t, err)
	res, err := svc.DeductUsage(ctx, balanceProfile, decimal.RequireFromString("1.00"), strPtr("b"))
	require.NoError(t, err)
	assert.False(t, res.AlreadyApplied)
	assert.True(t, res.CurrentBalance.Equal(decimal.RequireFromString("8.00")))
}

func TestApplyBalanceTransaction_RejectsReusedReference(t *testing.T) {
	_, repo, _ := billingFixture(t)
	ctx := context.Background()
	repo.balances[balanceProfile] = &domain.AccountBalance{ProfileID: balanceProfile, CurrentBalance: decimal.RequireFromString("10.00")}

	_, err := repo.ApplyBalanceTransaction(ctx, balanceProfile, domain.BalanceTxUsage, decimal.RequireFromString("-1"), "Postcard usage", strPtr("pc-9"))
	require.NoError(t, err)
	_, err = repo.ApplyBalanceTransaction(ctx, balanceProfile, domain.BalanceTxUsage, decimal.RequireFromString("-1"), "Postcard usage", strPtr("pc-9"))
	assert.ErrorIs(t, err, domain.ErrDuplicateReference)
	assert.True(t, repo.balances[balanceProfile].CurrentBalance.Equal(decimal.RequireFromString("9")))
}

func TestAutoTopUp_UsesDefaultAmount(t *testing.T) {
	svc, repo, gw := billingFixture(t)
	svc.opts.DefaultTopUpAmount = decimal.RequireFromString("25.00")
	repo.balances[balanceProfile] = &domain.AccountBalance{
		ProfileID:              balanceProfile,
		StripeCustomerID:       strPtr("cus_1"),
		DefaultPaymentMethodID: strPtr("pm_1"),
	}

	res, err := svc.HandleBalance(context.Background(), BalanceRequest{Action: ActionAutoTopUp, UserID: balanceProfile})
	require.NoError(t, err)
	assert.True(t, res.CurrentBalance.Equal(decimal.RequireFromString("25.00")))
	require.NotNil(t, res.Transaction)
	require.NotNil(t, res.Transaction.ReferenceID)
	assert.Equal(t, "pi_1", *res.Transaction.ReferenceID)
	assert.Len(t, gw.charges, 1)
}

func TestAutoTopUp_RequiresSavedPaymentMethod(t *testing.T) {
	svc, _, gw := billingFixture(t)

	_, err := svc.AutoTopUp(context.Background(), balanceProfile, decimal.RequireFromString("10.00"))
	assert.ErrorIs(t, err, ErrNoSavedPaymentMethod)
	assert.Empty(t, gw.charges)
}

func TestGetBalanceHistory_NewestFirst(t *testing.T) {
	svc, repo, _ := billingFixture(t)
	ctx := context.Background()
	repo.balances[balanceProfile] = &domain.AccountBalance{ProfileID: balanceProfile, CurrentBalance: decimal.RequireFromString("10.00")}

	_, err := svc.DeductUsage(ctx, balanceProfile, decimal.RequireFromString("1.00"), nil)
	require.NoError(t, err)
	_, err = svc.DeductUsage(ctx, balanceProfile, decimal.RequireFromString("2.00"), nil)
	require.NoError(t, err)

	history, err := svc.GetBalanceHistory(ctx, balanceProfile, 0)
	require.NoError(t, err)
	assert.True(t, history.Balance.CurrentBalance.Equal(decimal.RequireFromString("7.00")))
	require.Len(t, history.Transactions, 2)
	assert.True(t, history.Transactions[0].BalanceAfter.Equal(decimal.RequireFromString("7.00")))
	assert.True(t, history.Transactions[1].BalanceAfter.Equal(decimal.RequireFromString("9.00")))

	limited, err := svc.GetBalanceHistory(ctx, balanceProfile, 1)
	require.NoError(t, err)
	assert.Len(t, limited.Transactions, 1)
}
