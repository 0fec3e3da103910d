package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thankdonors/backend/billing-service/internal/domain"
)

var fixedNow = time.Date(2024, 6, 20, 12, 0, 0, 0, time.UTC)

func billingFixture(t *testing.T) (*Service, *memRepo, *fakeGateway) {
	t.Helper()

	repo := newMemRepo()
	gw := newFakeGateway()

	plan := &domain.SubscriptionPlan{
		ID:            "plan-pro",
		Name:          "Pro",
		MonthlyFee:    decimal.RequireFromString("29.00"),
		PerMailingFee: decimal.RequireFromString("1.99"),
		StripePriceID: strPtr("price_pro"),
	}
	repo.plans[plan.ID] = plan
	repo.plans["plan-free"] = &domain.SubscriptionPlan{ID: "plan-free", Name: "Free", IsFree: true}

	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	repo.subs["sub-1"] = &domain.UserSubscription{
		ID:                   "sub-1",
		ProfileID:            "profile-1",
		PlanID:               plan.ID,
		Plan:                 plan,
		Status:               domain.SubscriptionStatusActive,
		StripeCustomerID:     strPtr("cus_1"),
		StripeSubscriptionID: strPtr("sub_stripe_1"),
		CurrentPeriodStart:   timePtr(start),
		CurrentPeriodEnd:     timePtr(end),
		UpdatedAt:            fixedNow.Add(-48 * time.Hour),
	}
	gw.snapshots["sub_stripe_1"] = &domain.SubscriptionSnapshot{
		ID:                 "sub_stripe_1",
		CustomerID:         "cus_1",
		Status:             "active",
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
	}

	repo.postcards["pc-1"] = &domain.Postcard{
		ID:        "pc-1",
		ProfileID: "profile-1",
		Status:    domain.PostcardStatusRendered,
		UpdatedAt: fixedNow.Add(-time.Hour),
	}

	svc := NewService(repo, gw, Options{ImmediateInvoicing: true, AppURL: "https://app.test"})
	svc.now = func() time.Time { return fixedNow }
	return svc, repo, gw
}

func TestBillPostcardUsage_SecondCallIsNoOp(t *testing.T) {
	svc, repo, gw := billingFixture(t)
	ctx := context.Background()

	first, err := svc.BillPostcardUsage(ctx, "pc-1")
	require.NoError(t, err)
	assert.True(t, first.Success)
	require.NotNil(t, first.Amount)
	assert.True(t, first.Amount.Equal(decimal.RequireFromString("1.99")))
	assert.NotEmpty(t, first.UsageChargeID)

	postcard, err := repo.GetPostcard(ctx, "pc-1")
	require.NoError(t, err)
	assert.True(t, postcard.UsageBilled)
	require.NotNil(t, postcard.InvoiceItemID)
	assert.True(t, postcard.BillingReported)

	second, err := svc.BillPostcardUsage(ctx, "pc-1")
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, "Postcard already billed", second.Message)

	charges := repo.chargesFor("pc-1")
	require.Len(t, charges, 1)
	assert.Equal(t, "sub-1", charges[0].SubscriptionID)
	assert.Equal(t, "plan-pro", charges[0].PlanID)
	require.NotNil(t, charges[0].BilledAt)
	require.NotNil(t, charges[0].StripeInvoiceID)
	assert.Equal(t, 1, gw.itemCalls)
	assert.Len(t, gw.invoices, 1)
}

func TestBillPostcardUsage_ImmediateInvoiceCarriesTheItem(t *testing.T) {
	svc, repo, gw := billingFixture(t)

	res, err := svc.BillPostcardUsage(context.Background(), "pc-1")
	require.NoError(t, err)
	require.True(t, res.Success)

	charge := repo.chargesFor("pc-1")[0]
	require.NotNil(t, charge.StripeInvoiceID)
	require.NotNil(t, charge.StripeInvoiceItemID)

	lines, amountDue := gw.invoiceLines(*charge.StripeInvoiceID)
	assert.Equal(t, []string{*charge.StripeInvoiceItemID}, lines)
	assert.Equal(t, int64(199), amountDue)
	assert.Equal(t, "open", gw.invoiceStatus(*charge.StripeInvoiceID))
	assert.Equal(t, "sub_stripe_1", gw.invoices[0].SubscriptionID)
}

func TestBillPostcardUsage_PendingItemIsScopedToSubscription(t *testing.T) {
	svc, repo, gw := billingFixture(t)
	svc.opts.ImmediateInvoicing = false

	res, err := svc.BillPostcardUsage(context.Background(), "pc-1")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Empty(t, gw.invoices)

	charge := repo.chargesFor("pc-1")[0]
	assert.Nil(t, charge.BilledAt)
	assert.Nil(t, charge.StripeInvoiceID)

	item := gw.items["usage-postcard-pc-1"]
	require.NotNil(t, item)
	assert.Equal(t, "sub_stripe_1", item.subscription)
	assert.Empty(t, item.invoice)
}

func TestBillPostcardUsage_ConcurrentCallsChargeOnce(t *testing.T) {
	svc, repo, gw := billingFixture(t)
	ctx := context.Background()

	const callers = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := svc.BillPostcardUsage(ctx, "pc-1")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			if res.Success {
				successes++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Empty(t, failures)
	assert.Equal(t, 1, successes)
	assert.Len(t, repo.chargesFor("pc-1"), 1)
	assert.Equal(t, 1, gw.itemCalls)
}

func TestBillPostcardUsage_NotReady(t *testing.T) {
	svc, repo, gw := billingFixture(t)
	repo.postcards["pc-1"].Status = domain.PostcardStatusPending

	res, err := svc.BillPostcardUsage(context.Background(), "pc-1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Postcard not ready for billing", res.Message)
	assert.Zero(t, gw.itemCalls)
	assert.False(t, repo.postcards["pc-1"].UsageBilled)
}

func TestBillPostcardUsage_MissingPostcardFails(t *testing.T) {
	svc, _, _ := billingFixture(t)

	_, err := svc.BillPostcardUsage(context.Background(), "nope")
	assert.Error(t, err)
}

func TestBillPostcardUsage_RequiresActiveSubscription(t *testing.T) {
	svc, repo, gw := billingFixture(t)
	repo.subs["sub-1"].Status = domain.SubscriptionStatusCanceled

	_, err := svc.BillPostcardUsage(context.Background(), "pc-1")
	assert.ErrorIs(t, err, ErrNoActiveSubscription)
	assert.False(t, repo.postcards["pc-1"].UsageBilled)
	assert.Zero(t, gw.itemCalls)
}

func TestBillPostcardUsage_ReleasesClaimWhenStripeFails(t *testing.T) {
	svc, repo, gw := billingFixture(t)
	ctx := context.Background()
	gw.itemErr = errors.New("stripe unavailable")

	_, err := svc.BillPostcardUsage(ctx, "pc-1")
	require.Error(t, err)
	assert.False(t, repo.postcards["pc-1"].UsageBilled)
	assert.Empty(t, repo.chargesFor("pc-1"))

	gw.itemErr = nil
	res, err := svc.BillPostcardUsage(ctx, "pc-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, repo.chargesFor("pc-1"), 1)
}

func TestBillPostcardUsage_FinalizeFailureLeavesDraftForReconciler(t *testing.T) {
	svc, repo, gw := billingFixture(t)
	gw.finalizeErr = errors.New("finalize failed")

	res, err := svc.BillPostcardUsage(context.Background(), "pc-1")
	require.NoError(t, err)
	assert.True(t, res.Success)

	charges := repo.chargesFor("pc-1")
	require.Len(t, charges, 1)
	assert.Nil(t, charges[0].BilledAt)
	require.NotNil(t, charges[0].StripeInvoiceItemID)
	require.NotNil(t, charges[0].StripeInvoiceID)
	assert.Equal(t, "draft", gw.invoiceStatus(*charges[0].StripeInvoiceID))

	lines, _ := gw.invoiceLines(*charges[0].StripeInvoiceID)
	assert.Equal(t, []string{*charges[0].StripeInvoiceItemID}, lines)
}

func TestBillPostcardUsage_DraftFailureReleasesClaim(t *testing.T) {
	svc, repo, gw := billingFixture(t)
	gw.invoiceErr = errors.New("invoice failed")

	_, err := svc.BillPostcardUsage(context.Background(), "pc-1")
	require.Error(t, err)
	assert.False(t, repo.postcards["pc-1"].UsageBilled)
	assert.Empty(t, repo.chargesFor("pc-1"))
	assert.Zero(t, gw.itemCalls)
}

func TestBillPostcardUsage_RecordFailureReleasesClaim(t *testing.T) {
	svc, repo, gw := billingFixture(t)
	ctx := context.Background()
	repo.recordErr = errors.New("connection reset")

	_, err := svc.BillPostcardUsage(ctx, "pc-1")
	require.Error(t, err)
	assert.False(t, repo.postcards["pc-1"].UsageBilled)

	repo.recordErr = nil
	res, err := svc.BillPostcardUsage(ctx, "pc-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	// The retry reuses the invoice and item created under the same idempotency keys.
	assert.Len(t, gw.items, 1)
	assert.Len(t, gw.invoices, 1)
}

func withoutStripeCustomer(repo *memRepo, balance string) {
	repo.subs["sub-1"].StripeCustomerID = nil
	repo.subs["sub-1"].StripeSubscriptionID = nil
	repo.balances["profile-1"] = &domain.AccountBalance{
		ProfileID:      "profile-1",
		CurrentBalance: decimal.RequireFromString(balance),
	}
}

func TestBillPostcardUsage_NoStripeCustomerDebitsBalance(t *testing.T) {
	svc, repo, gw := billingFixture(t)
	withoutStripeCustomer(repo, "50.00")

	res, err := svc.BillPostcardUsage(context.Background(), "pc-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, gw.itemCalls)
	assert.Empty(t, gw.invoices)

	charges := repo.chargesFor("pc-1")
	require.Len(t, charges, 1)
	assert.NotNil(t, charges[0].BilledAt)
	assert.Nil(t, charges[0].StripeInvoiceItemID)

	assert.True(t, repo.balances["profile-1"].CurrentBalance.Equal(decimal.RequireFromString("48.01")))
	require.Len(t, repo.ledger, 1)
	assert.Equal(t, domain.BalanceTxUsage, repo.ledger[0].Type)
	require.NotNil(t, repo.ledger[0].ReferenceID)
	assert.Equal(t, "pc-1", *repo.ledger[0].ReferenceID)
}

func TestBillPostcardUsage_BalanceRetryDebitsOnce(t *testing.T) {
	svc, repo, _ := billingFixture(t)
	withoutStripeCustomer(repo, "50.00")
	ctx := context.Background()
	repo.recordErr = errors.New("connection reset")

	_, err := svc.BillPostcardUsage(ctx, "pc-1")
	require.Error(t, err)
	assert.False(t, repo.postcards["pc-1"].UsageBilled)

	repo.recordErr = nil
	res, err := svc.BillPostcardUsage(ctx, "pc-1")
	require.NoError(t, err)
	assert.True(t, res.Success)

	assert.Len(t, repo.ledger, 1)
	assert.True(t, repo.balances["profile-1"].CurrentBalance.Equal(decimal.RequireFromString("48.01")))
}

func TestBillPostcardUsage_InsufficientBalanceReleasesClaim(t *testing.T) {
	svc, repo, _ := billingFixture(t)
	withoutStripeCustomer(repo, "1.00")

	_, err := svc.BillPostcardUsage(context.Background(), "pc-1")
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.False(t, repo.postcards["pc-1"].UsageBilled)
	assert.Empty(t, repo.chargesFor("pc-1"))
	assert.Empty(t, repo.ledger)
}

func TestBillPostcardUsage_ZeroFeeSkipsStripe(t *testing.T) {
	svc, repo, gw := billingFixture(t)
	repo.subs["sub-1"].Plan.PerMailingFee = decimal.Zero

	res, err := svc.BillPostcardUsage(context.Background(), "pc-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, gw.itemCalls)

	charges := repo.chargesFor("pc-1")
	require.Len(t, charges, 1)
	assert.NotNil(t, charges[0].BilledAt)
}

func TestSweepUnbilledPostcards(t *testing.T) {
	svc, repo, _ := billingFixture(t)
	repo.postcards["pc-2"] = &domain.Postcard{ID: "pc-2", ProfileID: "profile-1", Status: domain.PostcardStatusProcessing, UpdatedAt: fixedNow.Add(-2 * time.Hour)}
	repo.postcards["pc-3"] = &domain.Postcard{ID: "pc-3", ProfileID: "profile-1", Status: domain.PostcardStatusRendered, UpdatedAt: fixedNow.Add(-time.Minute)}
	repo.postcards["pc-4"] = &domain.Postcard{ID: "pc-4", ProfileID: "profile-1", Status: domain.PostcardStatusPending, UpdatedAt: fixedNow.Add(-2 * time.Hour)}

	res, err := svc.SweepUnbilledPostcards(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 2, res.Billed)
	assert.Zero(t, res.Errors)
	assert.Len(t, repo.chargesFor("pc-1"), 1)
	assert.Len(t, repo.chargesFor("pc-2"), 1)
	assert.Empty(t, repo.chargesFor("pc-3"))
}

func TestSweepUnbilledPostcards_BillsPostcardsMailedBeforeBilling(t *testing.T) {
	svc, repo, gw := billingFixture(t)
	ctx := context.Background()
	repo.postcards["pc-1"].Status = domain.PostcardStatusMailed

	direct, err := svc.BillPostcardUsage(ctx, "pc-1")
	require.NoError(t, err)
	assert.False(t, direct.Success)
	assert.Equal(t, "Postcard not ready for billing", direct.Message)

	repo.postcards["pc-2"] = &domain.Postcard{ID: "pc-2", ProfileID: "profile-1", Status: domain.PostcardStatusDelivered, UpdatedAt: fixedNow.Add(-2 * time.Hour)}

	res, err := svc.SweepUnbilledPostcards(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Billed)
	assert.Len(t, repo.chargesFor("pc-1"), 1)
	assert.Len(t, repo.chargesFor("pc-2"), 1)
	assert.Equal(t, 2, gw.itemCalls)
}
