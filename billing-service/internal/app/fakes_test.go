package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/thankdonors/backend/billing-service/internal/domain"
	"github.com/thankdonors/backend/billing-service/internal/store"
)

// memRepo is an in-memory Repository with the same conditional-update
// semantics as the Postgres store.
type memRepo struct {
	mu        sync.Mutex
	seq       int
	postcards map[string]*domain.Postcard
	subs      map[string]*domain.UserSubscription
	plans     map[string]*domain.SubscriptionPlan
	charges   []*domain.UsageCharge
	balances  map[string]*domain.AccountBalance
	ledger    []domain.BalanceTransaction
	emails    map[string]string

	recordErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		postcards: map[string]*domain.Postcard{},
		subs:      map[string]*domain.UserSubscription{},
		plans:     map[string]*domain.SubscriptionPlan{},
		balances:  map[string]*domain.AccountBalance{},
		emails:    map[string]string{},
	}
}

func (r *memRepo) nextID(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

func (r *memRepo) GetPostcard(_ context.Context, id string) (*domain.Postcard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.postcards[id]
	if !ok {
		return nil, store.ErrPostcardNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) ClaimPostcardForBilling(_ context.Context, id string, statuses []string) (*domain.Postcard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.postcards[id]
	if !ok || p.UsageBilled || !domain.HasStatus(statuses, p.Status) {
		return nil, nil
	}
	p.UsageBilled = true
	cp := *p
	return &cp, nil
}

func (r *memRepo) ReleasePostcardClaim(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.postcards[id]
	if !ok || p.InvoiceItemID != nil {
		return nil
	}
	for _, c := range r.charges {
		if c.PostcardID == id {
			return nil
		}
	}
	p.UsageBilled = false
	return nil
}

func (r *memRepo) ListUnbilledPostcards(_ context.Context, olderThan time.Time, statuses []string, limit int) ([]domain.Postcard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Postcard
	for _, p := range r.postcards {
		if !p.UsageBilled && domain.HasStatus(statuses, p.Status) && p.UpdatedAt.Before(olderThan) {
			out = append(out, *p)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memRepo) GetActiveSubscription(_ context.Context, profileID string) (*domain.UserSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.ProfileID == profileID && (s.Status == domain.SubscriptionStatusActive || s.Status == domain.SubscriptionStatusTrialing) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, store.ErrSubscriptionNotFound
}

func (r *memRepo) GetLatestSubscription(_ context.Context, profileID string) (*domain.UserSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *domain.UserSubscription
	for _, s := range r.subs {
		if s.ProfileID == profileID && (latest == nil || s.UpdatedAt.After(latest.UpdatedAt)) {
			latest = s
		}
	}
	if latest == nil {
		return nil, store.ErrSubscriptionNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *memRepo) subByStripeID(stripeID string) *domain.UserSubscription {
	for _, s := range r.subs {
		if s.StripeSubscriptionID != nil && *s.StripeSubscriptionID == stripeID {
			return s
		}
	}
	return nil
}

func (r *memRepo) GetSubscriptionByStripeID(_ context.Context, stripeID string) (*domain.UserSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.subByStripeID(stripeID)
	if s == nil {
		return nil, store.ErrSubscriptionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memRepo) ListActivePaidSubscriptions(_ context.Context) ([]domain.UserSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.UserSubscription
	for _, s := range r.subs {
		if s.Status == domain.SubscriptionStatusActive && s.Plan != nil && !s.Plan.IsFree && s.StripeSubscriptionID != nil {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *memRepo) UpsertSubscription(_ context.Context, sync domain.SubscriptionSync) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.ProfileID == sync.ProfileID && (s.StripeSubscriptionID == nil || *s.StripeSubscriptionID != sync.StripeSubscriptionID) {
			s.Status = domain.SubscriptionStatusCanceled
		}
	}
	s := r.subByStripeID(sync.StripeSubscriptionID)
	if s == nil {
		s = &domain.UserSubscription{ID: r.nextID("sub")}
		r.subs[s.ID] = s
	}
	customer, stripeSub := sync.StripeCustomerID, sync.StripeSubscriptionID
	s.ProfileID = sync.ProfileID
	s.PlanID = sync.PlanID
	s.Plan = r.plans[sync.PlanID]
	s.Status = sync.Status
	s.StripeCustomerID = &customer
	s.StripeSubscriptionID = &stripeSub
	s.CurrentPeriodStart = sync.CurrentPeriodStart
	s.CurrentPeriodEnd = sync.CurrentPeriodEnd
	s.TrialEnd = sync.TrialEnd
	s.UpdatedAt = time.Now()
	return nil
}

func (r *memRepo) ActivateFreePlan(_ context.Context, profileID, planID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.ProfileID == profileID {
			s.Status = domain.SubscriptionStatusCanceled
		}
	}
	id := r.nextID("sub")
	r.subs[id] = &domain.UserSubscription{ID: id, ProfileID: profileID, PlanID: planID, Plan: r.plans[planID], Status: domain.SubscriptionStatusActive, UpdatedAt: time.Now()}
	return nil
}

func (r *memRepo) UpdateSubscriptionFromStripe(_ context.Context, stripeID, status string, start, end, trial *time.Time) (*domain.UserSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.subByStripeID(stripeID)
	if s == nil {
		return nil, store.ErrSubscriptionNotFound
	}
	s.Status = status
	if start != nil {
		s.CurrentPeriodStart = start
	}
	if end != nil {
		s.CurrentPeriodEnd = end
	}
	s.TrialEnd = trial
	cp := *s
	return &cp, nil
}

func (r *memRepo) UpdateSubscriptionStatus(_ context.Context, stripeID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.subByStripeID(stripeID)
	if s == nil {
		return store.ErrSubscriptionNotFound
	}
	s.Status = status
	return nil
}

func (r *memRepo) GetPlan(_ context.Context, planID string) (*domain.SubscriptionPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[planID]
	if !ok {
		return nil, store.ErrPlanNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) GetProfileEmail(_ context.Context, profileID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	email, ok := r.emails[profileID]
	if !ok {
		return "", store.ErrProfileNotFound
	}
	return email, nil
}

func (r *memRepo) GetStripeCustomerID(_ context.Context, profileID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.ProfileID == profileID && s.StripeCustomerID != nil {
			return *s.StripeCustomerID, nil
		}
	}
	return "", store.ErrSubscriptionNotFound
}

func (r *memRepo) RecordUsageCharge(_ context.Context, charge *domain.UsageCharge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recordErr != nil {
		return r.recordErr
	}
	for _, c := range r.charges {
		if c.PostcardID == charge.PostcardID {
			return store.ErrUsageChargeExists
		}
	}
	charge.ID = r.nextID("charge")
	charge.CreatedAt = time.Now()
	cp := *charge
	r.charges = append(r.charges, &cp)
	if p, ok := r.postcards[charge.PostcardID]; ok {
		p.InvoiceItemID = charge.StripeInvoiceItemID
		p.BillingReported = charge.StripeInvoiceItemID != nil
	}
	return nil
}

func (r *memRepo) ListUnbilledUsageCharges(_ context.Context, profileID, planID string, start, end time.Time) ([]domain.UsageCharge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.UsageCharge
	for _, c := range r.charges {
		if c.ProfileID == profileID && c.PlanID == planID && c.BilledAt == nil &&
			!c.BillingCycleStart.Before(start) && c.BillingCycleStart.Before(end) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *memRepo) SetUsageChargeInvoiceItem(_ context.Context, chargeID, itemID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.charges {
		if c.ID == chargeID && c.StripeInvoiceItemID == nil {
			id := itemID
			c.StripeInvoiceItemID = &id
		}
	}
	return nil
}

func (r *memRepo) MarkUsageChargesBilled(_ context.Context, ids []string, invoiceID *string, billedAt time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var n int64
	for _, c := range r.charges {
		if want[c.ID] && c.BilledAt == nil {
			at := billedAt
			c.BilledAt = &at
			c.StripeInvoiceID = invoiceID
			n++
		}
	}
	return n, nil
}

func (r *memRepo) GetOrCreateBalance(_ context.Context, profileID string) (*domain.AccountBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.balances[profileID]
	if !ok {
		b = &domain.AccountBalance{ProfileID: profileID}
		r.balances[profileID] = b
	}
	cp := *b
	return &cp, nil
}

func (r *memRepo) ApplyBalanceTransaction(_ context.Context, profileID, txType string, amount decimal.Decimal, description string, referenceID *string) (*domain.BalanceTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.balances[profileID]
	if !ok {
		b = &domain.AccountBalance{ProfileID: profileID}
		r.balances[profileID] = b
	}
	if referenceID != nil && r.findTx(profileID, txType, *referenceID) != nil {
		return nil, domain.ErrDuplicateReference
	}
	tx, err := b.Apply(txType, amount, description, referenceID)
	if err != nil {
		return nil, err
	}
	tx.ID = r.nextID("btx")
	r.ledger = append(r.ledger, tx)
	return &tx, nil
}

func (r *memRepo) findTx(profileID, txType, referenceID string) *domain.BalanceTransaction {
	for i := range r.ledger {
		tx := r.ledger[i]
		if tx.ProfileID == profileID && tx.Type == txType && tx.ReferenceID != nil && *tx.ReferenceID == referenceID {
			return &tx
		}
	}
	return nil
}

func (r *memRepo) FindBalanceTransaction(_ context.Context, profileID, txType, referenceID string) (*domain.BalanceTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findTx(profileID, txType, referenceID), nil
}

func (r *memRepo) ListBalanceTransactions(_ context.Context, profileID string, limit int) ([]domain.BalanceTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.BalanceTransaction
	for i := len(r.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if r.ledger[i].ProfileID == profileID {
			out = append(out, r.ledger[i])
		}
	}
	return out, nil
}

func (r *memRepo) chargesFor(postcardID string) []*domain.UsageCharge {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.UsageCharge
	for _, c := range r.charges {
		if c.PostcardID == postcardID {
			out = append(out, c)
		}
	}
	return out
}

type fakeItem struct {
	id           string
	customer     string
	subscription string
	invoice      string
	cents        int64
}

type fakeInvoice struct {
	id           string
	customer     string
	subscription string
	status       string
	items        []string
}

// fakeGateway records Stripe calls and honours idempotency keys. Like Stripe,
// an item only lands on an invoice when it is attached to a draft or is a
// pending item of the same subscription, and an empty invoice cannot be finalized.
type fakeGateway struct {
	mu            sync.Mutex
	items         map[string]*fakeItem
	invoices      []domain.InvoiceRequest
	invoiceKeys   map[string]string
	stripeInvs    map[string]*fakeInvoice
	snapshots     map[string]*domain.SubscriptionSnapshot
	checkouts     []domain.CheckoutRequest
	charges       []domain.OffSessionCharge
	itemErr       error
	invoiceErr    error
	finalizeErr   error
	chargeErr     error
	itemCalls     int
	invoiceCalled int
	finalizeCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		items:       map[string]*fakeItem{},
		invoiceKeys: map[string]string{},
		stripeInvs:  map[string]*fakeInvoice{},
		snapshots:   map[string]*domain.SubscriptionSnapshot{},
	}
}

func (g *fakeGateway) CreateInvoiceItem(_ context.Context, req domain.InvoiceItemRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.itemCalls++
	if g.itemErr != nil {
		return "", g.itemErr
	}
	if item, ok := g.items[req.IdempotencyKey]; ok {
		return item.id, nil
	}

	item := &fakeItem{
		id:           fmt.Sprintf("ii_%d", len(g.items)+1),
		customer:     req.CustomerID,
		subscription: req.SubscriptionID,
		cents:        req.AmountCents,
	}
	if req.InvoiceID != "" {
		inv, ok := g.stripeInvs[req.InvoiceID]
		if !ok || inv.status != "draft" || inv.customer != req.CustomerID {
			return "", fmt.Errorf("invoice %s is not a draft of customer %s", req.InvoiceID, req.CustomerID)
		}
		item.invoice = inv.id
		inv.items = append(inv.items, item.id)
	}
	g.items[req.IdempotencyKey] = item
	return item.id, nil
}

func (g *fakeGateway) createInvoice(req domain.InvoiceRequest, includePending bool) (*fakeInvoice, error) {
	g.invoiceCalled++
	if g.invoiceErr != nil {
		return nil, g.invoiceErr
	}
	if id, ok := g.invoiceKeys[req.IdempotencyKey]; ok {
		return g.stripeInvs[id], nil
	}

	g.invoices = append(g.invoices, req)
	inv := &fakeInvoice{
		id:           fmt.Sprintf("in_%d", len(g.invoices)),
		customer:     req.CustomerID,
		subscription: req.SubscriptionID,
		status:       "draft",
	}
	if includePending {
		for _, item := range g.items {
			if item.invoice == "" && item.customer == inv.customer && item.subscription == inv.subscription {
				item.invoice = inv.id
				inv.items = append(inv.items, item.id)
			}
		}
	}
	g.stripeInvs[inv.id] = inv
	if req.IdempotencyKey != "" {
		g.invoiceKeys[req.IdempotencyKey] = inv.id
	}
	return inv, nil
}

func (g *fakeGateway) finalize(invoiceID string) (*domain.Invoice, error) {
	g.finalizeCalls++
	if g.finalizeErr != nil {
		return nil, g.finalizeErr
	}
	inv, ok := g.stripeInvs[invoiceID]
	if !ok {
		return nil, fmt.Errorf("no such invoice %s", invoiceID)
	}
	if inv.status == "draft" {
		if len(inv.items) == 0 {
			return nil, fmt.Errorf("invoice %s has no line items", invoiceID)
		}
		inv.status = "open"
	}
	return &domain.Invoice{ID: inv.id, Status: inv.status, AmountDue: g.amountDueLocked(inv)}, nil
}

func (g *fakeGateway) CreateDraftInvoice(_ context.Context, req domain.InvoiceRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	inv, err := g.createInvoice(req, false)
	if err != nil {
		return "", err
	}
	return inv.id, nil
}

func (g *fakeGateway) FinalizeInvoice(_ context.Context, invoiceID, _ string) (*domain.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.finalize(invoiceID)
}

func (g *fakeGateway) CreateAndFinalizeInvoice(_ context.Context, req domain.InvoiceRequest) (*domain.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	inv, err := g.createInvoice(req, true)
	if err != nil {
		return nil, err
	}
	return g.finalize(inv.id)
}

func (g *fakeGateway) amountDueLocked(inv *fakeInvoice) int64 {
	var total int64
	for _, item := range g.items {
		if item.invoice == inv.id {
			total += item.cents
		}
	}
	return total
}

// invoiceLines returns the item IDs on an invoice and the amount due.
func (g *fakeGateway) invoiceLines(invoiceID string) ([]string, int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	inv, ok := g.stripeInvs[invoiceID]
	if !ok {
		return nil, 0
	}
	return append([]string(nil), inv.items...), g.amountDueLocked(inv)
}

func (g *fakeGateway) invoiceStatus(invoiceID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if inv, ok := g.stripeInvs[invoiceID]; ok {
		return inv.status
	}
	return ""
}

func (g *fakeGateway) GetSubscription(_ context.Context, id string) (*domain.SubscriptionSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.snapshots[id]
	if !ok {
		return nil, errors.New("no such subscription")
	}
	cp := *s
	return &cp, nil
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, req domain.CheckoutRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkouts = append(g.checkouts, req)
	return "https://checkout.stripe.test/session", nil
}

func (g *fakeGateway) CreatePortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	return "https://billing.stripe.test/" + customerID, nil
}

func (g *fakeGateway) ChargeOffSession(_ context.Context, req domain.OffSessionCharge) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.chargeErr != nil {
		return "", g.chargeErr
	}
	g.charges = append(g.charges, req)
	return fmt.Sprintf("pi_%d", len(g.charges)), nil
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
