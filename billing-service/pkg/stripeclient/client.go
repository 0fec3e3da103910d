/**
 * @description
 * Client for the Stripe operations the billing-service performs. Each Client
 * owns its own stripe-go API instance so the service never touches the
 * package-level stripe.Key.
 */
package stripeclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/thankdonors/backend/billing-service/internal/domain"
)

// Client wraps a stripe-go API instance.
type Client struct {
	api      *client.API
	currency string
}

// NewClient creates a Stripe client for secretKey. Amounts are charged in currency.
func NewClient(secretKey, currency string) *Client {
	return newClient(secretKey, currency, nil)
}

// newClient builds a Client on explicit backends; nil uses Stripe's defaults.
func newClient(secretKey, currency string, backends *stripe.Backends) *Client {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &Client{api: client.New(secretKey, backends), currency: currency}
}

// CreateInvoiceItem creates an invoice item. An item with an InvoiceID is
// attached to that draft; otherwise it is left pending on the subscription.
func (c *Client) CreateInvoiceItem(ctx context.Context, req domain.InvoiceItemRequest) (string, error) {
	currency := req.Currency
	if currency == "" {
		currency = c.currency
	}

	params := &stripe.InvoiceItemParams{
		Customer:    stripe.String(req.CustomerID),
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(currency),
		Description: stripe.String(req.Description),
	}
	switch {
	case req.InvoiceID != "":
		params.Invoice = stripe.String(req.InvoiceID)
	case req.SubscriptionID != "":
		params.Subscription = stripe.String(req.SubscriptionID)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	item, err := c.api.InvoiceItems.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: create invoice item: %w", err)
	}
	return item.ID, nil
}

func (c *Client) invoiceParams(ctx context.Context, req domain.InvoiceRequest, pendingBehavior string) *stripe.InvoiceParams {
	params := &stripe.InvoiceParams{
		Customer:                    stripe.String(req.CustomerID),
		AutoAdvance:                 stripe.Bool(false),
		CollectionMethod:            stripe.String(string(stripe.InvoiceCollectionMethodChargeAutomatically)),
		PendingInvoiceItemsBehavior: stripe.String(pendingBehavior),
	}
	if req.SubscriptionID != "" {
		params.Subscription = stripe.String(req.SubscriptionID)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	return params
}

// CreateDraftInvoice creates an empty draft invoice. Pending items are
// excluded, so the invoice holds only items attached to it explicitly.
func (c *Client) CreateDraftInvoice(ctx context.Context, req domain.InvoiceRequest) (string, error) {
	inv, err := c.api.Invoices.New(c.invoiceParams(ctx, req, "exclude"))
	if err != nil {
		return "", fmt.Errorf("stripe: create draft invoice: %w", err)
	}
	return inv.ID, nil
}

// CreateAndFinalizeInvoice creates an invoice that includes the pending items
// of req.SubscriptionID (or the customer's unscoped pending items) and
// finalizes it so Stripe attempts collection.
func (c *Client) CreateAndFinalizeInvoice(ctx context.Context, req domain.InvoiceRequest) (*domain.Invoice, error) {
	inv, err := c.api.Invoices.New(c.invoiceParams(ctx, req, "include"))
	if err != nil {
		return nil, fmt.Errorf("stripe: create invoice: %w", err)
	}

	finalizeKey := ""
	if req.IdempotencyKey != "" {
		finalizeKey = req.IdempotencyKey + "-finalize"
	}
	return c.FinalizeInvoice(ctx, inv.ID, finalizeKey)
}

// FinalizeInvoice finalizes a draft invoice. An invoice that is already past
// draft is returned as it stands.
func (c *Client) FinalizeInvoice(ctx context.Context, invoiceID, idempotencyKey string) (*domain.Invoice, error) {
	params := &stripe.InvoiceFinalizeInvoiceParams{AutoAdvance: stripe.Bool(true)}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	finalized, err := c.api.Invoices.FinalizeInvoice(invoiceID, params)
	if err != nil {
		getParams := &stripe.InvoiceParams{}
		getParams.Context = ctx
		current, getErr := c.api.Invoices.Get(invoiceID, getParams)
		if getErr != nil || current.Status == stripe.InvoiceStatusDraft {
			return nil, fmt.Errorf("stripe: finalize invoice %s: %w", invoiceID, err)
		}
		finalized = current
	}
	return invoiceFromStripe(finalized), nil
}

func invoiceFromStripe(inv *stripe.Invoice) *domain.Invoice {
	return &domain.Invoice{
		ID:        inv.ID,
		Status:    string(inv.Status),
		AmountDue: inv.AmountDue,
		HostedURL: inv.HostedInvoiceURL,
	}
}

// GetSubscription returns the processor's current view of a subscription.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*domain.SubscriptionSnapshot, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := c.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: get subscription %s: %w", subscriptionID, err)
	}
	return snapshotFromSubscription(sub)
}

func snapshotFromSubscription(sub *stripe.Subscription) (*domain.SubscriptionSnapshot, error) {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, errors.New("stripe: subscription has no items")
	}

	item := sub.Items.Data[0]
	snapshot := &domain.SubscriptionSnapshot{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		CurrentPeriodStart: time.Unix(item.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(item.CurrentPeriodEnd, 0).UTC(),
		Metadata:           sub.Metadata,
	}
	if sub.Customer != nil {
		snapshot.CustomerID = sub.Customer.ID
	}
	if sub.TrialEnd > 0 {
		trialEnd := time.Unix(sub.TrialEnd, 0).UTC()
		snapshot.TrialEnd = &trialEnd
	}
	return snapshot, nil
}

// CreateCheckoutSession starts a hosted subscription checkout and returns its URL.
func (c *Client) CreateCheckoutSession(ctx context.Context, req domain.CheckoutRequest) (string, error) {
	metadata := map[string]string{
		"profile_id": req.ProfileID,
		"plan_id":    req.PlanID,
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.ProfileID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	params.Metadata = metadata
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	params.Context = ctx

	session, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: create checkout session: %w", err)
	}
	if strings.TrimSpace(session.URL) == "" {
		return "", errors.New("stripe: checkout session has no URL")
	}
	return session.URL, nil
}

// CreatePortalSession returns a customer portal URL.
func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	session, err := c.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: create portal session: %w", err)
	}
	return session.URL, nil
}

// ChargeOffSession confirms a PaymentIntent against a saved payment method.
func (c *Client) ChargeOffSession(ctx context.Context, req domain.OffSessionCharge) (string, error) {
	currency := req.Currency
	if currency == "" {
		currency = c.currency
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(currency),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		Description:   stripe.String(req.Description),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	intent, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: off-session charge: %w", err)
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return intent.ID, fmt.Errorf("stripe: payment intent %s ended in status %s", intent.ID, intent.Status)
	}
	return intent.ID, nil
}
