package domain

import "time"

// InvoiceItemRequest describes a one-off charge. With InvoiceID set the item
// goes onto that draft invoice; otherwise it stays pending on SubscriptionID
// until an invoice for that subscription includes it.
type InvoiceItemRequest struct {
	CustomerID     string
	SubscriptionID string
	InvoiceID      string
	AmountCents    int64
	Currency       string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// InvoiceRequest describes a usage invoice for a customer and, when set, one
// of its subscriptions.
type InvoiceRequest struct {
	CustomerID     string
	SubscriptionID string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// Invoice is the part of a finalized Stripe invoice the service records.
type Invoice struct {
	ID        string
	Status    string
	AmountDue int64
	HostedURL string
}

// SubscriptionSnapshot is the processor's current view of a subscription.
type SubscriptionSnapshot struct {
	ID                 string
	CustomerID         string
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialEnd           *time.Time
	Metadata           map[string]string
}

// CheckoutRequest starts a hosted subscription checkout.
type CheckoutRequest struct {
	ProfileID     string
	PlanID        string
	PriceID       string
	CustomerID    string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
}

// OffSessionCharge charges a saved payment method without the customer present.
type OffSessionCharge struct {
	CustomerID      string
	PaymentMethodID string
	AmountCents     int64
	Currency        string
	Description     string
	IdempotencyKey  string
}
