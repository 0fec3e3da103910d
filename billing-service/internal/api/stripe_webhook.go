package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/thankdonors/backend/billing-service/internal/app"
	"github.com/thankdonors/backend/billing-service/internal/metrics"
)

const webhookBodyLimit = 1024 * 1024

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// handleStripeWebhook verifies the Stripe signature and dispatches the event.
// Once the signature is valid the response is always 200 so Stripe does not
// redeliver; processing failures are logged.
func (h *Handler) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		respondWithError(w, status, "failed to read request body")
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		respondWithError(w, status, "missing Stripe signature")
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		respondWithError(w, status, "invalid Stripe signature")
		return
	}
	eventType = string(event.Type)

	if err := h.dispatchStripeEvent(r, &event); err != nil {
		log.Printf("ERROR: Stripe webhook %s (%s) processing failed: %v", event.ID, event.Type, err)
	}

	respondWithJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

func (h *Handler) dispatchStripeEvent(r *http.Request, event *stripe.Event) error {
	ctx := r.Context()

	switch event.Type {
	case "checkout.session.completed":
		var session checkoutSessionObject
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return h.service.HandleCheckoutCompleted(ctx, app.CheckoutCompleted{
			SessionID:         session.ID,
			Mode:              session.Mode,
			SubscriptionID:    session.Subscription.ID(),
			CustomerID:        session.Customer.ID(),
			ClientReferenceID: session.ClientReferenceID,
			Metadata:          session.Metadata,
		})

	case "customer.subscription.updated":
		var sub subscriptionObject
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.service.HandleSubscriptionUpdated(ctx, sub.change())

	case "customer.subscription.deleted":
		var sub subscriptionObject
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.service.HandleSubscriptionDeleted(ctx, sub.ID)

	case "invoice.payment_succeeded", "invoice.payment_failed":
		var inv invoiceObject
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return h.service.HandleInvoicePayment(ctx, inv.subscriptionID(), event.Type == "invoice.payment_succeeded")

	default:
		log.Printf("Stripe webhook %s ignored (unhandled type %s)", event.ID, event.Type)
		return nil
	}
}

// expandableID decodes a Stripe reference that is either an id string or an
// expanded object carrying an id.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

func (e expandableID) ID() string { return string(e) }

// checkoutSessionObject is the subset of a Stripe checkout.session the service reads.
type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// subscriptionObject is the subset of a Stripe subscription the service reads.
// Newer API versions carry the period on each item; older ones on the subscription.
type subscriptionObject struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	TrialEnd           *int64 `json:"trial_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (s subscriptionObject) change() app.SubscriptionChange {
	start, end := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if len(s.Items.Data) > 0 && s.Items.Data[0].CurrentPeriodEnd > 0 {
		start, end = s.Items.Data[0].CurrentPeriodStart, s.Items.Data[0].CurrentPeriodEnd
	}

	change := app.SubscriptionChange{
		StripeSubscriptionID: s.ID,
		Status:               s.Status,
		CurrentPeriodStart:   unixPtr(start),
		CurrentPeriodEnd:     unixPtr(end),
	}
	if s.TrialEnd != nil {
		change.TrialEnd = unixPtr(*s.TrialEnd)
	}
	return change
}

// invoiceObject is the subset of a Stripe invoice the service reads.
type invoiceObject struct {
	ID           string       `json:"id"`
	Subscription expandableID `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (i invoiceObject) subscriptionID() string {
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil && i.Parent.SubscriptionDetails.Subscription != "" {
		return i.Parent.SubscriptionDetails.Subscription.ID()
	}
	return i.Subscription.ID()
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
