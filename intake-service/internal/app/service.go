/**
 * @description
 * Core business logic for donation intake: authenticate the webhook caller,
 * validate the contribution, persist the donation and its pending postcard,
 * then hand the postcard to the billing monitor.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/thankdonors/backend/intake-service/internal/domain"
	"github.com/thankdonors/backend/intake-service/internal/store"
	"github.com/thankdonors/backend/pkg/events"
	"github.com/thankdonors/backend/pkg/rabbitmq"
	"github.com/thankdonors/backend/pkg/webhookauth"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limit exceeded")
)

// ValidationError reports a malformed contribution payload.
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return "invalid payload: " + strings.Join(e.Details, "; ")
}

// Repository defines the database operations the service needs.
type Repository interface {
	GetWebhookCredential(ctx context.Context, profileID string) (*domain.WebhookCredential, error)
	InsertDonation(ctx context.Context, d *domain.Donation) error
	InsertPostcard(ctx context.Context, p *domain.Postcard) error
}

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// DeliveryLimiter meters webhook deliveries per profile.
type DeliveryLimiter interface {
	Take(ctx context.Context, profileID string) (Quota, error)
}

// Service provides the business logic for donation intake.
type Service struct {
	repo      Repository
	publisher EventPublisher
	limiter   DeliveryLimiter
	now       func() time.Time
}

// NewService creates a new intake service. limiter may be nil to disable rate limiting.
func NewService(repo Repository, publisher EventPublisher, limiter DeliveryLimiter) Service {
	return Service{
		repo:      repo,
		publisher: publisher,
		limiter:   limiter,
		now:       time.Now,
	}
}

// IntakeResult is returned to the webhook caller.
type IntakeResult struct {
	Success    bool    `json:"success"`
	DonationID string  `json:"donation_id"`
	PostcardID *string `json:"postcard_id,omitempty"`
}

// Authenticate checks Basic-Auth credentials presented for profileID.
func (s Service) Authenticate(ctx context.Context, profileID, username, password string) error {
	if _, err := uuid.Parse(profileID); err != nil {
		return ErrUnauthorized
	}
	if username != profileID || password == "" {
		return ErrUnauthorized
	}

	cred, err := s.repo.GetWebhookCredential(ctx, profileID)
	if err != nil {
		if errors.Is(err, store.ErrCredentialNotFound) {
			return ErrUnauthorized
		}
		return fmt.Errorf("failed to load webhook credential: %w", err)
	}

	if err := webhookauth.Verify(password, webhookauth.HashedCredential{PasswordHash: cred.PasswordHash, Salt: cred.Salt}); err != nil {
		if !errors.Is(err, webhookauth.ErrInvalidCredentials) {
			log.Printf("WARN: stored webhook credential for profile %s is unreadable: %v", profileID, err)
		}
		return ErrUnauthorized
	}
	return nil
}

// CheckDeliveryQuota counts one delivery for profileID and returns ErrRateLimited
// with a Retry-After hint in seconds once the window is used up. Limiter
// failures are logged and let the request through.
func (s Service) CheckDeliveryQuota(ctx context.Context, profileID string) (int, error) {
	if s.limiter == nil {
		return 0, nil
	}
	quota, err := s.limiter.Take(ctx, profileID)
	if err != nil {
		log.Printf("WARN: delivery limiter unavailable for profile %s: %v", profileID, err)
		return 0, nil
	}
	if quota.Exceeded() {
		return quota.RetryAfterSeconds(), ErrRateLimited
	}
	return 0, nil
}

// IngestDonation validates payload and records the donation and its postcard.
func (s Service) IngestDonation(ctx context.Context, profileID string, payload domain.ContributionWebhook) (*IntakeResult, error) {
	donation, err := s.buildDonation(profileID, payload)
	if err != nil {
		return nil, err
	}

	if err := s.repo.InsertDonation(ctx, donation); err != nil {
		return nil, fmt.Errorf("failed to store donation: %w", err)
	}

	result := &IntakeResult{Success: true, DonationID: donation.ID}

	postcard := &domain.Postcard{
		DonationID: donation.ID,
		ProfileID:  profileID,
		Status:     domain.PostcardStatusPending,
	}
	if err := s.repo.InsertPostcard(ctx, postcard); err != nil {
		log.Printf("ERROR: failed to create postcard for donation %s: %v", donation.ID, err)
	} else {
		result.PostcardID = &postcard.ID
	}

	s.publishDonationReceived(ctx, donation, result.PostcardID)
	if result.PostcardID != nil {
		s.scheduleMonitor(ctx, *result.PostcardID)
	}

	return result, nil
}

func (s Service) buildDonation(profileID string, payload domain.ContributionWebhook) (*domain.Donation, error) {
	var details []string
	if payload.Donor == nil {
		details = append(details, "donor is required")
	}
	if payload.Contribution == nil {
		details = append(details, "contribution is required")
	}
	if len(payload.LineItems) == 0 {
		details = append(details, "at least one line item is required")
	}
	if len(details) > 0 {
		return nil, &ValidationError{Details: details}
	}

	item := payload.LineItems[0]
	amount, err := decimal.NewFromString(strings.TrimSpace(item.Amount))
	if err != nil {
		details = append(details, fmt.Sprintf("lineitems[0].amount %q is not a decimal", item.Amount))
	} else if amount.IsNegative() {
		details = append(details, "lineitems[0].amount must not be negative")
	}

	donationDate, err := s.donationDate(item.PaidAt, payload.Contribution.CreatedAt)
	if err != nil {
		details = append(details, err.Error())
	}
	if len(details) > 0 {
		return nil, &ValidationError{Details: details}
	}

	donor := payload.Donor
	contribution := payload.Contribution
	donation := &domain.Donation{
		ProfileID:        profileID,
		DonorFirstName:   donor.FirstName,
		DonorLastName:    donor.LastName,
		DonorEmail:       donor.Email,
		DonorPhone:       donor.Phone,
		DonorAddr1:       donor.Addr1,
		DonorCity:        donor.City,
		DonorState:       donor.State,
		DonorZip:         donor.Zip,
		DonorCountry:     donor.Country,
		Amount:           amount,
		DonationDate:     donationDate,
		OrderNumber:      contribution.OrderNumber,
		ContributionForm: contribution.ContributionForm,
		Refcode:          contribution.Refcode,
		Refcode2:         contribution.Refcode2,
		ContribStatus:    contribution.Status,
		IsRecurring:      contribution.IsRecurring,
		RecurringPeriod:  contribution.RecurringPeriod,
		LineItemID:       item.LineItemID,
	}
	if donor.EmployerData != nil {
		donation.Employer = donor.EmployerData.Employer
		donation.Occupation = donor.EmployerData.Occupation
	}
	return donation, nil
}

// donationDate prefers the line item's paidAt, then the contribution's createdAt.
// A payload with neither is stamped with the receive time.
func (s Service) donationDate(paidAt, createdAt string) (time.Time, error) {
	for _, candidate := range []struct {
		field string
		value string
	}{{"lineitems[0].paidAt", paidAt}, {"contribution.createdAt", createdAt}} {
		value := strings.TrimSpace(candidate.value)
		if value == "" {
			continue
		}
		parsed, err := parseTimestamp(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s %q is not a valid timestamp", candidate.field, value)
		}
		return parsed.UTC(), nil
	}
	return s.now().UTC(), nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02T15:04:05",
}

func parseTimestamp(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, value)
		if err == nil {
			return parsed, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func (s Service) publishDonationReceived(ctx context.Context, donation *domain.Donation, postcardID *string) {
	if s.publisher == nil {
		return
	}

	event := events.DonationReceivedEvent{
		ProfileID:   donation.ProfileID,
		DonationID:  donation.ID,
		DonorName:   strings.TrimSpace(donation.DonorFirstName + " " + donation.DonorLastName),
		DonorEmail:  donation.DonorEmail,
		Amount:      donation.Amount.StringFixed(2),
		OrderNumber: donation.OrderNumber,
		Timestamp:   s.now().UTC(),
	}
	if postcardID != nil {
		event.PostcardID = *postcardID
	}

	if err := s.publisher.Publish(ctx, rabbitmq.EventsExchange, events.DonationReceived, event); err != nil {
		log.Printf("WARN: failed to publish %s for donation %s: %v", events.DonationReceived, donation.ID, err)
	}
}

func (s Service) scheduleMonitor(ctx context.Context, postcardID string) {
	if s.publisher == nil {
		return
	}

	task := events.PostcardMonitorTask{PostcardID: postcardID, Attempt: 1, EnqueuedAt: s.now().UTC()}
	if err := s.publisher.Publish(ctx, rabbitmq.EventsExchange, events.PostcardMonitor, task); err != nil {
		log.Printf("WARN: failed to schedule status monitor for postcard %s: %v", postcardID, err)
	}
}
