package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log"
	"time"

	"github.com/thankdonors/backend/account-service/internal/domain"
	"github.com/thankdonors/backend/account-service/internal/store"
	"github.com/thankdonors/backend/pkg/events"
)

// ProfileReader loads the profile a notification is addressed to.
type ProfileReader interface {
	GetProfile(ctx context.Context, profileID string) (*domain.Profile, error)
}

// Mailer sends one email and returns the provider id.
type Mailer interface {
	Send(ctx context.Context, email domain.Email) (string, error)
}

// DonationNotifier emails profile owners about new donations when they opted in.
type DonationNotifier struct {
	profiles ProfileReader
	mailer   Mailer
	from     string
	appURL   string
}

// NewDonationNotifier creates a notifier. from is the sender address.
func NewDonationNotifier(profiles ProfileReader, mailer Mailer, from, appURL string) *DonationNotifier {
	return &DonationNotifier{profiles: profiles, mailer: mailer, from: from, appURL: appURL}
}

// HandleDonationReceived processes a donation.received event. Delivery is best
// effort: every outcome except a transient profile lookup failure is acked.
func (n *DonationNotifier) HandleDonationReceived(body []byte) bool {
	var event events.DonationReceivedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("Error unmarshaling %s event: %v", events.DonationReceived, err)
		return true
	}
	if event.ProfileID == "" {
		log.Printf("%s event missing profile_id; acking", events.DonationReceived)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	profile, err := n.profiles.GetProfile(ctx, event.ProfileID)
	if err != nil {
		if errors.Is(err, store.ErrProfileNotFound) {
			log.Printf("WARN: donation %s for unknown profile %s; acking", event.DonationID, event.ProfileID)
			return true
		}
		log.Printf("ERROR: failed to load profile %s: %v", event.ProfileID, err)
		return false
	}
	if !profile.NotifyOnDonation || profile.Email == "" {
		return true
	}

	if _, err := n.mailer.Send(ctx, n.donationEmail(profile, event)); err != nil {
		log.Printf("WARN: failed to send donation notification for donation %s: %v", event.DonationID, err)
		return true
	}
	log.Printf("Sent donation notification for donation %s to profile %s", event.DonationID, profile.ID)
	return true
}

func (n *DonationNotifier) donationEmail(profile *domain.Profile, event events.DonationReceivedEvent) domain.Email {
	donor := event.DonorName
	if donor == "" {
		donor = "A donor"
	}
	subject := fmt.Sprintf("New donation: $%s from %s", event.Amount, donor)
	text := fmt.Sprintf("%s donated $%s. A thank-you postcard has been queued.\n\nView your dashboard: %s/dashboard\n", donor, event.Amount, n.appURL)
	body := fmt.Sprintf("<p><strong>%s</strong> donated <strong>$%s</strong>.</p><p>A thank-you postcard has been queued.</p><p><a href=\"%s/dashboard\">View your dashboard</a></p>",
		html.EscapeString(donor), html.EscapeString(event.Amount), html.EscapeString(n.appURL))

	return domain.Email{
		From:    n.from,
		To:      profile.Email,
		Subject: subject,
		HTML:    body,
		Text:    text,
	}
}
