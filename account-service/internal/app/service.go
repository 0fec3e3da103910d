/**
 * @description
 * Core business logic for the account-service: provisioning and removing the
 * per-profile donation webhook, and deleting an account with all of its data.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/thankdonors/backend/account-service/internal/domain"
	"github.com/thankdonors/backend/account-service/internal/store"
	"github.com/thankdonors/backend/pkg/webhookauth"
)

var (
	// ErrRoutingService wraps failures reported by the webhook routing service.
	ErrRoutingService = errors.New("webhook routing service error")
	// ErrIncompleteRouting is returned when the routing service omits the source id or URL.
	ErrIncompleteRouting = errors.New("webhook routing service returned an incomplete connection")
)

// Repository is the persistence surface the account-service depends on.
type Repository interface {
	GetProfile(ctx context.Context, profileID string) (*domain.Profile, error)
	HasWebhookCredential(ctx context.Context, profileID string) (bool, error)
	SetProfileWebhook(ctx context.Context, profileID, webhookURL, sourceID string) error
	SaveWebhookCredential(ctx context.Context, profileID string, cred webhookauth.HashedCredential) error
	ClearProfileWebhook(ctx context.Context, profileID string) error
	DeleteAccountData(ctx context.Context, profileID string) error
}

// RoutingClient manages webhook relay connections.
type RoutingClient interface {
	CreateConnection(ctx context.Context, req domain.ConnectionRequest) (*domain.RoutingConnection, error)
	SetSourceBasicAuth(ctx context.Context, sourceID, username, password string) error
	DeleteSource(ctx context.Context, sourceID string) error
}

// IdentityAdmin removes auth identities.
type IdentityAdmin interface {
	DeleteUser(ctx context.Context, userID string) error
}

// Service provides account operations.
type Service struct {
	repo          Repository
	routing       RoutingClient
	identity      IdentityAdmin
	intakeBaseURL string
}

// NewService creates a new account service. intakeBaseURL is the public base
// URL of the intake-service that routing destinations point at.
func NewService(repo Repository, routing RoutingClient, identity IdentityAdmin, intakeBaseURL string) *Service {
	return &Service{
		repo:          repo,
		routing:       routing,
		identity:      identity,
		intakeBaseURL: strings.TrimRight(intakeBaseURL, "/"),
	}
}

// ProvisionWebhook returns the profile's donation webhook, creating it on first use.
// When the profile already has a webhook URL and a stored credential nothing is
// created and no password is returned.
func (s *Service) ProvisionWebhook(ctx context.Context, profileID string) (*domain.WebhookProvisioning, error) {
	profile, err := s.repo.GetProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}

	if profile.HasWebhook() {
		hasCredential, err := s.repo.HasWebhookCredential(ctx, profileID)
		if err != nil {
			return nil, fmt.Errorf("check webhook credential: %w", err)
		}
		if hasCredential {
			return &domain.WebhookProvisioning{
				WebhookURL:         *profile.WebhookURL,
				Username:           profileID,
				AlreadyProvisioned: true,
			}, nil
		}
	}

	password, err := webhookauth.GeneratePassword()
	if err != nil {
		return nil, err
	}

	// An earlier attempt may have saved its source without a credential.
	// Each profile keeps a single source, so that one goes first.
	if profile.WebhookSourceID != nil && *profile.WebhookSourceID != "" {
		err := s.routing.DeleteSource(ctx, *profile.WebhookSourceID)
		if err != nil && !errors.Is(err, domain.ErrRoutingSourceNotFound) {
			return nil, fmt.Errorf("%w: delete previous source: %v", ErrRoutingService, err)
		}
	}

	conn, err := s.routing.CreateConnection(ctx, domain.ConnectionRequest{
		Name:            "actblue-" + profileID,
		SourceName:      "actblue-" + profileID,
		DestinationName: "intake-" + profileID,
		DestinationURL:  fmt.Sprintf("%s/webhooks/actblue/%s", s.intakeBaseURL, profileID),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create connection: %v", ErrRoutingService, err)
	}
	if conn.SourceID == "" || conn.SourceURL == "" {
		s.discardSource(ctx, profileID, conn.SourceID)
		return nil, ErrIncompleteRouting
	}

	if err := s.routing.SetSourceBasicAuth(ctx, conn.SourceID, profileID, password); err != nil {
		s.discardSource(ctx, profileID, conn.SourceID)
		return nil, fmt.Errorf("%w: configure source auth: %v", ErrRoutingService, err)
	}

	hashed, err := webhookauth.Hash(password)
	if err != nil {
		s.discardSource(ctx, profileID, conn.SourceID)
		return nil, err
	}

	if err := s.repo.SetProfileWebhook(ctx, profileID, conn.SourceURL, conn.SourceID); err != nil {
		s.discardSource(ctx, profileID, conn.SourceID)
		return nil, fmt.Errorf("save webhook on profile: %w", err)
	}
	if err := s.repo.SaveWebhookCredential(ctx, profileID, hashed); err != nil {
		return nil, fmt.Errorf("save webhook credential: %w", err)
	}

	log.Printf("Provisioned donation webhook for profile %s (source %s)", profileID, conn.SourceID)
	return &domain.WebhookProvisioning{
		WebhookURL: conn.SourceURL,
		Username:   profileID,
		Password:   password,
	}, nil
}

// DeprovisionWebhook deletes the routing source and clears the profile's webhook
// fields. The local state is cleared even when the remote delete fails.
func (s *Service) DeprovisionWebhook(ctx context.Context, profileID string) error {
	profile, err := s.repo.GetProfile(ctx, profileID)
	if err != nil {
		return err
	}

	s.deleteRoutingSource(ctx, profile)

	if err := s.repo.ClearProfileWebhook(ctx, profileID); err != nil {
		return fmt.Errorf("clear profile webhook: %w", err)
	}
	return nil
}

// DeleteAccount removes the routing source, every row owned by the profile and
// finally the auth identity.
func (s *Service) DeleteAccount(ctx context.Context, profileID string) error {
	profile, err := s.repo.GetProfile(ctx, profileID)
	if err != nil && !errors.Is(err, store.ErrProfileNotFound) {
		return err
	}

	if profile != nil {
		s.deleteRoutingSource(ctx, profile)
		if err := s.repo.DeleteAccountData(ctx, profileID); err != nil {
			return fmt.Errorf("delete account data: %w", err)
		}
	}

	if err := s.identity.DeleteUser(ctx, profileID); err != nil {
		return fmt.Errorf("delete auth user: %w", err)
	}
	log.Printf("Deleted account for profile %s", profileID)
	return nil
}

// discardSource deletes a source created by a provisioning attempt that failed
// before the profile recorded it.
func (s *Service) discardSource(ctx context.Context, profileID, sourceID string) {
	if sourceID == "" {
		return
	}
	if err := s.routing.DeleteSource(ctx, sourceID); err != nil && !errors.Is(err, domain.ErrRoutingSourceNotFound) {
		log.Printf("WARN: failed to discard routing source %s for profile %s: %v", sourceID, profileID, err)
	}
}

func (s *Service) deleteRoutingSource(ctx context.Context, profile *domain.Profile) {
	if profile.WebhookSourceID == nil || *profile.WebhookSourceID == "" {
		return
	}
	err := s.routing.DeleteSource(ctx, *profile.WebhookSourceID)
	if err != nil && !errors.Is(err, domain.ErrRoutingSourceNotFound) {
		log.Printf("WARN: failed to delete routing source %s for profile %s: %v", *profile.WebhookSourceID, profile.ID, err)
	}
}
