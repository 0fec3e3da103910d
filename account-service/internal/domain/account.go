/**
 * @description
 * Domain models for the account-service: the profile view it manages, the
 * webhook provisioning contract and the outbound message shapes used by the
 * routing, identity and email clients.
 */
package domain

import "errors"

// ErrRoutingSourceNotFound is returned by the routing client when the source no longer exists.
var ErrRoutingSourceNotFound = errors.New("routing source not found")

// Profile is the subset of a user profile the account-service reads and writes.
type Profile struct {
	ID               string
	Email            string
	FullName         string
	WebhookURL       *string
	WebhookSourceID  *string
	NotifyOnDonation bool
}

// HasWebhook reports whether the profile carries a provisioned webhook URL.
func (p *Profile) HasWebhook() bool {
	return p.WebhookURL != nil && *p.WebhookURL != ""
}

// WebhookProvisioning is returned to the dashboard after provisioning.
// Password is only present on the call that generated it.
type WebhookProvisioning struct {
	WebhookURL         string `json:"webhook_url"`
	Username           string `json:"username"`
	Password           string `json:"password,omitempty"`
	AlreadyProvisioned bool   `json:"already_provisioned"`
}

// ConnectionRequest describes a source/destination pairing to create on the routing service.
type ConnectionRequest struct {
	Name            string
	SourceName      string
	DestinationName string
	DestinationURL  string
}

// RoutingConnection is the created pairing. SourceURL is the public URL donors' payloads are sent to.
type RoutingConnection struct {
	ConnectionID string
	SourceID     string
	SourceURL    string
}

// Email is one outbound transactional email.
type Email struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
}
