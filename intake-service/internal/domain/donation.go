/**
 * @description
 * Domain models for the intake-service: the inbound ActBlue contribution
 * payload and the rows it produces.
 */
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PostcardStatusPending is the status every new postcard starts in.
const PostcardStatusPending = "pending"

// ContributionWebhook is the body ActBlue posts for each contribution.
type ContributionWebhook struct {
	Donor        *Donor         `json:"donor"`
	Contribution *Contribution  `json:"contribution"`
	LineItems    []LineItem     `json:"lineitems"`
	Form         map[string]any `json:"form,omitempty"`
}

// Donor identifies the person who gave.
type Donor struct {
	FirstName    string        `json:"firstname"`
	LastName     string        `json:"lastname"`
	Addr1        string        `json:"addr1"`
	City         string        `json:"city"`
	State        string        `json:"state"`
	Zip          string        `json:"zip"`
	Country      string        `json:"country"`
	Email        string        `json:"email"`
	Phone        string        `json:"phone"`
	EmployerData *EmployerData `json:"employerData"`
}

type EmployerData struct {
	Employer   string `json:"employer"`
	Occupation string `json:"occupation"`
}

// Contribution carries order-level metadata.
type Contribution struct {
	CreatedAt        string `json:"createdAt"`
	OrderNumber      string `json:"orderNumber"`
	ContributionForm string `json:"contributionForm"`
	Refcode          string `json:"refcode"`
	Refcode2         string `json:"refcode2"`
	Status           string `json:"status"`
	IsRecurring      bool   `json:"isRecurring"`
	RecurringPeriod  string `json:"recurringPeriod"`
}

// LineItem is one allocation of the contribution.
type LineItem struct {
	Amount     string `json:"amount"`
	PaidAt     string `json:"paidAt"`
	LineItemID int64  `json:"lineitemId"`
	EntityID   int64  `json:"entityId,omitempty"`
	Committee  string `json:"committeeName,omitempty"`
}

// Donation is the stored snapshot of a contribution.
type Donation struct {
	ID               string
	ProfileID        string
	DonorFirstName   string
	DonorLastName    string
	DonorEmail       string
	DonorPhone       string
	DonorAddr1       string
	DonorCity        string
	DonorState       string
	DonorZip         string
	DonorCountry     string
	Employer         string
	Occupation       string
	Amount           decimal.Decimal
	DonationDate     time.Time
	OrderNumber      string
	ContributionForm string
	Refcode          string
	Refcode2         string
	ContribStatus    string
	IsRecurring      bool
	RecurringPeriod  string
	LineItemID       int64
	CreatedAt        time.Time
}

// Postcard is the mailing created for a donation.
type Postcard struct {
	ID         string
	DonationID string
	ProfileID  string
	Status     string
	CreatedAt  time.Time
}

// WebhookCredential is the stored Basic-Auth secret for a profile's webhook.
type WebhookCredential struct {
	ProfileID    string
	PasswordHash string
	Salt         string
}
