/**
 * @description
 * Message contracts exchanged between services over RabbitMQ.
 */
package events

import "time"

// Routing keys on the events exchange.
const (
	DonationReceived = "donation.received"
	PostcardMonitor  = "postcard.monitor"
)

// DonationReceivedEvent is published by donation intake after a donation is stored.
type DonationReceivedEvent struct {
	ProfileID   string    `json:"profile_id"`
	DonationID  string    `json:"donation_id"`
	PostcardID  string    `json:"postcard_id,omitempty"`
	DonorName   string    `json:"donor_name"`
	DonorEmail  string    `json:"donor_email,omitempty"`
	Amount      string    `json:"amount"`
	OrderNumber string    `json:"order_number,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// PostcardMonitorTask asks the billing worker to check one postcard.
// Attempt starts at 1 and grows each time the check is rescheduled.
type PostcardMonitorTask struct {
	PostcardID string    `json:"postcard_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
