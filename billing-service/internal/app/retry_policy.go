package app

import (
	"time"

	"github.com/thankdonors/backend/billing-service/internal/domain"
)

// RetryPolicy bounds how long the postcard monitor keeps polling one postcard.
type RetryPolicy struct {
	MaxAttempts int
	// Backoff returns the delay before the given (1-based) attempt.
	Backoff func(attempt int) time.Duration
	// Terminal reports whether monitoring should stop without billing.
	Terminal func(p *domain.Postcard) bool
}

// FixedRetryPolicy polls every delay until maxAttempts polls have run. A
// postcard that is already mailed is terminal.
func FixedRetryPolicy(maxAttempts int, delay time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff:     func(int) time.Duration { return delay },
		Terminal: func(p *domain.Postcard) bool {
			return p.Status == domain.PostcardStatusMailed
		},
	}
}

// Exhausted reports whether attempt is past the bound.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}
