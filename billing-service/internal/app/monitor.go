package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/thankdonors/backend/billing-service/internal/domain"
	"github.com/thankdonors/backend/billing-service/internal/metrics"
	"github.com/thankdonors/backend/pkg/events"
	"github.com/thankdonors/backend/pkg/rabbitmq"
)

// UsageBiller is the usage billing entry point the monitor drives.
type UsageBiller interface {
	GetPostcard(ctx context.Context, postcardID string) (*domain.Postcard, error)
	BillPostcardUsage(ctx context.Context, postcardID string) (*UsageResult, error)
}

// DelayedPublisher re-enqueues monitor tasks after a delay.
type DelayedPublisher interface {
	PublishDelayed(ctx context.Context, exchange, routingKey string, delay time.Duration, body interface{}) error
}

// PostcardMonitor polls one postcard per delivered task until it can be
// billed, is already billed, or the retry policy gives up.
type PostcardMonitor struct {
	biller    UsageBiller
	publisher DelayedPublisher
	policy    RetryPolicy
	logger    *slog.Logger
	timeout   time.Duration
}

// NewPostcardMonitor creates a monitor worker.
func NewPostcardMonitor(biller UsageBiller, publisher DelayedPublisher, policy RetryPolicy, logger *slog.Logger) *PostcardMonitor {
	return &PostcardMonitor{
		biller:    biller,
		publisher: publisher,
		policy:    policy,
		logger:    logger,
		timeout:   30 * time.Second,
	}
}

// HandleMessage is a rabbitmq.MessageHandler. Malformed tasks are dropped;
// a task is only requeued by the broker when rescheduling it failed.
func (m *PostcardMonitor) HandleMessage(body []byte) bool {
	var task events.PostcardMonitorTask
	if err := json.Unmarshal(body, &task); err != nil || task.PostcardID == "" {
		m.logger.Error("dropping malformed postcard monitor task", "error", err, "body", string(body))
		return true
	}
	if task.Attempt < 1 {
		task.Attempt = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	return m.Poll(ctx, task)
}

// Poll runs one monitoring attempt. It returns false only when the task
// could not be rescheduled and should be redelivered.
func (m *PostcardMonitor) Poll(ctx context.Context, task events.PostcardMonitorTask) bool {
	log := m.logger.With("postcard_id", task.PostcardID, "attempt", task.Attempt)

	postcard, err := m.biller.GetPostcard(ctx, task.PostcardID)
	switch {
	case err != nil:
		log.Warn("postcard read failed, retrying next attempt", "error", err)
		metrics.MonitorPollsTotal.WithLabelValues("error").Inc()
	case postcard.UsageBilled:
		log.Info("postcard already billed, monitoring stopped")
		metrics.MonitorPollsTotal.WithLabelValues("already_billed").Inc()
		return true
	case domain.IsBillableStatus(postcard.Status):
		res, err := m.biller.BillPostcardUsage(ctx, task.PostcardID)
		if err != nil {
			log.Warn("usage billing failed, retrying next attempt", "error", err)
			metrics.MonitorPollsTotal.WithLabelValues("error").Inc()
			break
		}
		if res.Success {
			log.Info("postcard usage billed", "usage_charge_id", res.UsageChargeID, "amount", res.Amount.String())
		} else {
			log.Info("usage billing was a no-op", "message", res.Message)
		}
		metrics.MonitorPollsTotal.WithLabelValues("billed").Inc()
		return true
	case m.policy.Terminal != nil && m.policy.Terminal(postcard):
		log.Info("postcard reached a terminal status without billing", "status", postcard.Status)
		metrics.MonitorPollsTotal.WithLabelValues("terminal").Inc()
		return true
	}

	if m.policy.Exhausted(task.Attempt) {
		log.Warn("postcard monitor gave up without billing", "max_attempts", m.policy.MaxAttempts)
		metrics.MonitorPollsTotal.WithLabelValues("exhausted").Inc()
		return true
	}

	next := events.PostcardMonitorTask{
		PostcardID: task.PostcardID,
		Attempt:    task.Attempt + 1,
		EnqueuedAt: time.Now().UTC(),
	}
	delay := m.policy.Backoff(next.Attempt)
	if err := m.publisher.PublishDelayed(ctx, rabbitmq.EventsExchange, events.PostcardMonitor, delay, next); err != nil {
		log.Error("failed to reschedule postcard monitor", "error", err)
		return false
	}
	metrics.MonitorPollsTotal.WithLabelValues("rescheduled").Inc()
	return true
}
