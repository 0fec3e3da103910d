package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thankdonors/backend/billing-service/internal/domain"
	"github.com/thankdonors/backend/pkg/events"
	"github.com/thankdonors/backend/pkg/rabbitmq"
)

type delayedMessage struct {
	exchange   string
	routingKey string
	delay      time.Duration
	task       events.PostcardMonitorTask
}

type recordingPublisher struct {
	messages []delayedMessage
	err      error
}

func (p *recordingPublisher) PublishDelayed(_ context.Context, exchange, routingKey string, delay time.Duration, body interface{}) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, delayedMessage{exchange, routingKey, delay, body.(events.PostcardMonitorTask)})
	return nil
}

func newTestMonitor(svc *Service, pub *recordingPublisher, maxAttempts int) *PostcardMonitor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPostcardMonitor(svc, pub, FixedRetryPolicy(maxAttempts, 30*time.Second), logger)
}

// drive feeds every rescheduled task back into the monitor, like the broker would.
func drive(t *testing.T, m *PostcardMonitor, pub *recordingPublisher, first events.PostcardMonitorTask) int {
	t.Helper()
	polls := 0
	next := first
	for {
		polls++
		require.True(t, m.Poll(context.Background(), next))
		if len(pub.messages) < polls {
			return polls
		}
		next = pub.messages[polls-1].task
		require.Less(t, polls, 1000, "monitor never stopped")
	}
}

func TestPostcardMonitor_StopsAfterMaxAttemptsWithoutBilling(t *testing.T) {
	svc, repo, gw := billingFixture(t)
	repo.postcards["pc-1"].Status = domain.PostcardStatusPending
	pub := &recordingPublisher{}
	m := newTestMonitor(svc, pub, 5)

	polls := drive(t, m, pub, events.PostcardMonitorTask{PostcardID: "pc-1", Attempt: 1})

	assert.Equal(t, 5, polls)
	assert.Len(t, pub.messages, 4)
	for i, msg := range pub.messages {
		assert.Equal(t, rabbitmq.EventsExchange, msg.exchange)
		assert.Equal(t, events.PostcardMonitor, msg.routingKey)
		assert.Equal(t, 30*time.Second, msg.delay)
		assert.Equal(t, i+2, msg.task.Attempt)
	}
	assert.Empty(t, repo.chargesFor("pc-1"))
	assert.Zero(t, gw.itemCalls)
}

func TestPostcardMonitor_BillsOnceStatusBecomesBillable(t *testing.T) {
	svc, repo, _ := billingFixture(t)
	repo.postcards["pc-1"].Status = domain.PostcardStatusPending
	pub := &recordingPublisher{}
	m := newTestMonitor(svc, pub, 20)

	require.True(t, m.Poll(context.Background(), events.PostcardMonitorTask{PostcardID: "pc-1", Attempt: 1}))
	require.Len(t, pub.messages, 1)

	repo.postcards["pc-1"].Status = domain.PostcardStatusProcessing
	require.True(t, m.Poll(context.Background(), pub.messages[0].task))

	assert.Len(t, pub.messages, 1, "no further reschedule after billing")
	assert.Len(t, repo.chargesFor("pc-1"), 1)
	assert.True(t, repo.postcards["pc-1"].UsageBilled)
}

func TestPostcardMonitor_StopsWhenAlreadyBilled(t *testing.T) {
	svc, repo, gw := billingFixture(t)
	repo.postcards["pc-1"].UsageBilled = true
	pub := &recordingPublisher{}

	assert.True(t, newTestMonitor(svc, pub, 20).Poll(context.Background(), events.PostcardMonitorTask{PostcardID: "pc-1", Attempt: 3}))
	assert.Empty(t, pub.messages)
	assert.Zero(t, gw.itemCalls)
}

func TestPostcardMonitor_StopsAtMailedStatus(t *testing.T) {
	svc, repo, _ := billingFixture(t)
	repo.postcards["pc-1"].Status = domain.PostcardStatusMailed
	pub := &recordingPublisher{}

	assert.True(t, newTestMonitor(svc, pub, 20).Poll(context.Background(), events.PostcardMonitorTask{PostcardID: "pc-1", Attempt: 1}))
	assert.Empty(t, pub.messages)
}

func TestPostcardMonitor_ReadFailureRetriesNextAttempt(t *testing.T) {
	svc, _, _ := billingFixture(t)
	pub := &recordingPublisher{}

	assert.True(t, newTestMonitor(svc, pub, 20).Poll(context.Background(), events.PostcardMonitorTask{PostcardID: "missing", Attempt: 1}))
	require.Len(t, pub.messages, 1)
	assert.Equal(t, 2, pub.messages[0].task.Attempt)
}

func TestPostcardMonitor_BillingFailureRetriesNextAttempt(t *testing.T) {
	svc, repo, gw := billingFixture(t)
	gw.itemErr = errors.New("stripe down")
	pub := &recordingPublisher{}

	assert.True(t, newTestMonitor(svc, pub, 20).Poll(context.Background(), events.PostcardMonitorTask{PostcardID: "pc-1", Attempt: 1}))
	require.Len(t, pub.messages, 1)
	assert.False(t, repo.postcards["pc-1"].UsageBilled)
}

func TestPostcardMonitor_RequeuesWhenRescheduleFails(t *testing.T) {
	svc, repo, _ := billingFixture(t)
	repo.postcards["pc-1"].Status = domain.PostcardStatusPending
	pub := &recordingPublisher{err: errors.New("channel closed")}

	assert.False(t, newTestMonitor(svc, pub, 20).Poll(context.Background(), events.PostcardMonitorTask{PostcardID: "pc-1", Attempt: 1}))
}

func TestPostcardMonitor_HandleMessage(t *testing.T) {
	svc, repo, _ := billingFixture(t)
	pub := &recordingPublisher{}
	m := newTestMonitor(svc, pub, 20)

	assert.True(t, m.HandleMessage([]byte("not json")), "malformed tasks are dropped")

	body, err := json.Marshal(events.PostcardMonitorTask{PostcardID: "pc-1"})
	require.NoError(t, err)
	assert.True(t, m.HandleMessage(body))
	assert.Len(t, repo.chargesFor("pc-1"), 1)
}
