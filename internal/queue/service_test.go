package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/carrierdesk/notify/internal/domain"
	"github.com/carrierdesk/notify/internal/phone"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(repo *memRepo) *Service {
	priorities := map[string]domain.Priority{
		"payment_failed": domain.PriorityCritical,
		"order_shipped":  domain.PriorityHigh,
	}
	return NewService(repo, phone.NewNormalizer(phone.DefaultRule()), priorities, 3)
}

func TestEnqueueNormalizesPhoneRecipient(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	svc := newTestService(repo)

	id, err := svc.Enqueue(ctx, EnqueueInput{
		Recipient:   "(11) 98765-4321",
		Channel:     domain.ChannelWhatsApp,
		MessageType: "order_update",
		Content:     "your order moved",
	})
	require.NoError(t, err)

	msg, err := repo.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "551187654321", msg.RecipientKey)
	assert.Equal(t, domain.StatusPending, msg.Status)
	assert.Equal(t, 3, msg.MaxAttempts)
}

func TestEnqueueEmailRecipientPassesThrough(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	svc := newTestService(repo)

	id, err := svc.Enqueue(ctx, EnqueueInput{
		Recipient:   "ops@example.com",
		Channel:     domain.ChannelEmail,
		MessageType: "order_update",
		Content:     "your order moved",
	})
	require.NoError(t, err)

	msg, err := repo.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", msg.RecipientKey)
}

func TestEnqueuePriorityDefaults(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	svc := newTestService(repo)

	tests := []struct {
		messageType string
		explicit    domain.Priority
		want        domain.Priority
	}{
		{"payment_failed", 0, domain.PriorityCritical},
		{"order_shipped", 0, domain.PriorityHigh},
		{"order_update", 0, domain.PriorityNormal},
		{"payment_failed", domain.PriorityNormal, domain.PriorityNormal},
	}
	for _, tt := range tests {
		id, err := svc.Enqueue(ctx, EnqueueInput{
			Recipient:   "5511987654321",
			Channel:     domain.ChannelWhatsApp,
			MessageType: tt.messageType,
			Content:     "hello",
			Priority:    tt.explicit,
		})
		require.NoError(t, err)
		msg, err := repo.GetMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, tt.want, msg.Priority, "type %s", tt.messageType)
	}
}

func TestEnqueueInvalidRecipient(t *testing.T) {
	svc := newTestService(newMemRepo())

	_, err := svc.Enqueue(context.Background(), EnqueueInput{
		Recipient:   "12345",
		Channel:     domain.ChannelWhatsApp,
		MessageType: "order_update",
		Content:     "hello",
	})
	assert.ErrorIs(t, err, ErrInvalidRecipient)
}

func TestEnqueueInvalidChannel(t *testing.T) {
	svc := newTestService(newMemRepo())

	_, err := svc.Enqueue(context.Background(), EnqueueInput{
		Recipient:   "5511987654321",
		Channel:     domain.Channel("pigeon"),
		MessageType: "order_update",
		Content:     "hello",
	})
	assert.ErrorIs(t, err, ErrInvalidChannel)
}

func TestEnqueueScheduledFor(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	svc := newTestService(repo)

	at := time.Now().Add(2 * time.Hour)
	id, err := svc.Enqueue(ctx, EnqueueInput{
		Recipient:    "5511987654321",
		Channel:      domain.ChannelWhatsApp,
		MessageType:  "order_update",
		Content:      "hello",
		ScheduledFor: &at,
	})
	require.NoError(t, err)

	msg, err := repo.GetMessage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, msg.ScheduledFor)
	assert.True(t, msg.ScheduledFor.Equal(at))
}

func TestEnqueueBatchIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	svc := newTestService(repo)

	result, err := svc.EnqueueBatch(ctx, []EnqueueInput{
		{Recipient: "5511987654321", Channel: domain.ChannelWhatsApp, MessageType: "order_update", Content: "one"},
		{Recipient: "bad", Channel: domain.ChannelWhatsApp, MessageType: "order_update", Content: "two"},
		{Recipient: "5511922222222", Channel: domain.ChannelWhatsApp, MessageType: "order_update", Content: "three"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Queued)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Results, 3)
	assert.NotEmpty(t, result.Results[0].ID)
	assert.NotEmpty(t, result.Results[1].Error)
	assert.NotEmpty(t, result.Results[2].ID)
}

func TestEnqueueWithAuditLinksLogEntry(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	svc := newTestService(repo)

	result, err := svc.EnqueueWithAudit(ctx, AuditEnqueueInput{
		EnqueueInput: EnqueueInput{
			Recipient:   "5511987654321",
			Channel:     domain.ChannelWhatsApp,
			MessageType: "order_shipped",
			Content:     "on the way",
		},
		OrderID:     "ord-42",
		TriggerType: "shipment_event",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.QueueID)
	assert.NotEmpty(t, result.LogID)

	entry := repo.logEntries[result.LogID]
	require.NotNil(t, entry)
	assert.Equal(t, domain.LogQueued, entry.Status)
	assert.Equal(t, "ord-42", entry.OrderID)
	assert.Equal(t, result.QueueID, entry.QueueID, "stored entry must carry the queue id")

	_, err = repo.GetMessage(ctx, result.QueueID)
	assert.NoError(t, err)
}

func TestEnqueueWithAuditRecordsQueueFailure(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	repo.insertErr = errors.New("connection refused")
	svc := newTestService(repo)

	result, err := svc.EnqueueWithAudit(ctx, AuditEnqueueInput{
		EnqueueInput: EnqueueInput{
			Recipient:   "5511987654321",
			Channel:     domain.ChannelWhatsApp,
			MessageType: "order_update",
			Content:     "hello",
		},
		TriggerType: "manual",
	})
	require.Error(t, err)
	assert.Empty(t, result.QueueID)
	require.NotEmpty(t, result.LogID)

	// The failure is mirrored on the audit entry.
	entry := repo.logEntries[result.LogID]
	require.NotNil(t, entry)
	assert.Equal(t, domain.LogFailed, entry.Status)
	assert.Contains(t, entry.Error, "connection refused")
}

func TestSetDestinationNormalizesRecipient(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	svc := newTestService(repo)

	dest, err := svc.SetDestination(ctx, "(11) 98765-4321", domain.ChannelWhatsApp, true)
	require.NoError(t, err)
	assert.Equal(t, "551187654321", dest.RecipientKey)
	assert.True(t, dest.DigestEnabled)

	// Lookup through the un-normalized form resolves the same row.
	got, err := svc.GetDestination(ctx, "11987654321", domain.ChannelWhatsApp)
	require.NoError(t, err)
	assert.True(t, got.DigestEnabled)
}

func TestGetDestinationNotFound(t *testing.T) {
	svc := newTestService(newMemRepo())

	_, err := svc.GetDestination(context.Background(), "5511987654321", domain.ChannelWhatsApp)
	assert.ErrorIs(t, err, ErrDestNotFound)
}
