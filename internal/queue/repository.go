// Package queue implements the outbound notification delivery pipeline:
// durable message queue, priority dispatcher, per-channel rate limiting,
// retry with backoff, delivery-status tracking and digest aggregation.
package queue

import (
	"context"
	"time"

	"github.com/carrierdesk/notify/internal/domain"
)

// SendStats summarizes recent successful sends for one channel, derived from
// sent_at timestamps at read time.
type SendStats struct {
	SentLastMinute int
	SentLastHour   int
	OldestInMinute *time.Time
	OldestInHour   *time.Time
	LastSentAt     *time.Time
}

// QueueStats holds queue row counts by status.
type QueueStats struct {
	Pending   int64
	Sent      int64
	Delivered int64
	Read      int64
	Failed    int64
}

// Repository defines queue store access. The store is the single source of
// truth for message state; all shared state between dispatcher, status
// tracker and digest aggregator lives behind this interface.
type Repository interface {
	// Queue rows
	InsertMessage(ctx context.Context, msg *domain.QueuedMessage) error
	GetMessage(ctx context.Context, id string) (*domain.QueuedMessage, error)
	GetMessageByTransportID(ctx context.Context, transportID string) (*domain.QueuedMessage, error)

	// Dispatch. FetchDispatchable returns eligible rows ordered by priority
	// ascending then scheduled_for/created_at ascending, excluding rows held
	// back for digesting. ClaimMessage atomically marks a row as owned by
	// the current run; false means another run got there first.
	FetchDispatchable(ctx context.Context, now time.Time, limit int) ([]*domain.QueuedMessage, error)
	ClaimMessage(ctx context.Context, id string, now time.Time) (bool, error)
	MarkSent(ctx context.Context, id, transportMessageID string, at time.Time) error
	MarkFailed(ctx context.Context, id, lastError string) error
	// RescheduleRetry consumes one attempt; Reschedule does not (rate-limit
	// blocks and missing-instance conditions are not delivery failures).
	RescheduleRetry(ctx context.Context, id string, at time.Time, lastError string) error
	Reschedule(ctx context.Context, id string, at time.Time) error

	// Status tracking. Timestamp setters are idempotent: an already-set
	// timestamp is left untouched.
	SetSentAt(ctx context.Context, id string, at time.Time) error
	SetDeliveredAt(ctx context.Context, id string, at time.Time) error
	SetReadAt(ctx context.Context, id string, at time.Time) error
	RecordLateFailure(ctx context.Context, id, detail string, at time.Time) error

	// Rate limiting
	ChannelSendStats(ctx context.Context, channel domain.Channel, now time.Time) (SendStats, error)

	// Digest aggregation
	DigestDestinations(ctx context.Context) ([]domain.Destination, error)
	FetchDigestHeld(ctx context.Context, recipientKey string, channel domain.Channel, now time.Time) ([]*domain.QueuedMessage, error)
	MarkDigested(ctx context.Context, ids []string, at time.Time) error
	TouchDigestFlush(ctx context.Context, recipientKey string, channel domain.Channel, at time.Time) error
	GetDestination(ctx context.Context, recipientKey string, channel domain.Channel) (*domain.Destination, error)
	UpsertDestination(ctx context.Context, dest *domain.Destination) error

	// Audit log
	InsertLogEntry(ctx context.Context, entry *domain.NotificationLogEntry) error
	LinkLogEntry(ctx context.Context, id, queueID string) error
	UpdateLogStatus(ctx context.Context, id string, status domain.LogStatus, errDetail string) error

	// Observability
	QueueStats(ctx context.Context) (*QueueStats, error)
}

// InstanceRepository manages the channel instance registry.
type InstanceRepository interface {
	InstanceSource

	CreateInstance(ctx context.Context, inst *domain.ChannelInstance) error
	ListInstances(ctx context.Context) ([]domain.ChannelInstance, error)
	UpdateInstanceState(ctx context.Context, id string, state domain.InstanceState) error
}
