package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/carrierdesk/notify/internal/domain"
)

// StatusCallback is one delivery-status update from the transport, keyed by
// either the transport's message id or the internal queue id.
type StatusCallback struct {
	TransportMessageID string
	QueueID            string
	Status             domain.MessageStatus
	Timestamp          time.Time
	ErrorDetail        string
}

// Tracker ingests asynchronous delivery callbacks and updates the queue
// store. It is one of the two processes permitted to transition a row.
type Tracker struct {
	repo Repository
}

// NewTracker creates a status tracker.
func NewTracker(repo Repository) *Tracker {
	return &Tracker{repo: repo}
}

// Apply processes one callback. Timestamps are set idempotently: callbacks
// may arrive more than once and a repeat is a no-op, not an error. Unknown
// ids are logged and dropped; the public status endpoint still reports
// success, so the callback source does not retry-storm us.
func (t *Tracker) Apply(ctx context.Context, cb StatusCallback) error {
	msg, err := t.resolve(ctx, cb)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			slog.Warn("status callback for unknown message",
				"transport_message_id", cb.TransportMessageID,
				"queue_id", cb.QueueID,
				"status", cb.Status,
			)
			recordStatusCallback("unknown")
			return nil
		}
		return fmt.Errorf("resolve callback target: %w", err)
	}

	at := cb.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	switch cb.Status {
	case domain.StatusSent:
		err = t.repo.SetSentAt(ctx, msg.ID, at)
	case domain.StatusDelivered:
		err = t.repo.SetDeliveredAt(ctx, msg.ID, at)
	case domain.StatusRead:
		err = t.repo.SetReadAt(ctx, msg.ID, at)
	case domain.StatusFailed:
		err = t.applyFailure(ctx, msg, cb, at)
	default:
		slog.Warn("status callback with unknown status", "id", msg.ID, "status", cb.Status)
		recordStatusCallback("unknown_status")
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply %s callback: %w", cb.Status, err)
	}

	recordStatusCallback(string(cb.Status))
	slog.Debug("status callback applied", "id", msg.ID, "status", cb.Status)
	return nil
}

// applyFailure handles a failed callback. A message the transport already
// accepted is not re-queued: the late failure is recorded in metadata and
// the status stays as-is.
func (t *Tracker) applyFailure(ctx context.Context, msg *domain.QueuedMessage, cb StatusCallback, at time.Time) error {
	if msg.Status == domain.StatusPending {
		// The dispatcher owns pending-row failures; a transport-side failed
		// callback before any accepted send is only recorded.
		slog.Warn("failed callback for pending message", "id", msg.ID, "detail", cb.ErrorDetail)
	}
	return t.repo.RecordLateFailure(ctx, msg.ID, cb.ErrorDetail, at)
}

func (t *Tracker) resolve(ctx context.Context, cb StatusCallback) (*domain.QueuedMessage, error) {
	if cb.TransportMessageID != "" {
		msg, err := t.repo.GetMessageByTransportID(ctx, cb.TransportMessageID)
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, ErrMessageNotFound) {
			return nil, err
		}
		// Fall through to the queue id, callbacks may carry either.
	}
	if cb.QueueID != "" {
		return t.repo.GetMessage(ctx, cb.QueueID)
	}
	return nil, ErrMessageNotFound
}
