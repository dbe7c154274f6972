// Package postgres provides the PostgreSQL implementation of the queue
// repositories.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/carrierdesk/notify/internal/domain"
	"github.com/carrierdesk/notify/internal/queue"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// claimStaleAfter is how long a claim on a pending row stays valid. A claim
// older than this belongs to a run that died mid-send; the row becomes
// dispatchable again.
const claimStaleAfter = 2 * time.Minute

// Repository implements queue.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL queue repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const messageColumns = `
	id, recipient_key, channel, organization_id, message_type, content,
	media, metadata, priority, status, attempts, max_attempts,
	scheduled_for, claimed_at, sent_at, delivered_at, read_at,
	last_error, transport_message_id, created_at, updated_at
`

// InsertMessage persists a new queue row.
func (r *Repository) InsertMessage(ctx context.Context, msg *domain.QueuedMessage) error {
	media, err := marshalMedia(msg.Media)
	if err != nil {
		return err
	}
	metadata, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO outbound_messages (
			id, recipient_key, channel, organization_id, message_type, content,
			media, metadata, priority, status, attempts, max_attempts, scheduled_for
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		msg.ID,
		msg.RecipientKey,
		msg.Channel,
		msg.OrganizationID,
		msg.MessageType,
		msg.Content,
		media,
		metadata,
		msg.Priority,
		msg.Status,
		msg.Attempts,
		msg.MaxAttempts,
		msg.ScheduledFor,
	).Scan(&msg.CreatedAt, &msg.UpdatedAt)
}

// GetMessage retrieves a queue row by id.
func (r *Repository) GetMessage(ctx context.Context, id string) (*domain.QueuedMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM outbound_messages WHERE id = $1`
	msg, err := scanMessage(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrMessageNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// GetMessageByTransportID retrieves a queue row by its transport-assigned id.
func (r *Repository) GetMessageByTransportID(ctx context.Context, transportID string) (*domain.QueuedMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM outbound_messages WHERE transport_message_id = $1`
	msg, err := scanMessage(r.db.QueryRow(ctx, query, transportID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrMessageNotFound
		}
		return nil, fmt.Errorf("get message by transport id: %w", err)
	}
	return msg, nil
}

// FetchDispatchable returns pending rows that are due, still have retry
// budget, are not claimed by a live run, and are not held back for a digest
// destination. Ordering is priority first, then due time.
func (r *Repository) FetchDispatchable(ctx context.Context, now time.Time, limit int) ([]*domain.QueuedMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM outbound_messages m
		WHERE m.status = 'pending'
		  AND m.attempts < m.max_attempts
		  AND (m.scheduled_for IS NULL OR m.scheduled_for <= $1)
		  AND (m.claimed_at IS NULL OR m.claimed_at < $2)
		  AND NOT EXISTS (
			SELECT 1 FROM destinations d
			WHERE d.recipient_key = m.recipient_key
			  AND d.channel = m.channel
			  AND d.digest_enabled
			  AND m.priority = 3
		  )
		ORDER BY m.priority ASC, COALESCE(m.scheduled_for, m.created_at) ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, now, now.Add(-claimStaleAfter), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch dispatchable: %w", err)
	}
	defer rows.Close()

	msgs := make([]*domain.QueuedMessage, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// ClaimMessage marks a pending row as owned by the current run. Returns
// false if the row is gone, no longer pending, or claimed by a live run.
func (r *Repository) ClaimMessage(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `
		UPDATE outbound_messages
		SET claimed_at = $2, updated_at = NOW()
		WHERE id = $1
		  AND status = 'pending'
		  AND (claimed_at IS NULL OR claimed_at < $3)
	`
	result, err := r.db.Exec(ctx, query, id, now, now.Add(-claimStaleAfter))
	if err != nil {
		return false, fmt.Errorf("claim message: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// MarkSent records a successful send and releases the claim.
func (r *Repository) MarkSent(ctx context.Context, id, transportMessageID string, at time.Time) error {
	query := `
		UPDATE outbound_messages
		SET status = 'sent', sent_at = $3, transport_message_id = $2,
		    last_error = '', claimed_at = NULL, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, transportMessageID, at)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrMessageNotFound
	}
	return nil
}

// MarkFailed records a terminal failure and releases the claim.
func (r *Repository) MarkFailed(ctx context.Context, id, lastError string) error {
	query := `
		UPDATE outbound_messages
		SET status = 'failed', last_error = $2, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, lastError)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrMessageNotFound
	}
	return nil
}

// RescheduleRetry pushes a row into the future and consumes one attempt.
func (r *Repository) RescheduleRetry(ctx context.Context, id string, at time.Time, lastError string) error {
	query := `
		UPDATE outbound_messages
		SET attempts = attempts + 1, scheduled_for = $2, last_error = $3,
		    claimed_at = NULL, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, at, lastError)
	if err != nil {
		return fmt.Errorf("reschedule retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrMessageNotFound
	}
	return nil
}

// Reschedule pushes a row into the future without consuming an attempt.
func (r *Repository) Reschedule(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE outbound_messages
		SET scheduled_for = $2, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("reschedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrMessageNotFound
	}
	return nil
}

// SetSentAt records the sent timestamp if not already set and upgrades a
// pending row to sent. Later statuses are never downgraded.
func (r *Repository) SetSentAt(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE outbound_messages
		SET sent_at = COALESCE(sent_at, $2),
		    status = CASE WHEN status = 'pending' THEN 'sent' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("set sent_at: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrMessageNotFound
	}
	return nil
}

// SetDeliveredAt records the delivered timestamp if not already set.
func (r *Repository) SetDeliveredAt(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE outbound_messages
		SET delivered_at = COALESCE(delivered_at, $2),
		    sent_at = COALESCE(sent_at, $2),
		    status = CASE WHEN status IN ('pending', 'sent') THEN 'delivered' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("set delivered_at: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrMessageNotFound
	}
	return nil
}

// SetReadAt records the read timestamp if not already set.
func (r *Repository) SetReadAt(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE outbound_messages
		SET read_at = COALESCE(read_at, $2),
		    delivered_at = COALESCE(delivered_at, $2),
		    sent_at = COALESCE(sent_at, $2),
		    status = CASE WHEN status IN ('pending', 'sent', 'delivered') THEN 'read' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("set read_at: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrMessageNotFound
	}
	return nil
}

// RecordLateFailure annotates a row's metadata with a transport failure that
// arrived after the send was already accepted. The row's status is left as
// is.
func (r *Repository) RecordLateFailure(ctx context.Context, id, detail string, at time.Time) error {
	query := `
		UPDATE outbound_messages
		SET metadata = COALESCE(metadata, '{}'::jsonb)
		  || jsonb_build_object('late_failure', $2::text, 'late_failure_at', $3::timestamptz),
		    updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, detail, at)
	if err != nil {
		return fmt.Errorf("record late failure: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrMessageNotFound
	}
	return nil
}

// ChannelSendStats derives send-rate counters for a channel from sent_at
// timestamps.
func (r *Repository) ChannelSendStats(ctx context.Context, channel domain.Channel, now time.Time) (queue.SendStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE sent_at > $2 - interval '1 minute'),
			COUNT(*) FILTER (WHERE sent_at > $2 - interval '1 hour'),
			MIN(sent_at) FILTER (WHERE sent_at > $2 - interval '1 minute'),
			MIN(sent_at) FILTER (WHERE sent_at > $2 - interval '1 hour'),
			MAX(sent_at)
		FROM outbound_messages
		WHERE channel = $1 AND sent_at IS NOT NULL
	`
	var stats queue.SendStats
	err := r.db.QueryRow(ctx, query, channel, now).Scan(
		&stats.SentLastMinute,
		&stats.SentLastHour,
		&stats.OldestInMinute,
		&stats.OldestInHour,
		&stats.LastSentAt,
	)
	if err != nil {
		return queue.SendStats{}, fmt.Errorf("channel send stats: %w", err)
	}
	return stats, nil
}

// DigestDestinations lists destinations with digesting enabled.
func (r *Repository) DigestDestinations(ctx context.Context) ([]domain.Destination, error) {
	query := `
		SELECT recipient_key, channel, digest_enabled, last_digest_at, created_at, updated_at
		FROM destinations
		WHERE digest_enabled = true
		ORDER BY recipient_key, channel
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("digest destinations: %w", err)
	}
	defer rows.Close()

	dests := make([]domain.Destination, 0)
	for rows.Next() {
		var d domain.Destination
		if err := rows.Scan(&d.RecipientKey, &d.Channel, &d.DigestEnabled, &d.LastDigestAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		dests = append(dests, d)
	}
	return dests, rows.Err()
}

// FetchDigestHeld returns the normal-priority pending rows held back for one
// digest destination, oldest first. Rows scheduled for the future are not yet
// due and stay out of the digest.
func (r *Repository) FetchDigestHeld(ctx context.Context, recipientKey string, channel domain.Channel, now time.Time) ([]*domain.QueuedMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM outbound_messages
		WHERE recipient_key = $1 AND channel = $2
		  AND status = 'pending' AND priority = 3
		  AND (scheduled_for IS NULL OR scheduled_for <= $3)
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, recipientKey, channel, now)
	if err != nil {
		return nil, fmt.Errorf("fetch digest held: %w", err)
	}
	defer rows.Close()

	msgs := make([]*domain.QueuedMessage, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// MarkDigested marks rows as sent through a digest.
func (r *Repository) MarkDigested(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE outbound_messages
		SET status = 'sent', digested_at = $2, sent_at = COALESCE(sent_at, $2),
		    claimed_at = NULL, updated_at = NOW()
		WHERE id = ANY($1)
	`
	if _, err := r.db.Exec(ctx, query, ids, at); err != nil {
		return fmt.Errorf("mark digested: %w", err)
	}
	return nil
}

// TouchDigestFlush records the time of the last digest flush for a
// destination.
func (r *Repository) TouchDigestFlush(ctx context.Context, recipientKey string, channel domain.Channel, at time.Time) error {
	query := `
		UPDATE destinations
		SET last_digest_at = $3, updated_at = NOW()
		WHERE recipient_key = $1 AND channel = $2
	`
	if _, err := r.db.Exec(ctx, query, recipientKey, channel, at); err != nil {
		return fmt.Errorf("touch digest flush: %w", err)
	}
	return nil
}

// GetDestination retrieves delivery preferences for one recipient/channel
// pair.
func (r *Repository) GetDestination(ctx context.Context, recipientKey string, channel domain.Channel) (*domain.Destination, error) {
	query := `
		SELECT recipient_key, channel, digest_enabled, last_digest_at, created_at, updated_at
		FROM destinations
		WHERE recipient_key = $1 AND channel = $2
	`
	var d domain.Destination
	err := r.db.QueryRow(ctx, query, recipientKey, channel).Scan(
		&d.RecipientKey, &d.Channel, &d.DigestEnabled, &d.LastDigestAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrDestNotFound
		}
		return nil, fmt.Errorf("get destination: %w", err)
	}
	return &d, nil
}

// UpsertDestination creates or updates delivery preferences.
func (r *Repository) UpsertDestination(ctx context.Context, dest *domain.Destination) error {
	query := `
		INSERT INTO destinations (recipient_key, channel, digest_enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (recipient_key, channel)
		DO UPDATE SET digest_enabled = EXCLUDED.digest_enabled, updated_at = NOW()
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query, dest.RecipientKey, dest.Channel, dest.DigestEnabled).
		Scan(&dest.CreatedAt, &dest.UpdatedAt)
}

// InsertLogEntry persists an audit log entry.
func (r *Repository) InsertLogEntry(ctx context.Context, entry *domain.NotificationLogEntry) error {
	query := `
		INSERT INTO notification_log (id, queue_id, channel, recipient, trigger_type, order_id, status, error)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		entry.ID,
		entry.QueueID,
		entry.Channel,
		entry.Recipient,
		entry.TriggerType,
		entry.OrderID,
		entry.Status,
		entry.Error,
	).Scan(&entry.CreatedAt, &entry.UpdatedAt)
}

// LinkLogEntry records the queue row an audit log entry belongs to.
func (r *Repository) LinkLogEntry(ctx context.Context, id, queueID string) error {
	query := `
		UPDATE notification_log
		SET queue_id = $2, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, queueID)
	if err != nil {
		return fmt.Errorf("link log entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrMessageNotFound
	}
	return nil
}

// UpdateLogStatus updates the outcome of an audit log entry.
func (r *Repository) UpdateLogStatus(ctx context.Context, id string, status domain.LogStatus, errDetail string) error {
	query := `
		UPDATE notification_log
		SET status = $2, error = $3, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, status, errDetail)
	if err != nil {
		return fmt.Errorf("update log status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrMessageNotFound
	}
	return nil
}

// QueueStats returns row counts by status.
func (r *Repository) QueueStats(ctx context.Context) (*queue.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'delivered'),
			COUNT(*) FILTER (WHERE status = 'read'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM outbound_messages
	`
	var stats queue.QueueStats
	err := r.db.QueryRow(ctx, query).Scan(
		&stats.Pending, &stats.Sent, &stats.Delivered, &stats.Read, &stats.Failed,
	)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return &stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.QueuedMessage, error) {
	var (
		msg      domain.QueuedMessage
		media    []byte
		metadata []byte
	)
	err := row.Scan(
		&msg.ID,
		&msg.RecipientKey,
		&msg.Channel,
		&msg.OrganizationID,
		&msg.MessageType,
		&msg.Content,
		&media,
		&metadata,
		&msg.Priority,
		&msg.Status,
		&msg.Attempts,
		&msg.MaxAttempts,
		&msg.ScheduledFor,
		&msg.ClaimedAt,
		&msg.SentAt,
		&msg.DeliveredAt,
		&msg.ReadAt,
		&msg.LastError,
		&msg.TransportMessageID,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(media) > 0 {
		msg.Media = &domain.Media{}
		if err := json.Unmarshal(media, msg.Media); err != nil {
			return nil, fmt.Errorf("unmarshal media: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &msg, nil
}

func marshalMedia(m *domain.Media) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal media: %w", err)
	}
	return b, nil
}

func marshalMetadata(m domain.Metadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}
