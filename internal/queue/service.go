package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/carrierdesk/notify/internal/domain"
	"github.com/carrierdesk/notify/internal/phone"
	"github.com/google/uuid"
)

const defaultMaxAttempts = 3

// EnqueueInput describes one message to queue.
type EnqueueInput struct {
	Recipient      string
	Channel        domain.Channel
	MessageType    string
	Content        string
	Media          *domain.Media
	Metadata       domain.Metadata
	Priority       domain.Priority // zero resolves the messageType default
	ScheduledFor   *time.Time
	MaxAttempts    int // zero uses the service default
	OrganizationID string
}

// AuditEnqueueInput is an EnqueueInput plus the audit trail fields.
type AuditEnqueueInput struct {
	EnqueueInput
	OrderID     string
	TriggerType string
}

// AuditResult links the queue row and its audit log entry.
type AuditResult struct {
	QueueID string `json:"queue_id"`
	LogID   string `json:"log_id"`
}

// BatchOutcome reports the result of one item of a batch enqueue.
type BatchOutcome struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// BatchResult aggregates a batch enqueue for caller-side reporting.
type BatchResult struct {
	Queued  int            `json:"queued"`
	Failed  int            `json:"failed"`
	Results []BatchOutcome `json:"results"`
}

// Service is the enqueue surface consumed by the rest of the application.
type Service struct {
	repo        Repository
	normalizer  *phone.Normalizer
	priorities  map[string]domain.Priority
	maxAttempts int
}

// NewService creates the enqueue service. priorities maps messageType to its
// default priority; unknown types default to normal.
func NewService(repo Repository, normalizer *phone.Normalizer, priorities map[string]domain.Priority, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if priorities == nil {
		priorities = map[string]domain.Priority{}
	}
	return &Service{
		repo:        repo,
		normalizer:  normalizer,
		priorities:  priorities,
		maxAttempts: maxAttempts,
	}
}

// Enqueue validates the recipient, resolves defaults and persists a pending
// row. Returns the generated message id.
func (s *Service) Enqueue(ctx context.Context, input EnqueueInput) (string, error) {
	msg, err := s.buildMessage(input)
	if err != nil {
		return "", err
	}

	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}

	slog.Debug("message enqueued",
		"id", msg.ID,
		"channel", msg.Channel,
		"message_type", msg.MessageType,
		"priority", msg.Priority,
	)

	return msg.ID, nil
}

// EnqueueBatch applies Enqueue to each input independently: one bad recipient
// does not abort the batch.
func (s *Service) EnqueueBatch(ctx context.Context, inputs []EnqueueInput) (BatchResult, error) {
	result := BatchResult{Results: make([]BatchOutcome, 0, len(inputs))}

	for _, input := range inputs {
		id, err := s.Enqueue(ctx, input)
		if err != nil {
			result.Failed++
			result.Results = append(result.Results, BatchOutcome{Error: err.Error()})
			continue
		}
		result.Queued++
		result.Results = append(result.Results, BatchOutcome{ID: id})
	}

	return result, nil
}

// EnqueueWithAudit creates the audit log entry before queueing, so a failure
// to queue is itself recorded rather than lost.
func (s *Service) EnqueueWithAudit(ctx context.Context, input AuditEnqueueInput) (AuditResult, error) {
	entry := &domain.NotificationLogEntry{
		ID:          uuid.NewString(),
		Channel:     input.Channel,
		Recipient:   input.Recipient,
		TriggerType: input.TriggerType,
		OrderID:     input.OrderID,
		Status:      domain.LogQueued,
	}
	if err := s.repo.InsertLogEntry(ctx, entry); err != nil {
		return AuditResult{}, fmt.Errorf("insert log entry: %w", err)
	}

	queueID, err := s.Enqueue(ctx, input.EnqueueInput)
	if err != nil {
		if logErr := s.repo.UpdateLogStatus(ctx, entry.ID, domain.LogFailed, err.Error()); logErr != nil {
			slog.Error("failed to record enqueue failure on log entry", "log_id", entry.ID, "error", logErr)
		}
		return AuditResult{LogID: entry.ID}, err
	}

	if err := s.repo.LinkLogEntry(ctx, entry.ID, queueID); err != nil {
		// Best effort: the queue row is the source of truth, the log entry
		// only mirrors it.
		slog.Error("failed to link log entry to queue row", "log_id", entry.ID, "error", err)
	}

	return AuditResult{QueueID: queueID, LogID: entry.ID}, nil
}

// GetMessage returns a queue row by id.
func (s *Service) GetMessage(ctx context.Context, id string) (*domain.QueuedMessage, error) {
	return s.repo.GetMessage(ctx, id)
}

// QueueStats returns queue row counts by status.
func (s *Service) QueueStats(ctx context.Context) (*QueueStats, error) {
	return s.repo.QueueStats(ctx)
}

// SetDestination creates or updates delivery preferences for one
// recipient/channel pair. Phone-addressed recipients are canonicalized so the
// preference matches the queue's recipient key.
func (s *Service) SetDestination(ctx context.Context, recipient string, channel domain.Channel, digestEnabled bool) (*domain.Destination, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	key, err := s.normalizeRecipient(recipient, channel)
	if err != nil {
		return nil, err
	}

	dest := &domain.Destination{
		RecipientKey:  key,
		Channel:       channel,
		DigestEnabled: digestEnabled,
	}
	if err := s.repo.UpsertDestination(ctx, dest); err != nil {
		return nil, fmt.Errorf("upsert destination: %w", err)
	}
	return dest, nil
}

// GetDestination returns delivery preferences for one recipient/channel pair.
func (s *Service) GetDestination(ctx context.Context, recipient string, channel domain.Channel) (*domain.Destination, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	key, err := s.normalizeRecipient(recipient, channel)
	if err != nil {
		return nil, err
	}
	return s.repo.GetDestination(ctx, key, channel)
}

func (s *Service) buildMessage(input EnqueueInput) (*domain.QueuedMessage, error) {
	if !input.Channel.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, input.Channel)
	}

	recipientKey, err := s.normalizeRecipient(input.Recipient, input.Channel)
	if err != nil {
		return nil, err
	}

	priority := input.Priority
	if priority == 0 {
		priority = s.defaultPriority(input.MessageType)
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("invalid priority %d", priority)
	}

	maxAttempts := input.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}

	return &domain.QueuedMessage{
		ID:             uuid.NewString(),
		RecipientKey:   recipientKey,
		Channel:        input.Channel,
		OrganizationID: input.OrganizationID,
		MessageType:    input.MessageType,
		Content:        input.Content,
		Media:          input.Media,
		Metadata:       input.Metadata,
		Priority:       priority,
		Status:         domain.StatusPending,
		MaxAttempts:    maxAttempts,
		ScheduledFor:   input.ScheduledFor,
	}, nil
}

// normalizeRecipient canonicalizes phone-addressed recipients. Webhook and
// email destinations are passed through: their queue key is the URL/address
// itself.
func (s *Service) normalizeRecipient(raw string, channel domain.Channel) (string, error) {
	if raw == "" {
		return "", ErrInvalidRecipient
	}
	if channel != domain.ChannelWhatsApp {
		return raw, nil
	}

	key, err := s.normalizer.Normalize(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecipient, raw)
	}
	return key, nil
}

func (s *Service) defaultPriority(messageType string) domain.Priority {
	if p, ok := s.priorities[messageType]; ok {
		return p
	}
	return domain.PriorityNormal
}
