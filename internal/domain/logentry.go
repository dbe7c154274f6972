package domain

import "time"

// LogStatus mirrors the queue outcome on the audit log entry.
type LogStatus string

// Log statuses.
const (
	LogQueued LogStatus = "queued"
	LogSent   LogStatus = "sent"
	LogFailed LogStatus = "failed"
)

// NotificationLogEntry is the audit twin of a queued message. It is created
// at the enqueue boundary (before the queue row, so failures to queue are
// themselves recorded) and updated only at the enqueue/outcome boundary,
// never by the dispatcher directly.
type NotificationLogEntry struct {
	ID          string
	QueueID     string
	Channel     Channel
	Recipient   string
	TriggerType string
	OrderID     string
	Status      LogStatus
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
