package domain

import "time"

// Channel identifies an external delivery transport.
type Channel string

// Supported channels.
const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelDiscord  Channel = "discord"
	ChannelEmail    Channel = "email"
)

// Valid reports whether the channel is one of the supported transports.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelDiscord, ChannelEmail:
		return true
	}
	return false
}

// MessageStatus represents the lifecycle state of a queued message.
type MessageStatus string

// Message statuses.
const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Terminal reports whether no further dispatcher-driven transition occurs.
func (s MessageStatus) Terminal() bool {
	return s != StatusPending
}

// Priority orders messages within the queue. Lower drains first.
type Priority int

// Priorities.
const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
)

// Valid reports whether the priority is in the supported range.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityNormal
}

// Media references a binary attachment for a message. Either Data (base64
// encoded payload) or URL must be set.
type Media struct {
	Data     string `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Metadata carries arbitrary key-value annotations attached at enqueue time.
// The queue stores and returns it opaquely; only the status tracker appends
// to it (late transport failures).
type Metadata map[string]any

// QueuedMessage is the unit of work of the delivery pipeline.
type QueuedMessage struct {
	ID             string
	RecipientKey   string
	Channel        Channel
	OrganizationID string
	MessageType    string
	Content        string
	Media          *Media
	Metadata       Metadata
	Priority       Priority
	Status         MessageStatus
	Attempts       int
	MaxAttempts    int
	ScheduledFor   *time.Time
	ClaimedAt      *time.Time
	SentAt         *time.Time
	DeliveredAt    *time.Time
	ReadAt         *time.Time
	LastError      string
	// TransportMessageID is the id assigned by the external transport on a
	// successful send, used to correlate delivery callbacks.
	TransportMessageID string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Eligible reports whether the message may be picked up by a dispatcher run:
// still pending, due, and with retry budget left.
func (m *QueuedMessage) Eligible(now time.Time) bool {
	if m.Status != StatusPending {
		return false
	}
	if m.Attempts >= m.MaxAttempts {
		return false
	}
	return m.ScheduledFor == nil || !m.ScheduledFor.After(now)
}
