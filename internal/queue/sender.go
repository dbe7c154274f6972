package queue

import (
	"context"

	"github.com/carrierdesk/notify/internal/domain"
)

// OutboundMessage is the transport-neutral shape handed to a channel sender.
type OutboundMessage struct {
	ID           string
	RecipientKey string
	MessageType  string
	Content      string
	Media        *domain.Media
	Priority     domain.Priority
	Metadata     domain.Metadata
}

// SendResult reports a successful transport call.
type SendResult struct {
	// TransportMessageID is the id the transport assigned to the accepted
	// message, used later to correlate delivery callbacks. May be empty for
	// transports that do not return one.
	TransportMessageID string
}

// Sender delivers messages through one external transport. Implementations
// classify their failures via the IsRetryable() error interface; errors
// without a classification are treated as retryable.
type Sender interface {
	Channel() domain.Channel
	Send(ctx context.Context, msg OutboundMessage) (SendResult, error)
}

// InstanceSource resolves the currently active transport instance for a
// channel. Senders receive it as an explicit dependency rather than reading
// a process-global registry.
type InstanceSource interface {
	ActiveInstance(ctx context.Context, channel domain.Channel) (*domain.ChannelInstance, error)
}
