package domain

import "time"

// InstanceState represents the connection state of a channel instance.
type InstanceState string

// Instance states.
const (
	InstanceConnected    InstanceState = "connected"
	InstanceDisconnected InstanceState = "disconnected"
)

// ChannelInstance is one configured credential/endpoint for a transport.
// The chat-API transport is instance-addressed: an instance must be in the
// connected state before any send through it can succeed. For webhook and
// email transports the instance holds the endpoint or account in use.
type ChannelInstance struct {
	ID        string
	Channel   Channel
	Name      string
	BaseURL   string
	Token     string
	State     InstanceState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the instance can accept sends.
func (i *ChannelInstance) Active() bool {
	return i.State == InstanceConnected
}
