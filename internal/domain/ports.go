package domain

import "context"

// Generator produces a reply from conversation context. Implemented by the
// model provider; the orchestrator never calls the model directly.
type Generator interface {
	Generate(ctx context.Context, agent AgentIdentity, context []StoredMessage) (string, error)
}

// Sender delivers a reply back to the platform. Send-retry policy belongs to
// the implementation, not the core.
type Sender interface {
	Send(ctx context.Context, agent, channelID, content string) error
}

// MessageBus connects per-agent transport connections to per-agent workers.
type MessageBus interface {
	Publish(agent string, msg InboundMessage)
	Subscribe(agent string) <-chan InboundMessage
	SendOutbound(agent string, msg OutboundMessage)
	OnOutbound(agent string, handler func(OutboundMessage))
	Close()
}

// OutboundMessage is a reply on its way to the transport.
type OutboundMessage struct {
	Agent     string
	ChannelID string
	Content   string
}

// Channel is one agent's transport connection (Discord, Telegram). Start
// publishes inbound events to the bus and registers the outbound handler;
// reconnection and heartbeats live inside the platform SDK.
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}
