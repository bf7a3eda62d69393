// Package bus decouples channel adapters, the gateway server, and the agent
// runtime. Inbound raw payloads flow from adapters to the ingress consumer;
// outbound messages flow from the run controller back to adapters; events fan
// out to WebSocket subscribers.
package bus

import (
	"context"
	"encoding/json"
)

// InboundMessage is a raw channel payload awaiting normalization.
// The payload follows the channel's ingress schema (see internal/ingress);
// live adapters and RPC chat.ingress both produce this shape.
type InboundMessage struct {
	Channel    string          `json:"channel"`
	AccountID  string          `json:"account_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	RunID      string          `json:"run_id,omitempty"`   // caller-supplied run id (RPC ingress)
	AgentID    string          `json:"agent_id,omitempty"` // explicit agent routing override
	ReceivedAt int64           `json:"received_at"`        // unix ms
}

// OutboundMessage is a message to be delivered by a channel adapter.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	ReplyTo  string            `json:"reply_to,omitempty"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment is a media file sent with an outbound message.
type MediaAttachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// Event is a server-side event broadcast to WebSocket subscribers.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// The gateway server, run controller, and approval engine all hold this
// interface rather than the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between channel
// adapters and the ingress consumer loop.
type MessageRouter interface {
	PublishInbound(msg InboundMessage) bool
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
