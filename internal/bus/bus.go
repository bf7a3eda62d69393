package bus

import (
	"context"
	"log/slog"
	"sync"
)

// MessageBus is the in-process implementation of MessageRouter and
// EventPublisher. Inbound/outbound queues are bounded channels; event
// subscribers are fanned out synchronously (handlers must not block).
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	subMu       sync.RWMutex
	subscribers map[string]EventHandler
}

// NewMessageBus creates a bus with the given queue depth per direction.
// depth <= 0 falls back to 256.
func NewMessageBus(depth int) *MessageBus {
	if depth <= 0 {
		depth = 256
	}
	return &MessageBus{
		inbound:     make(chan InboundMessage, depth),
		outbound:    make(chan OutboundMessage, depth),
		subscribers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a raw channel payload for the ingress consumer.
// Returns false when the queue is full; the caller maps that to a
// 503-class error (webhook ingress) or drops with a warning (adapters).
func (b *MessageBus) PublishInbound(msg InboundMessage) bool {
	select {
	case b.inbound <- msg:
		return true
	default:
		slog.Warn("bus.inbound_full", "channel", msg.Channel)
		return false
	}
}

// ConsumeInbound blocks until an inbound message arrives or ctx is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

// PublishOutbound enqueues a message for channel delivery. Blocks when the
// outbound queue is full: delivery backpressure propagates to the run
// controller rather than silently dropping replies.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// SubscribeOutbound blocks until an outbound message arrives or ctx is cancelled.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}

// Subscribe registers an event handler under an id. Re-subscribing with the
// same id replaces the previous handler.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes an event handler.
func (b *MessageBus) Unsubscribe(id string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers an event to every subscriber. Handlers are invoked
// synchronously; slow consumers buffer on their own side (see gateway.Client).
func (b *MessageBus) Broadcast(event Event) {
	b.subMu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.subMu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
