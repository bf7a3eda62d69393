// Package channels connects external messaging platforms to the gateway.
// Adapters publish raw platform payloads to the message bus; the ingress
// gate normalizes them and applies DM/group policy. Outbound replies come
// back through the manager, which routes them to the owning adapter for
// chunked delivery.
package channels

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/openclaw/openclaw/internal/bus"
)

// internalChannels never receive outbound dispatch. Webchat replies go out
// as gateway broadcasts, not channel sends.
var internalChannels = map[string]bool{
	"webchat":  true,
	"system":   true,
	"subagent": true,
}

// IsInternalChannel reports whether a channel name is an internal surface.
func IsInternalChannel(name string) bool {
	return internalChannels[name]
}

// Channel is one platform adapter.
type Channel interface {
	// Name returns the channel identifier ("telegram", "discord").
	Name() string

	// Start begins receiving platform events. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the adapter down and waits for its receive loop to exit.
	Stop(ctx context.Context) error

	// Send delivers one outbound message, chunked to the platform limit.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// Running reports whether the adapter is connected.
	Running() bool
}

// StreamingChannel is implemented by adapters that can surface live run
// progress to the conversation (typing indicators) while a reply streams.
type StreamingChannel interface {
	Channel

	// StreamEnabled reports whether progress events should be forwarded.
	StreamEnabled() bool
	OnStreamStart(ctx context.Context, chatID string) error
	OnStreamDelta(ctx context.Context, chatID string) error
	OnStreamEnd(ctx context.Context, chatID string) error
}

// BaseChannel carries the state shared by every adapter. Implementations
// embed it.
type BaseChannel struct {
	name string
	bus  *bus.MessageBus

	mu      sync.Mutex
	running bool
}

// NewBaseChannel builds the shared adapter state.
func NewBaseChannel(name string, msgBus *bus.MessageBus) *BaseChannel {
	return &BaseChannel{name: name, bus: msgBus}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// Running reports the adapter's connected state.
func (c *BaseChannel) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// SetRunning updates the connected state.
func (c *BaseChannel) SetRunning(running bool) {
	c.mu.Lock()
	c.running = running
	c.mu.Unlock()
}

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// Publish forwards one raw platform payload to the ingress pipeline.
func (c *BaseChannel) Publish(payload json.RawMessage) bool {
	return c.bus.PublishInbound(bus.InboundMessage{
		Channel:    c.name,
		Payload:    payload,
		ReceivedAt: time.Now().UnixMilli(),
	})
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
