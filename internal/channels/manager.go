package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/pkg/protocol"
)

const managerSubscriberID = "channels.manager"

// Manager owns the registered adapters: lifecycle, outbound dispatch, and
// forwarding of run progress events to streaming channels.
type Manager struct {
	bus     *bus.MessageBus
	limiter *SendLimiter

	mu       sync.RWMutex
	channels map[string]Channel
	cancel   context.CancelFunc
}

// NewManager creates a channel manager. Adapters register via Register.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		bus:      msgBus,
		limiter:  NewSendLimiter(0),
		channels: make(map[string]Channel),
	}
}

// Register adds an adapter under its name.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	m.channels[ch.Name()] = ch
	m.mu.Unlock()
}

// Unregister removes an adapter.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	delete(m.channels, name)
	m.mu.Unlock()
}

// Get returns an adapter by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// StartAll starts the outbound dispatcher, the progress event forwarder,
// and every registered adapter. The dispatcher runs even with no adapters
// registered. Returns the first adapter start error; the rest keep running.
func (m *Manager) StartAll(ctx context.Context) error {
	dispatchCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	started := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		started[name] = ch
	}
	m.mu.Unlock()

	go m.dispatchOutbound(dispatchCtx)
	m.bus.Subscribe(managerSubscriberID, m.handleRunEvent)

	if len(started) == 0 {
		slog.Warn("channels.none_enabled")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, ch := range started {
		name, ch := name, ch
		g.Go(func() error {
			if err := ch.Start(gctx); err != nil {
				return fmt.Errorf("start %s: %w", name, err)
			}
			slog.Info("channel.started", "channel", name)
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops the dispatcher and every adapter.
func (m *Manager) StopAll(ctx context.Context) error {
	m.bus.Unsubscribe(managerSubscriberID)

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	stopping := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		stopping[name] = ch
	}
	m.mu.Unlock()

	for name, ch := range stopping {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("channel.stop_failed", "channel", name, "error", err)
		}
	}
	return nil
}

// dispatchOutbound consumes outbound messages from the bus and routes each
// to its adapter. Internal surfaces and flooded conversations are skipped.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		if IsInternalChannel(msg.Channel) || msg.Content == "" {
			continue
		}

		ch, exists := m.Get(msg.Channel)
		if !exists {
			slog.Warn("channels.unknown_outbound", "channel", msg.Channel)
			continue
		}
		if !m.limiter.Allow(msg.Channel + ":" + msg.ChatID) {
			slog.Warn("channels.send_rate_limited", "channel", msg.Channel, "chat_id", msg.ChatID)
			continue
		}

		if err := ch.Send(ctx, msg); err != nil {
			slog.Error("channels.send_failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		}
	}
}

// handleRunEvent forwards run progress to streaming channels as typing
// signals. Called from the bus broadcast path — must not block.
func (m *Manager) handleRunEvent(event bus.Event) {
	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		return
	}
	channel, _ := payload["channel"].(string)
	chatID, _ := payload["chatId"].(string)
	if channel == "" || chatID == "" || IsInternalChannel(channel) {
		return
	}

	ch, exists := m.Get(channel)
	if !exists {
		return
	}
	sc, ok := ch.(StreamingChannel)
	if !ok || !sc.StreamEnabled() {
		return
	}

	ctx := context.Background()
	switch event.Name {
	case protocol.EventAgent:
		switch payload["type"] {
		case protocol.AgentEventRunStarted:
			if err := sc.OnStreamStart(ctx, chatID); err != nil {
				slog.Debug("channels.stream_start_failed", "channel", channel, "error", err)
			}
		case protocol.AgentEventRunCompleted, protocol.AgentEventRunFailed, protocol.AgentEventRunAborted:
			if err := sc.OnStreamEnd(ctx, chatID); err != nil {
				slog.Debug("channels.stream_end_failed", "channel", channel, "error", err)
			}
		}
	case protocol.EventChat:
		if final, _ := payload["final"].(bool); !final {
			if err := sc.OnStreamDelta(ctx, chatID); err != nil {
				slog.Debug("channels.stream_delta_failed", "channel", channel, "error", err)
			}
		}
	}
}

// SendTo delivers a message to one channel directly, bypassing the bus.
func (m *Manager) SendTo(ctx context.Context, channel, chatID, content string) error {
	ch, exists := m.Get(channel)
	if !exists {
		return fmt.Errorf("channel %s not found", channel)
	}
	return ch.Send(ctx, bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: content})
}

// Status reports each adapter's running state.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ch.Running()
	}
	return status
}
