package channels

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/pkg/protocol"
)

type fakeChannel struct {
	name string

	mu      sync.Mutex
	sent    []bus.OutboundMessage
	starts  int
	deltas  int
	ends    int
	stopped bool
}

func (f *fakeChannel) Name() string                { return f.name }
func (f *fakeChannel) Start(context.Context) error { return nil }
func (f *fakeChannel) Running() bool               { return true }
func (f *fakeChannel) StreamEnabled() bool         { return true }

func (f *fakeChannel) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) OnStreamStart(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeChannel) OnStreamDelta(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas++
	return nil
}

func (f *fakeChannel) OnStreamEnd(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
	return nil
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func startManager(t *testing.T) (*Manager, *bus.MessageBus, *fakeChannel) {
	t.Helper()
	msgBus := bus.NewMessageBus(16)
	m := NewManager(msgBus)
	fake := &fakeChannel{name: "telegram"}
	m.Register(fake)

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	t.Cleanup(func() {
		m.StopAll(context.Background())
		cancel()
	})
	return m, msgBus, fake
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestOutboundRoutedToAdapter(t *testing.T) {
	_, msgBus, fake := startManager(t)

	msgBus.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "hi"})
	waitFor(t, func() bool { return fake.sentCount() == 1 })

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.sent[0].ChatID != "42" || fake.sent[0].Content != "hi" {
		t.Fatalf("sent = %+v", fake.sent[0])
	}
}

func TestInternalAndUnknownChannelsSkipped(t *testing.T) {
	_, msgBus, fake := startManager(t)

	msgBus.PublishOutbound(bus.OutboundMessage{Channel: "webchat", ChatID: "1", Content: "broadcast only"})
	msgBus.PublishOutbound(bus.OutboundMessage{Channel: "slack", ChatID: "1", Content: "nobody home"})
	msgBus.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "1", Content: "real"})

	waitFor(t, func() bool { return fake.sentCount() == 1 })
	if fake.sent[0].Content != "real" {
		t.Fatalf("sent = %+v", fake.sent[0])
	}
}

func TestRunEventsForwardedAsTyping(t *testing.T) {
	_, msgBus, fake := startManager(t)

	route := map[string]interface{}{"channel": "telegram", "chatId": "42"}
	event := func(name string, extra map[string]interface{}) {
		payload := map[string]interface{}{}
		for k, v := range route {
			payload[k] = v
		}
		for k, v := range extra {
			payload[k] = v
		}
		msgBus.Broadcast(bus.Event{Name: name, Payload: payload})
	}

	event(protocol.EventAgent, map[string]interface{}{"type": protocol.AgentEventRunStarted})
	event(protocol.EventChat, map[string]interface{}{"final": false, "content": "del"})
	event(protocol.EventChat, map[string]interface{}{"final": true, "content": "done"})
	event(protocol.EventAgent, map[string]interface{}{"type": protocol.AgentEventRunCompleted})

	waitFor(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return fake.starts == 1 && fake.deltas == 1 && fake.ends == 1
	})
}

func TestEventsWithoutRouteIgnored(t *testing.T) {
	_, msgBus, fake := startManager(t)

	// Webchat-only runs broadcast without a channel route.
	msgBus.Broadcast(bus.Event{Name: protocol.EventChat, Payload: map[string]interface{}{
		"final": false, "content": "x",
	}})
	time.Sleep(50 * time.Millisecond)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.starts != 0 || fake.deltas != 0 {
		t.Fatalf("starts = %d, deltas = %d, want 0", fake.starts, fake.deltas)
	}
}

func TestSendToBypassesBus(t *testing.T) {
	m, _, fake := startManager(t)

	if err := m.SendTo(context.Background(), "telegram", "7", "direct"); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if fake.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", fake.sentCount())
	}
	if err := m.SendTo(context.Background(), "nope", "7", "x"); err == nil {
		t.Fatal("SendTo unknown channel succeeded")
	}
}

func TestSendLimiter(t *testing.T) {
	l := NewSendLimiter(2)
	if !l.Allow("t:1") || !l.Allow("t:1") {
		t.Fatal("first two sends blocked")
	}
	if l.Allow("t:1") {
		t.Fatal("third send within the window allowed")
	}
	if !l.Allow("t:2") {
		t.Fatal("other conversation blocked")
	}
}
