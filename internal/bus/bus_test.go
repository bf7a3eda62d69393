package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// TestInboundRoundTrip verifies a published inbound message is consumed intact.
func TestInboundRoundTrip(t *testing.T) {
	b := NewMessageBus(4)

	in := InboundMessage{Channel: "telegram", Payload: json.RawMessage(`{"x":1}`), ReceivedAt: 42}
	if !b.PublishInbound(in) {
		t.Fatal("PublishInbound returned false on empty bus")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("ConsumeInbound returned false")
	}
	if got.Channel != "telegram" || got.ReceivedAt != 42 {
		t.Fatalf("got %+v, want channel=telegram receivedAt=42", got)
	}
}

// TestInboundQueueFull verifies PublishInbound reports backpressure instead
// of blocking when the queue is at capacity.
func TestInboundQueueFull(t *testing.T) {
	b := NewMessageBus(1)
	if !b.PublishInbound(InboundMessage{Channel: "a"}) {
		t.Fatal("first publish should succeed")
	}
	if b.PublishInbound(InboundMessage{Channel: "b"}) {
		t.Fatal("second publish should report queue full")
	}
}

// TestConsumeInboundCancel verifies ConsumeInbound unblocks on context cancel.
func TestConsumeInboundCancel(t *testing.T) {
	b := NewMessageBus(1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := b.ConsumeInbound(ctx)
		done <- ok
	}()

	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("ConsumeInbound returned ok=true after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("ConsumeInbound did not unblock after cancel")
	}
}

// TestBroadcastFanOut verifies every subscriber sees each event and that
// unsubscribed handlers stop receiving.
func TestBroadcastFanOut(t *testing.T) {
	b := NewMessageBus(1)

	var mu sync.Mutex
	counts := map[string]int{}
	sub := func(id string) {
		b.Subscribe(id, func(Event) {
			mu.Lock()
			counts[id]++
			mu.Unlock()
		})
	}
	sub("a")
	sub("b")

	b.Broadcast(Event{Name: "chat"})
	b.Unsubscribe("b")
	b.Broadcast(Event{Name: "chat"})

	mu.Lock()
	defer mu.Unlock()
	if counts["a"] != 2 {
		t.Fatalf("subscriber a saw %d events, want 2", counts["a"])
	}
	if counts["b"] != 1 {
		t.Fatalf("subscriber b saw %d events, want 1", counts["b"])
	}
}
