package cmd

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/openclaw/openclaw/internal/agent"
	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/ingress"
	"github.com/openclaw/openclaw/internal/sessions"
	"github.com/openclaw/openclaw/internal/store/file"
)

type captureSubmitter struct {
	mu   sync.Mutex
	subs []agent.Submission
}

func (c *captureSubmitter) Submit(_ context.Context, sub agent.Submission) (*agent.Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, sub)
	return &agent.Ack{RunID: "run-1", SessionKey: sub.In.SessionKey, Status: agent.AckQueued}, nil
}

func (c *captureSubmitter) snapshot() []agent.Submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]agent.Submission{}, c.subs...)
}

func consumerDM(messageID int, text string) json.RawMessage {
	raw, _ := json.Marshal(map[string]interface{}{
		"message": map[string]interface{}{
			"message_id": messageID,
			"date":       time.Now().Unix(),
			"chat":       map[string]interface{}{"id": 4242, "type": "private"},
			"from":       map[string]interface{}{"id": 4242, "first_name": "Sam"},
			"text":       text,
		},
		"me": map[string]interface{}{"id": 999, "username": "gatewaybot"},
	})
	return raw
}

func waitSubmissions(t *testing.T, sub *captureSubmitter, want int) []agent.Submission {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := sub.snapshot(); len(got) >= want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d submissions, have %d", want, len(sub.snapshot()))
	return nil
}

func TestConsumeInboundDebounceMergesBurst(t *testing.T) {
	cfg := config.Default()
	cfg.Sessions.Storage = t.TempDir()
	cfg.Channels.Telegram.DMPolicy = "open"
	cfg.Gateway.InboundDebounceMs = 60

	reg, err := sessions.NewRegistry(cfg, file.NewSessionStore(t.TempDir(), 0), nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	gate := ingress.NewGate(cfg, reg, nil)
	msgBus := bus.NewMessageBus(16)
	sub := &captureSubmitter{}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go consumeInbound(ctx, cfg, msgBus, gate, sub)

	msgBus.PublishInbound(bus.InboundMessage{Channel: "telegram", Payload: consumerDM(1, "first")})
	msgBus.PublishInbound(bus.InboundMessage{Channel: "telegram", Payload: consumerDM(2, "second")})

	got := waitSubmissions(t, sub, 1)
	time.Sleep(150 * time.Millisecond)
	got = sub.snapshot()
	if len(got) != 1 {
		t.Fatalf("submissions = %d, want 1 merged turn", len(got))
	}
	if got[0].In.Body != "first\nsecond" {
		t.Errorf("merged body = %q, want %q", got[0].In.Body, "first\nsecond")
	}
	if got[0].In.BodyForAgent != "first\nsecond" {
		t.Errorf("bodyForAgent = %q, want merged text", got[0].In.BodyForAgent)
	}
}

func TestConsumeInboundDropsRedeliveredMessage(t *testing.T) {
	cfg := config.Default()
	cfg.Sessions.Storage = t.TempDir()
	cfg.Channels.Telegram.DMPolicy = "open"
	cfg.Gateway.InboundDebounceMs = 30

	reg, err := sessions.NewRegistry(cfg, file.NewSessionStore(t.TempDir(), 0), nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	gate := ingress.NewGate(cfg, reg, nil)
	msgBus := bus.NewMessageBus(16)
	sub := &captureSubmitter{}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go consumeInbound(ctx, cfg, msgBus, gate, sub)

	msgBus.PublishInbound(bus.InboundMessage{Channel: "telegram", Payload: consumerDM(7, "hello")})
	waitSubmissions(t, sub, 1)

	// Adapter reconnect redelivers the same platform message id.
	msgBus.PublishInbound(bus.InboundMessage{Channel: "telegram", Payload: consumerDM(7, "hello")})
	time.Sleep(150 * time.Millisecond)

	if got := sub.snapshot(); len(got) != 1 {
		t.Fatalf("submissions after redelivery = %d, want 1", len(got))
	}
}
