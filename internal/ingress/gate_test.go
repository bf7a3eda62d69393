package ingress

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/sessions"
)

type memSessionStore struct{}

func (memSessionStore) LoadAll() (map[string]*sessions.Entry, error) { return nil, nil }
func (memSessionStore) Put(string, *sessions.Entry) error            { return nil }
func (memSessionStore) Delete(string) error                          { return nil }
func (memSessionStore) Flush() error                                 { return nil }

type fakePairing struct {
	issued map[string]string
}

func (f *fakePairing) IssueCode(channel, senderID, meta string) (string, error) {
	if f.issued == nil {
		f.issued = make(map[string]string)
	}
	code := "PAIR" + senderID
	f.issued[channel+":"+senderID] = code
	return code, nil
}

func newTestGate(t *testing.T, cfg *config.Config, pairing PairingIssuer) *Gate {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	reg, err := sessions.NewRegistry(cfg, memSessionStore{}, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return NewGate(cfg, reg, pairing)
}

func telegramDM(senderID int64, text, extra string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"message": {
			"message_id": 1001,
			"chat": {"id": %d, "type": "private"},
			"from": {"id": %d},
			"text": %q
		},
		"me": {"id": 999001, "username": "moltbot_test_bot"}%s
	}`, senderID, senderID, text, extra))
}

func TestProcessOpenDMAccepted(t *testing.T) {
	g := newTestGate(t, nil, nil)

	out := g.Process("telegram", telegramDM(4242002, "status update",
		`, "allowFrom": [4242002], "dmPolicy": "open"`))
	if out.Status != StatusAccepted {
		t.Fatalf("status = %q (reason %q), want accepted", out.Status, out.Reason)
	}
	if out.Ctx.SessionKey != "agent:main:telegram:dm:4242002" {
		t.Fatalf("sessionKey = %q, want %q", out.Ctx.SessionKey, "agent:main:telegram:dm:4242002")
	}
	if out.Ctx.BodyForAgent != "status update" {
		t.Fatalf("BodyForAgent = %q, want %q", out.Ctx.BodyForAgent, "status update")
	}
}

func TestProcessPairingDMBlocked(t *testing.T) {
	pairing := &fakePairing{}
	g := newTestGate(t, nil, pairing)

	out := g.Process("telegram", telegramDM(4242002, "hello",
		`, "allowFrom": [], "dmPolicy": "pairing"`))
	if out.Status != StatusBlocked || out.Reason != ReasonPolicy {
		t.Fatalf("outcome = %q/%q, want blocked/policy", out.Status, out.Reason)
	}
	if out.PairingCode == "" {
		t.Fatal("pairing DM blocked without issuing a code")
	}
}

func TestProcessAllowlistDM(t *testing.T) {
	cfg := config.Default()
	cfg.Channels.Telegram.DMPolicy = "allowlist"
	cfg.Channels.Telegram.AllowFrom = []string{"4242002"}
	g := newTestGate(t, cfg, nil)

	if out := g.Process("telegram", telegramDM(4242002, "hi", "")); out.Status != StatusAccepted {
		t.Fatalf("allowlisted sender blocked: %q/%q", out.Status, out.Reason)
	}
	if out := g.Process("telegram", telegramDM(777, "hi", "")); out.Status != StatusBlocked {
		t.Fatalf("unknown sender accepted under allowlist")
	}
}

func TestProcessDisabledDM(t *testing.T) {
	g := newTestGate(t, nil, nil)
	out := g.Process("telegram", telegramDM(1, "hi", `, "dmPolicy": "disabled"`))
	if out.Status != StatusBlocked || out.Reason != ReasonPolicy {
		t.Fatalf("outcome = %q/%q, want blocked/policy", out.Status, out.Reason)
	}
}

func TestProcessUnknownChannel(t *testing.T) {
	g := newTestGate(t, nil, nil)
	out := g.Process("carrier-pigeon", json.RawMessage(`{}`))
	if out.Status != StatusBlocked || out.Reason != ReasonUnknownChannel {
		t.Fatalf("outcome = %q/%q, want blocked/unknown-channel", out.Status, out.Reason)
	}
}

func TestProcessUnparseable(t *testing.T) {
	g := newTestGate(t, nil, nil)
	out := g.Process("telegram", json.RawMessage(`{"message": null}`))
	if out.Status != StatusBlocked || out.Reason != ReasonUnparseable {
		t.Fatalf("outcome = %q/%q, want blocked/unparseable", out.Status, out.Reason)
	}
}

func telegramGroup(text string, entities string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"message": {
			"message_id": 7,
			"chat": {"id": -100123, "type": "supergroup", "title": "ops"},
			"from": {"id": 4242002, "first_name": "Ada"},
			"text": %q%s
		},
		"me": {"id": 999001, "username": "moltbot_test_bot"},
		"dmPolicy": "open"
	}`, text, entities))
}

func TestProcessGroupMentionGating(t *testing.T) {
	g := newTestGate(t, nil, nil)

	// No mention: blocked, recorded into group history.
	out := g.Process("telegram", telegramGroup("just chatting", ""))
	if out.Status != StatusBlocked || out.Reason != ReasonNotActivated {
		t.Fatalf("outcome = %q/%q, want blocked/not-activated", out.Status, out.Reason)
	}
	if g.History().Len("-100123") != 1 {
		t.Fatalf("history len = %d, want 1", g.History().Len("-100123"))
	}

	// Mention entity: accepted.
	out = g.Process("telegram", telegramGroup("@moltbot_test_bot run the report",
		`, "entities": [{"type": "mention", "offset": 0, "length": 17}]`))
	if out.Status != StatusAccepted {
		t.Fatalf("mentioned turn blocked: %q/%q", out.Status, out.Reason)
	}
	if !out.Ctx.WasMentioned {
		t.Fatal("WasMentioned = false for mention entity")
	}
	if out.Ctx.SessionKey != "agent:main:telegram:group:-100123" {
		t.Fatalf("sessionKey = %q", out.Ctx.SessionKey)
	}
}

func TestProcessGroupActivationAlways(t *testing.T) {
	cfg := config.Default()
	reg, err := sessions.NewRegistry(cfg, memSessionStore{}, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	g := NewGate(cfg, reg, nil)

	key := "agent:main:telegram:group:-100123"
	reg.GetOrCreate(key, sessions.Entry{Channel: "telegram", ChatType: "group"})
	if err := reg.Patch(key, func(e *sessions.Entry) {
		e.GroupActivation = sessions.ActivationAlways
	}); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	out := g.Process("telegram", telegramGroup("no mention needed", ""))
	if out.Status != StatusAccepted {
		t.Fatalf("activation=always turn blocked: %q/%q", out.Status, out.Reason)
	}
}

func TestProcessGroupAllowlist(t *testing.T) {
	cfg := config.Default()
	cfg.Channels.Telegram.GroupPolicy = "allowlist"
	cfg.Channels.Telegram.GroupAllowFrom = []string{"-100999"}
	g := newTestGate(t, cfg, nil)

	out := g.Process("telegram", telegramGroup("@moltbot_test_bot hi",
		`, "entities": [{"type": "mention", "offset": 0, "length": 17}]`))
	if out.Status != StatusBlocked || out.Reason != ReasonPolicy {
		t.Fatalf("non-allowlisted group = %q/%q, want blocked/policy", out.Status, out.Reason)
	}
}

func TestProcessCommandSplit(t *testing.T) {
	g := newTestGate(t, nil, nil)
	out := g.Process("telegram", telegramDM(4242002, "/think high", `, "dmPolicy": "open"`))
	if out.Status != StatusAccepted {
		t.Fatalf("command turn blocked: %q/%q", out.Status, out.Reason)
	}
	if out.Ctx.BodyForAgent != "" {
		t.Fatalf("BodyForAgent = %q, want empty for pure command", out.Ctx.BodyForAgent)
	}
	if out.Ctx.BodyForCommands != "/think high" {
		t.Fatalf("BodyForCommands = %q, want %q", out.Ctx.BodyForCommands, "/think high")
	}
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		agent    string
		commands string
	}{
		{"plain text", "hello there", "hello there", "hello there"},
		{"pure command", "/new", "", "/new"},
		{"command with args", "/think high", "", "/think high"},
		{"command then prose", "/think high\nsummarize the log", "summarize the log", "/think high\nsummarize the log"},
		{"leading space", "  /stop  ", "", "/stop"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent, commands := SplitCommand(tt.body)
			if agent != tt.agent {
				t.Fatalf("BodyForAgent = %q, want %q", agent, tt.agent)
			}
			if commands != tt.commands {
				t.Fatalf("BodyForCommands = %q, want %q", commands, tt.commands)
			}
		})
	}
}

func TestProcessWebchat(t *testing.T) {
	g := newTestGate(t, nil, nil)
	out := g.Process("webchat", json.RawMessage(`{"senderId": "u-1", "text": "hi"}`))
	if out.Status != StatusAccepted {
		t.Fatalf("webchat turn blocked: %q/%q", out.Status, out.Reason)
	}
	if out.Ctx.SessionKey != "agent:main:webchat:dm:u-1" {
		t.Fatalf("sessionKey = %q", out.Ctx.SessionKey)
	}
}
