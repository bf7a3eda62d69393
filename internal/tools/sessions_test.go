package tools

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/sessions"
	"github.com/openclaw/openclaw/internal/store/file"
	"github.com/openclaw/openclaw/internal/transcript"
)

func newTestSessionRegistry(t *testing.T) *sessions.Registry {
	t.Helper()
	cfg := config.Default()
	cfg.Sessions.Storage = t.TempDir()
	store := file.NewSessionStore(t.TempDir(), 0)
	reg, err := sessions.NewRegistry(cfg, store, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func agentCtx(agentID, sessionKey string) context.Context {
	ctx := WithToolAgentID(context.Background(), agentID)
	return WithToolSessionKey(ctx, sessionKey)
}

func TestSessionsListTool(t *testing.T) {
	reg := newTestSessionRegistry(t)
	reg.GetOrCreate("agent:main:telegram:dm:1", sessions.Entry{Channel: "telegram", ChatType: "direct"})
	reg.GetOrCreate("agent:main:telegram:dm:2", sessions.Entry{Channel: "telegram", ChatType: "direct"})
	reg.GetOrCreate("agent:other:discord:dm:9", sessions.Entry{Channel: "discord", ChatType: "direct"})

	tool := NewSessionsListTool(reg)
	res := tool.Execute(agentCtx("main", ""), nil)
	if res.IsError {
		t.Fatalf("sessions_list: %s", res.ForLLM)
	}

	var out struct {
		Count    int `json:"count"`
		Sessions []struct {
			Key     string `json:"key"`
			Channel string `json:"channel"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal([]byte(res.ForLLM), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Count != 2 {
		t.Fatalf("count = %d, want 2 (other agent's sessions must be hidden)", out.Count)
	}
	for _, s := range out.Sessions {
		if !strings.HasPrefix(s.Key, "agent:main:") {
			t.Fatalf("leaked session %q", s.Key)
		}
	}
}

func TestSessionStatusTool(t *testing.T) {
	reg := newTestSessionRegistry(t)
	key := "agent:main:telegram:dm:1"
	reg.GetOrCreate(key, sessions.Entry{Channel: "telegram", ChatType: "direct"})
	if err := reg.Patch(key, func(e *sessions.Entry) {
		e.ThinkingLevel = "high"
		e.InputTokens = 120
		e.OutputTokens = 40
	}); err != nil {
		t.Fatal(err)
	}

	tool := NewSessionStatusTool(reg)

	// Defaults to the current session from context.
	res := tool.Execute(agentCtx("main", key), nil)
	if res.IsError {
		t.Fatalf("session_status: %s", res.ForLLM)
	}
	for _, want := range []string{key, "Thinking: high", "120 input / 40 output"} {
		if !strings.Contains(res.ForLLM, want) {
			t.Errorf("status missing %q in:\n%s", want, res.ForLLM)
		}
	}

	// Cross-agent access is rejected.
	res = tool.Execute(agentCtx("other", ""), map[string]interface{}{"session_key": key})
	if !res.IsError || !strings.Contains(res.ForLLM, "access denied") {
		t.Fatalf("cross-agent status = %q (err=%v)", res.ForLLM, res.IsError)
	}
}

func TestSessionsHistoryTool(t *testing.T) {
	reg := newTestSessionRegistry(t)
	key := "agent:main:telegram:dm:1"
	entry := reg.GetOrCreate(key, sessions.Entry{Channel: "telegram"})

	ts := transcript.NewStore(0)
	path := filepath.Join(t.TempDir(), entry.SessionID+".jsonl")
	if err := reg.Patch(key, func(e *sessions.Entry) { e.SessionFile = path }); err != nil {
		t.Fatal(err)
	}
	if err := ts.Ensure(entry.SessionID, path, ""); err != nil {
		t.Fatal(err)
	}
	for _, m := range []struct{ role, text string }{
		{"user", "hello"},
		{"assistant", "hi there"},
		{"toolResult", "tool output"},
		{"user", "bye"},
	} {
		if err := ts.Append(path, transcript.NewMessageRecord(m.role, m.text)); err != nil {
			t.Fatal(err)
		}
	}

	tool := NewSessionsHistoryTool(reg, ts)
	res := tool.Execute(agentCtx("main", key), map[string]interface{}{"session_key": key})
	if res.IsError {
		t.Fatalf("sessions_history: %s", res.ForLLM)
	}

	var out struct {
		Count    int `json:"count"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal([]byte(res.ForLLM), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Count != 3 {
		t.Fatalf("count = %d, want 3 (tool results excluded by default)", out.Count)
	}
	for _, m := range out.Messages {
		if m.Role == "toolResult" {
			t.Fatal("toolResult leaked without include_tools")
		}
	}

	// include_tools brings them back; limit keeps the tail.
	res = tool.Execute(agentCtx("main", key), map[string]interface{}{
		"session_key":   key,
		"include_tools": true,
		"limit":         float64(2),
	})
	if err := json.Unmarshal([]byte(res.ForLLM), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Count != 2 || out.Messages[1].Content != "bye" {
		t.Fatalf("limited history = %+v", out)
	}
}

func TestSessionsSendTool(t *testing.T) {
	reg := newTestSessionRegistry(t)
	key := "agent:main:telegram:dm:1"
	reg.GetOrCreate(key, sessions.Entry{Channel: "telegram"})

	var gotKey, gotMsg string
	tool := NewSessionsSendTool(reg, func(_ context.Context, sessionKey, message string) error {
		gotKey, gotMsg = sessionKey, message
		return nil
	})

	res := tool.Execute(agentCtx("main", ""), map[string]interface{}{
		"session_key": key,
		"message":     "status update",
	})
	if res.IsError {
		t.Fatalf("sessions_send: %s", res.ForLLM)
	}
	if gotKey != key || gotMsg != "status update" {
		t.Fatalf("send got key=%q msg=%q", gotKey, gotMsg)
	}

	// Unknown target.
	res = tool.Execute(agentCtx("main", ""), map[string]interface{}{
		"session_key": "agent:main:telegram:dm:404",
		"message":     "hi",
	})
	if !res.IsError {
		t.Fatal("send to missing session must fail")
	}

	// Cross-agent target.
	res = tool.Execute(agentCtx("other", ""), map[string]interface{}{
		"session_key": key,
		"message":     "hi",
	})
	if !res.IsError || !strings.Contains(res.ForLLM, "access denied") {
		t.Fatalf("cross-agent send = %q (err=%v)", res.ForLLM, res.IsError)
	}
}

type fakeSpawner struct {
	got  SpawnRequest
	err  error
	next SpawnReceipt
}

func (f *fakeSpawner) Spawn(_ context.Context, req SpawnRequest) (SpawnReceipt, error) {
	f.got = req
	return f.next, f.err
}

func TestSessionsSpawnTool(t *testing.T) {
	sp := &fakeSpawner{next: SpawnReceipt{SessionKey: "agent:main:subagent:abc", RunID: "run-1"}}
	tool := NewSessionsSpawnTool(sp)

	ctx := agentCtx("main", "agent:main:main")
	ctx = WithToolChannel(ctx, "telegram")
	ctx = WithToolChatID(ctx, "42")
	ctx = WithToolPeerKind(ctx, "direct")

	res := tool.Execute(ctx, map[string]interface{}{"task": "summarize the logs"})
	if res.IsError || !res.Async {
		t.Fatalf("spawn = %q (err=%v async=%v)", res.ForLLM, res.IsError, res.Async)
	}
	if sp.got.ParentSessionKey != "agent:main:main" || sp.got.AgentID != "main" || sp.got.Channel != "telegram" {
		t.Fatalf("spawn request = %+v", sp.got)
	}
	if sp.got.Label == "" {
		t.Fatal("label must default to a task prefix")
	}

	sp.err = errors.New("depth limit reached")
	res = tool.Execute(ctx, map[string]interface{}{"task": "another"})
	if !res.IsError || !strings.Contains(res.ForLLM, "depth limit") {
		t.Fatalf("spawn error = %q (err=%v)", res.ForLLM, res.IsError)
	}

	res = tool.Execute(ctx, map[string]interface{}{"task": "  "})
	if !res.IsError {
		t.Fatal("blank task must fail")
	}
}
