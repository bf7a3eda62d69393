package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/sessions"
	"github.com/openclaw/openclaw/internal/store/file"
	"github.com/openclaw/openclaw/internal/transcript"
	"github.com/openclaw/openclaw/pkg/protocol"
)

type testGateway struct {
	addr     string
	cfg      *config.Config
	events   *bus.MessageBus
	registry *sessions.Registry
}

func startTestGateway(t *testing.T, mutate func(cfg *config.Config)) *testGateway {
	t.Helper()

	cfg := config.Default()
	cfg.Sessions.Storage = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	reg, err := sessions.NewRegistry(cfg, file.NewSessionStore(t.TempDir(), 0), nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	events := bus.NewMessageBus(16)

	srv := NewServer(cfg, events, Deps{
		Registry:    reg,
		Transcripts: transcript.NewStore(0),
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	addr, start := StartTestServer(srv, ctx)
	go start()

	return &testGateway{addr: addr, cfg: cfg, events: events, registry: reg}
}

func (g *testGateway) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws://" + g.addr + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

var nextReqID int

func call(t *testing.T, conn *websocket.Conn, method string, params interface{}) *protocol.ResponseFrame {
	t.Helper()
	nextReqID++
	id := strconv.Itoa(nextReqID)

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = data
	}
	req := protocol.RequestFrame{JSONRPC: protocol.JSONRPCVersion, ID: id, Method: method, Params: raw}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}

	// Skip broadcast frames until the matching response arrives.
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		var frame struct {
			ID     string                `json:"id"`
			Method string                `json:"method"`
			Result json.RawMessage       `json:"result"`
			Error  *protocol.ErrorObject `json:"error"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read response for %s: %v", method, err)
		}
		if frame.Method != "" || frame.ID != id {
			continue
		}
		return &protocol.ResponseFrame{ID: frame.ID, Result: frame.Result, Error: frame.Error}
	}
}

func resultMap(t *testing.T, resp *protocol.ResponseFrame) map[string]interface{} {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	raw, ok := resp.Result.(json.RawMessage)
	if !ok {
		t.Fatalf("result is %T, want json.RawMessage", resp.Result)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return m
}

func TestHealthEndpoint(t *testing.T) {
	g := startTestGateway(t, nil)

	resp, err := http.Get("http://" + g.addr + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status   string `json:"status"`
		Protocol int    `json:"protocol"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Protocol != protocol.ProtocolVersion {
		t.Fatalf("body = %+v", body)
	}
}

func TestTokenAuth(t *testing.T) {
	g := startTestGateway(t, func(cfg *config.Config) {
		cfg.Gateway.Token = "sekrit"
	})

	if _, _, err := websocket.DefaultDialer.Dial("ws://"+g.addr+"/ws", nil); err == nil {
		t.Fatal("dial without token succeeded, want rejection")
	}
	if _, _, err := websocket.DefaultDialer.Dial("ws://"+g.addr+"/ws?token=wrong", nil); err == nil {
		t.Fatal("dial with wrong token succeeded, want rejection")
	}

	conn := g.dial(t, "?token=sekrit")
	resp := call(t, conn, protocol.MethodHealth, nil)
	if got := resultMap(t, resp)["status"]; got != "ok" {
		t.Fatalf("status = %v, want ok", got)
	}

	// Bearer header works too.
	header := http.Header{"Authorization": {"Bearer sekrit"}}
	conn2, _, err := websocket.DefaultDialer.Dial("ws://"+g.addr+"/ws", header)
	if err != nil {
		t.Fatalf("dial with bearer: %v", err)
	}
	conn2.Close()
}

func TestUnknownMethod(t *testing.T) {
	g := startTestGateway(t, nil)
	conn := g.dial(t, "")

	resp := call(t, conn, "nope.nothing", nil)
	if resp.Error == nil || resp.Error.Code != protocol.ErrNotFound {
		t.Fatalf("error = %v, want %s", resp.Error, protocol.ErrNotFound)
	}
}

func TestMalformedFrame(t *testing.T) {
	g := startTestGateway(t, nil)
	conn := g.dial(t, "")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame protocol.ResponseFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Error == nil || frame.Error.Code != protocol.ErrInvalidRequest {
		t.Fatalf("error = %v, want %s", frame.Error, protocol.ErrInvalidRequest)
	}
}

func TestChatHistoryUnknownSession(t *testing.T) {
	g := startTestGateway(t, nil)
	conn := g.dial(t, "")

	resp := call(t, conn, protocol.MethodChatHistory, map[string]string{"sessionKey": "agent:main:main"})
	if resp.Error == nil || resp.Error.Code != protocol.ErrNotFound {
		t.Fatalf("error = %v, want %s", resp.Error, protocol.ErrNotFound)
	}
}

func TestChatInjectThenHistory(t *testing.T) {
	g := startTestGateway(t, nil)
	conn := g.dial(t, "")
	key := "agent:main:main"

	resp := call(t, conn, protocol.MethodChatInject, map[string]string{
		"sessionKey": key,
		"message":    "deploy finished",
		"label":      "ops",
	})
	m := resultMap(t, resp)
	if m["ok"] != true || m["messageId"] == "" {
		t.Fatalf("inject result = %v", m)
	}

	resp = call(t, conn, protocol.MethodChatHistory, map[string]string{"sessionKey": key})
	m = resultMap(t, resp)
	msgs, ok := m["messages"].([]interface{})
	if !ok || len(msgs) != 1 {
		t.Fatalf("messages = %v, want one entry", m["messages"])
	}
	first := msgs[0].(map[string]interface{})
	msg, _ := first["message"].(map[string]interface{})
	if msg["role"] != "assistant" {
		t.Fatalf("role = %v, want assistant", msg["role"])
	}
	content, _ := msg["content"].([]interface{})
	if len(content) != 1 {
		t.Fatalf("content = %v, want one block", msg["content"])
	}
	block := content[0].(map[string]interface{})
	if block["text"] != "[ops] deploy finished" {
		t.Fatalf("text = %q", block["text"])
	}
}

func TestChatHistoryLimitZero(t *testing.T) {
	g := startTestGateway(t, nil)
	conn := g.dial(t, "")
	key := "agent:main:main"

	for _, text := range []string{"first", "second"} {
		resultMap(t, call(t, conn, protocol.MethodChatInject, map[string]string{
			"sessionKey": key,
			"message":    text,
		}))
	}

	// An explicit zero limit returns no messages; absent limit returns all.
	m := resultMap(t, call(t, conn, protocol.MethodChatHistory, map[string]interface{}{
		"sessionKey": key,
		"limit":      0,
	}))
	if msgs, _ := m["messages"].([]interface{}); len(msgs) != 0 {
		t.Fatalf("limit=0 returned %d messages, want 0", len(msgs))
	}

	m = resultMap(t, call(t, conn, protocol.MethodChatHistory, map[string]string{"sessionKey": key}))
	if msgs, _ := m["messages"].([]interface{}); len(msgs) != 2 {
		t.Fatalf("default limit returned %d messages, want 2", len(msgs))
	}
}

func TestSessionsListAndPatch(t *testing.T) {
	g := startTestGateway(t, nil)
	g.registry.GetOrCreate("agent:main:main", sessions.Entry{})
	conn := g.dial(t, "")

	resp := call(t, conn, protocol.MethodSessionsList, nil)
	m := resultMap(t, resp)
	list, ok := m["sessions"].([]interface{})
	if !ok || len(list) != 1 {
		t.Fatalf("sessions = %v, want one entry", m["sessions"])
	}

	resp = call(t, conn, protocol.MethodSessionsPatch, map[string]string{
		"sessionKey":    "agent:main:main",
		"thinkingLevel": "high",
	})
	resultMap(t, resp)
	entry, err := g.registry.Get("agent:main:main")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.ThinkingLevel != "high" {
		t.Fatalf("thinkingLevel = %q, want high", entry.ThinkingLevel)
	}

	resp = call(t, conn, protocol.MethodSessionsPatch, map[string]string{
		"sessionKey":    "agent:main:main",
		"thinkingLevel": "bogus",
	})
	if resp.Error == nil || resp.Error.Code != protocol.ErrInvalidRequest {
		t.Fatalf("error = %v, want %s", resp.Error, protocol.ErrInvalidRequest)
	}
}

func TestUnavailableSubsystem(t *testing.T) {
	g := startTestGateway(t, nil) // no controller, cron, approvals wired
	conn := g.dial(t, "")

	for _, method := range []string{
		protocol.MethodChatSend,
		protocol.MethodCronList,
		protocol.MethodExecApprovalGet,
		protocol.MethodVoicecallStatus,
	} {
		resp := call(t, conn, method, map[string]string{"sessionKey": "agent:main:main"})
		if resp.Error == nil || resp.Error.Code != protocol.ErrUnavailable {
			t.Fatalf("%s error = %v, want %s", method, resp.Error, protocol.ErrUnavailable)
		}
	}
}

func TestRateLimit(t *testing.T) {
	g := startTestGateway(t, func(cfg *config.Config) {
		cfg.Gateway.RateLimitRPM = 60
		cfg.Gateway.RateLimitBurst = 2
	})
	conn := g.dial(t, "")

	var limited bool
	for i := 0; i < 5; i++ {
		resp := call(t, conn, protocol.MethodHealth, nil)
		if resp.Error != nil && resp.Error.Code == protocol.ErrUnavailable {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("burst of 5 calls never hit the rate limit")
	}
}

func TestEventBroadcast(t *testing.T) {
	g := startTestGateway(t, nil)
	conn := g.dial(t, "")

	// Give the server a moment to register the subscriber.
	waitForClients(t, g, conn)

	g.events.Broadcast(bus.Event{Name: "cache.session", Payload: "internal"})
	g.events.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: map[string]interface{}{"runId": "r1"}})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame protocol.EventFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if frame.Method != protocol.EventAgent {
		t.Fatalf("method = %q, want %q (cache.* must stay internal)", frame.Method, protocol.EventAgent)
	}
}

func waitForClients(t *testing.T, g *testGateway, conn *websocket.Conn) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp := call(t, conn, protocol.MethodHealth, nil)
		m := resultMap(t, resp)
		if n, _ := m["clients"].(float64); n >= 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client never registered")
}

func TestListenAddr(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(cfg *config.Config)
		want    string
		wantErr error
	}{
		{
			name: "default loopback",
			want: "127.0.0.1:18789",
		},
		{
			name:   "explicit port",
			mutate: func(cfg *config.Config) { cfg.Gateway.Port = 9000 },
			want:   "127.0.0.1:9000",
		},
		{
			name:   "tailnet keeps local side on loopback",
			mutate: func(cfg *config.Config) { cfg.Gateway.Bind = "tailnet" },
			want:   "127.0.0.1:18789",
		},
		{
			name:    "lan without auth refused",
			mutate:  func(cfg *config.Config) { cfg.Gateway.Bind = "lan" },
			wantErr: ErrAuthRequired,
		},
		{
			name: "lan with token",
			mutate: func(cfg *config.Config) {
				cfg.Gateway.Bind = "lan"
				cfg.Gateway.Token = "t"
			},
			want: "0.0.0.0:18789",
		},
		{
			name: "custom host",
			mutate: func(cfg *config.Config) {
				cfg.Gateway.Bind = "custom"
				cfg.Gateway.Host = "10.1.2.3"
				cfg.Gateway.Password = "p"
			},
			want: "10.1.2.3:18789",
		},
		{
			name:    "custom without host",
			mutate:  func(cfg *config.Config) { cfg.Gateway.Bind = "custom" },
			wantErr: fmt.Errorf("bind=custom requires gateway.host"),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			if tc.mutate != nil {
				tc.mutate(cfg)
			}
			addr, err := ListenAddr(cfg)
			if tc.wantErr != nil {
				if err == nil {
					t.Fatalf("addr = %q, want error %v", addr, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ListenAddr: %v", err)
			}
			if addr != tc.want {
				t.Fatalf("addr = %q, want %q", addr, tc.want)
			}
		})
	}
}
