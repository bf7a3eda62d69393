package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/openclaw/openclaw/pkg/protocol"
	"github.com/openclaw/openclaw/pkg/rpcclient"
)

// scriptedClient answers one Call and replays canned events.
type scriptedClient struct {
	ack     map[string]interface{}
	callErr error
	events  chan rpcclient.Event

	gotMethod string
	gotParams map[string]interface{}
}

func (s *scriptedClient) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	s.gotMethod = method
	raw, _ := json.Marshal(params)
	json.Unmarshal(raw, &s.gotParams)
	if s.callErr != nil {
		return s.callErr
	}
	ackRaw, _ := json.Marshal(s.ack)
	return json.Unmarshal(ackRaw, out)
}

func (s *scriptedClient) Events() <-chan rpcclient.Event {
	return s.events
}

func event(t *testing.T, name string, payload map[string]interface{}) rpcclient.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return rpcclient.Event{Name: name, Payload: raw}
}

func TestSendTurnStreamsUntilFinal(t *testing.T) {
	client := &scriptedClient{
		ack:    map[string]interface{}{"runId": "r1", "status": "queued"},
		events: make(chan rpcclient.Event, 8),
	}
	client.events <- event(t, protocol.EventChat, map[string]interface{}{
		"type": "chunk", "runId": "other", "content": "ignore me",
	})
	client.events <- event(t, protocol.EventChat, map[string]interface{}{
		"type": "chunk", "runId": "r1", "content": "hello",
	})
	client.events <- event(t, protocol.EventChat, map[string]interface{}{
		"type": "message", "runId": "r1", "content": " world", "final": true,
	})

	if err := sendTurn(context.Background(), client, "agent:main:main", "hi"); err != nil {
		t.Fatalf("sendTurn: %v", err)
	}
	if client.gotMethod != protocol.MethodChatSend {
		t.Fatalf("method = %q, want %q", client.gotMethod, protocol.MethodChatSend)
	}
	if client.gotParams["sessionKey"] != "agent:main:main" {
		t.Fatalf("sessionKey = %v", client.gotParams["sessionKey"])
	}
}

func TestSendTurnCommandReplyShortCircuits(t *testing.T) {
	client := &scriptedClient{
		ack: map[string]interface{}{"runId": "r2", "status": "command", "reply": "queue cleared"},
		// No events channel: a read would block the test.
	}
	if err := sendTurn(context.Background(), client, "agent:main:main", "/stop"); err != nil {
		t.Fatalf("sendTurn: %v", err)
	}
}

func TestSendTurnRunFailed(t *testing.T) {
	client := &scriptedClient{
		ack:    map[string]interface{}{"runId": "r3", "status": "queued"},
		events: make(chan rpcclient.Event, 2),
	}
	client.events <- event(t, protocol.EventAgent, map[string]interface{}{
		"type": protocol.AgentEventRunFailed, "runId": "r3", "error": "provider unavailable",
	})

	err := sendTurn(context.Background(), client, "agent:main:main", "hi")
	if err == nil {
		t.Fatal("expected error for failed run")
	}
}

func TestSendTurnCallError(t *testing.T) {
	client := &scriptedClient{callErr: fmt.Errorf("gateway unreachable")}
	if err := sendTurn(context.Background(), client, "agent:main:main", "hi"); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestRenderEventFiltersByRun(t *testing.T) {
	tests := []struct {
		name     string
		event    string
		payload  string
		wantDone bool
		wantErr  bool
	}{
		{"other run ignored", protocol.EventChat, `{"runId":"x","content":"a","final":true}`, false, false},
		{"chat final", protocol.EventChat, `{"runId":"r","content":"a","final":true}`, true, false},
		{"chat chunk", protocol.EventChat, `{"runId":"r","content":"a"}`, false, false},
		{"run completed", protocol.EventAgent, `{"type":"run.completed","runId":"r"}`, true, false},
		{"run aborted", protocol.EventAgent, `{"type":"run.aborted","runId":"r"}`, true, true},
		{"malformed payload", protocol.EventChat, `{nope`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done, err := renderEvent(tt.event, json.RawMessage(tt.payload), "r")
			if done != tt.wantDone {
				t.Fatalf("done = %v, want %v", done, tt.wantDone)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
