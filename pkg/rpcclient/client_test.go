package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/openclaw/openclaw/pkg/protocol"
)

// startStubGateway answers health, fails boom, and pushes one event
// before responding to subscribe.
func startStubGateway(t *testing.T) (wsURL string, gotAuth *string) {
	t.Helper()
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var req protocol.RequestFrame
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}

			write := func(v interface{}) {
				raw, _ := json.Marshal(v)
				_ = conn.Write(r.Context(), websocket.MessageText, raw)
			}
			switch req.Method {
			case "health":
				write(protocol.NewOKResponse(req.ID, map[string]string{"status": "ok"}))
			case "boom":
				write(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "no such thing"))
			case "subscribe":
				write(protocol.NewEvent("agent", map[string]interface{}{"type": "run.started"}))
				write(protocol.NewOKResponse(req.ID, nil))
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &auth
}

func dialStub(t *testing.T, url string, opts Options) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCallRoundTrip(t *testing.T) {
	url, _ := startStubGateway(t)
	c := dialStub(t, url, Options{})

	var out map[string]string
	if err := c.Call(context.Background(), "health", nil, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out["status"] != "ok" {
		t.Fatalf("result = %v", out)
	}
}

func TestCallGatewayError(t *testing.T) {
	url, _ := startStubGateway(t)
	c := dialStub(t, url, Options{})

	err := c.Call(context.Background(), "boom", nil, nil)
	var rpcErr *protocol.ErrorObject
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *protocol.ErrorObject", err)
	}
	if rpcErr.Code != protocol.ErrNotFound {
		t.Fatalf("code = %s", rpcErr.Code)
	}
}

func TestEventsDelivered(t *testing.T) {
	url, _ := startStubGateway(t)
	c := dialStub(t, url, Options{})

	if err := c.Call(context.Background(), "subscribe", nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	select {
	case ev := <-c.Events():
		if ev.Name != "agent" {
			t.Fatalf("event = %s", ev.Name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}

func TestTokenSentAsBearer(t *testing.T) {
	url, gotAuth := startStubGateway(t)
	c := dialStub(t, url, Options{Token: "sekrit"})

	if err := c.Call(context.Background(), "health", nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if *gotAuth != "Bearer sekrit" {
		t.Fatalf("Authorization = %q", *gotAuth)
	}
}
