// Package rpcclient is a minimal JSON-RPC client for the gateway
// WebSocket. It is what the CLI subcommands (chat, cron, pairing,
// doctor) use to talk to a running gateway.
package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/openclaw/openclaw/pkg/protocol"
)

// maxFrameBytes bounds a single inbound frame. Transcript replies can
// carry base64 attachments, so this is well above the default 32 KiB.
const maxFrameBytes = 16 << 20

// eventBuffer is the size of the Events channel. Events past a stalled
// reader are dropped, mirroring the gateway's own slow-client policy.
const eventBuffer = 64

// Options configures Dial.
type Options struct {
	// Token is sent as a Bearer token. Falls back to the
	// OPENCLAW_GATEWAY_TOKEN environment variable at the call site.
	Token string
	// HTTPClient overrides the client used for the handshake.
	HTTPClient *http.Client
}

// Event is one server-initiated notification.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// Client is a connected gateway RPC client. Safe for concurrent use.
type Client struct {
	conn   *websocket.Conn
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[string]chan *responseFrame
	closed  bool
	readErr error

	events chan Event
	done   chan struct{}
}

// responseFrame is the inbound wire shape: a response when ID is set,
// an event when Method is set.
type responseFrame struct {
	ID     string                `json:"id"`
	Method string                `json:"method"`
	Result json.RawMessage       `json:"result"`
	Params json.RawMessage       `json:"params"`
	Error  *protocol.ErrorObject `json:"error"`
}

// Dial connects to a gateway WebSocket URL (ws://host:port/ws).
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	dialOpts := &websocket.DialOptions{HTTPClient: opts.HTTPClient}
	if opts.Token != "" {
		dialOpts.HTTPHeader = http.Header{
			"Authorization": []string{"Bearer " + opts.Token},
		}
	}

	conn, _, err := websocket.Dial(ctx, url, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan *responseFrame),
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call sends one request and decodes the result into out (which may be
// nil). A gateway-side failure is returned as *protocol.ErrorObject.
func (c *Client) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := strconv.FormatInt(c.nextID.Add(1), 10)

	req := protocol.RequestFrame{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      id,
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan *responseFrame, 1)
	c.mu.Lock()
	if c.closed {
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("client closed")
		}
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("connection closed")
		}
		return err
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
		}
		return nil
	}
}

// Events returns the stream of server notifications. The channel closes
// when the connection does.
func (c *Client) Events() <-chan Event { return c.events }

// Close tears the connection down. Pending calls fail.
func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "bye")
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.mu.Lock()
			c.closed = true
			c.readErr = err
			c.mu.Unlock()
			return
		}

		var frame responseFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		if frame.ID != "" {
			c.mu.Lock()
			ch := c.pending[frame.ID]
			c.mu.Unlock()
			if ch != nil {
				ch <- &frame
			}
			continue
		}
		if frame.Method != "" {
			select {
			case c.events <- Event{Name: frame.Method, Payload: frame.Params}:
			default:
				// Reader is not draining events; drop rather than stall calls.
			}
		}
	}
}
