package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/openclaw/openclaw/pkg/protocol"
)

const (
	defaultClientBuffer   = 256
	defaultRateLimitRPM   = 120
	defaultRateLimitBurst = 30
	writeTimeout          = 10 * time.Second
)

// outFrame is one queued outbound frame. Droppable frames (non-final chat
// deltas) are sacrificed first when the buffer overflows.
type outFrame struct {
	data      []byte
	droppable bool
}

// Client is one WebSocket subscriber: a read loop dispatching requests and a
// write loop draining a bounded outbound buffer. A slow consumer loses old
// stream deltas, never responses or final frames; when even that cannot make
// room the connection is closed.
type Client struct {
	id   string
	conn *websocket.Conn
	srv  *Server

	limiter *rate.Limiter

	mu      sync.Mutex
	buf     []outFrame
	cap     int
	notify  chan struct{}
	closed  bool
	dropped int
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, srv *Server) *Client {
	bufCap := srv.cfg.Gateway.ClientBuffer
	if bufCap <= 0 {
		bufCap = defaultClientBuffer
	}
	rpm := srv.cfg.Gateway.RateLimitRPM
	if rpm == 0 {
		rpm = defaultRateLimitRPM
	}
	burst := srv.cfg.Gateway.RateLimitBurst
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}

	var limiter *rate.Limiter
	if rpm > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
	}

	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		srv:     srv,
		limiter: limiter,
		cap:     bufCap,
		notify:  make(chan struct{}, 1),
	}
}

// Run drives the read loop until the connection drops; the write loop runs
// alongside it.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writeLoop(ctx)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("gateway.read_error", "client", c.id, "error", err)
			}
			return
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	var req protocol.RequestFrame
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendResponse(protocol.NewErrorResponse("", protocol.ErrInvalidRequest, "malformed frame: "+err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "rate limit exceeded"))
		return
	}

	resp := c.srv.router.Dispatch(ctx, c, &req)
	if resp != nil {
		c.sendResponse(resp)
	}
}

// SendEvent queues a broadcast frame.
func (c *Client) SendEvent(event protocol.EventFrame) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Warn("gateway.event_marshal_failed", "event", event.Method, "error", err)
		return
	}
	c.push(outFrame{data: data, droppable: isDroppable(event)})
}

func (c *Client) sendResponse(resp *protocol.ResponseFrame) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Warn("gateway.response_marshal_failed", "error", err)
		return
	}
	c.push(outFrame{data: data})
}

// isDroppable marks non-final chat stream deltas: the only frames a slow
// subscriber may lose.
func isDroppable(event protocol.EventFrame) bool {
	if event.Method != protocol.EventChat {
		return false
	}
	params, ok := event.Params.(map[string]interface{})
	if !ok {
		return false
	}
	final, _ := params["final"].(bool)
	return !final
}

// push enqueues a frame, evicting the oldest droppable frame on overflow.
// With nothing droppable left the connection is torn down instead of
// blocking the broadcaster.
func (c *Client) push(f outFrame) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.buf) >= c.cap {
		evicted := false
		for i, queued := range c.buf {
			if queued.droppable {
				c.buf = append(c.buf[:i], c.buf[i+1:]...)
				c.dropped++
				evicted = true
				break
			}
		}
		if !evicted {
			c.closed = true
			dropped := c.dropped
			c.mu.Unlock()
			slog.Warn("gateway.client_overflow", "client", c.id, "dropped", dropped)
			c.conn.Close()
			return
		}
	}
	c.buf = append(c.buf, f)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.notify:
		}
		for {
			c.mu.Lock()
			if c.closed || len(c.buf) == 0 {
				c.mu.Unlock()
				break
			}
			f := c.buf[0]
			c.buf = c.buf[1:]
			c.mu.Unlock()

			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				slog.Debug("gateway.write_error", "client", c.id, "error", err)
				c.Close()
				return
			}
		}
	}
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	dropped := c.dropped
	c.mu.Unlock()

	if dropped > 0 {
		slog.Info("gateway.client_closed", "client", c.id, "dropped_deltas", dropped)
	}
	c.conn.Close()
}
