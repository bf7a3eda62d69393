package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/openclaw/openclaw/pkg/protocol"
)

// HandlerFunc handles one RPC method call. A non-nil ErrorObject becomes the
// error frame.
type HandlerFunc func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorObject)

// MethodRouter maps method names to handlers.
type MethodRouter struct {
	srv      *Server
	handlers map[string]HandlerFunc
}

// NewMethodRouter builds the router with every built-in method registered.
func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{
		srv:      s,
		handlers: make(map[string]HandlerFunc),
	}
	r.registerChat()
	r.registerSessions()
	r.registerCron()
	r.registerApprovals()
	r.registerVoicecall()
	r.registerSystem()
	return r
}

// Register installs (or replaces) a method handler.
func (r *MethodRouter) Register(method string, h HandlerFunc) {
	r.handlers[method] = h
}

// Dispatch runs the handler for a request frame and shapes the response.
func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	h, ok := r.handlers[req.Method]
	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "unknown method "+req.Method)
	}

	result, errObj := h(ctx, c, req.Params)
	if errObj != nil {
		slog.Debug("gateway.method_error", "method", req.Method, "code", errObj.Code, "message", errObj.Message)
		return protocol.NewErrorResponseData(req.ID, errObj.Code, errObj.Message, errObj.Data)
	}
	return protocol.NewOKResponse(req.ID, result)
}

// decode unmarshals params into v; nil params decode as an empty object.
func decode(params json.RawMessage, v interface{}) *protocol.ErrorObject {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &protocol.ErrorObject{Code: protocol.ErrInvalidRequest, Message: "bad params: " + err.Error()}
	}
	return nil
}

func rpcError(code, message string) *protocol.ErrorObject {
	return &protocol.ErrorObject{Code: code, Message: message}
}

func unavailable(what string) *protocol.ErrorObject {
	return rpcError(protocol.ErrUnavailable, what+" is not available")
}
