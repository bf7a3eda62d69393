package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is bumped whenever the wire contract changes incompatibly.
const ProtocolVersion = 1

// JSONRPCVersion is the fixed version string carried by every frame.
const JSONRPCVersion = "2.0"

// Error codes returned in ErrorObject.Code.
const (
	ErrInvalidRequest = "INVALID_REQUEST"
	ErrUnavailable    = "UNAVAILABLE"
	ErrNotFound       = "NOT_FOUND"
	ErrForbidden      = "FORBIDDEN"
	ErrTimeout        = "TIMEOUT"
	ErrInternal       = "INTERNAL"
)

// RequestFrame is an incoming JSON-RPC request. Params stay raw until
// the method handler decodes them.
type RequestFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Validate checks the frame against the JSON-RPC 2.0 rules we enforce.
func (r *RequestFrame) Validate() error {
	if r.JSONRPC != "" && r.JSONRPC != JSONRPCVersion {
		return fmt.Errorf("unsupported jsonrpc version %q", r.JSONRPC)
	}
	if r.Method == "" {
		return fmt.Errorf("missing method")
	}
	return nil
}

// ErrorObject is the error payload of a failed response.
type ErrorObject struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ResponseFrame is an outgoing JSON-RPC response. Exactly one of Result
// and Error is set.
type ResponseFrame struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      string       `json:"id"`
	Result  interface{}  `json:"result,omitempty"`
	Error   *ErrorObject `json:"error,omitempty"`
}

// EventFrame is a server-initiated notification: a method frame without
// an id, carrying the broadcast channel name and payload.
type EventFrame struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// NewOKResponse builds a success response for the given request id.
func NewOKResponse(id string, result interface{}) *ResponseFrame {
	return &ResponseFrame{JSONRPC: JSONRPCVersion, ID: id, Result: result}
}

// NewErrorResponse builds a failure response with one of the Err* codes.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &ErrorObject{Code: code, Message: message},
	}
}

// NewErrorResponseData builds a failure response carrying structured data.
func NewErrorResponseData(id, code, message string, data interface{}) *ResponseFrame {
	return &ResponseFrame{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &ErrorObject{Code: code, Message: message, Data: data},
	}
}

// NewEvent builds a broadcast notification frame.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{JSONRPC: JSONRPCVersion, Method: name, Params: payload}
}
