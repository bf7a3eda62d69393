package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

// TestRequestFrameValidate verifies version and method checks on inbound frames.
func TestRequestFrameValidate(t *testing.T) {
	tests := []struct {
		name    string
		frame   RequestFrame
		wantErr bool
	}{
		{
			name:  "valid with version",
			frame: RequestFrame{JSONRPC: "2.0", ID: "1", Method: "health"},
		},
		{
			name:  "valid without version",
			frame: RequestFrame{ID: "2", Method: "chat.send"},
		},
		{
			name:    "wrong version",
			frame:   RequestFrame{JSONRPC: "1.0", ID: "3", Method: "health"},
			wantErr: true,
		},
		{
			name:    "missing method",
			frame:   RequestFrame{JSONRPC: "2.0", ID: "4"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestResponseFrameWire verifies the wire shape of success and error responses.
func TestResponseFrameWire(t *testing.T) {
	ok := NewOKResponse("42", map[string]interface{}{"runId": "r-1"})
	data, err := json.Marshal(ok)
	if err != nil {
		t.Fatalf("marshal ok response: %v", err)
	}
	if !strings.Contains(string(data), `"jsonrpc":"2.0"`) {
		t.Errorf("missing jsonrpc version: %s", data)
	}
	if !strings.Contains(string(data), `"id":"42"`) {
		t.Errorf("missing id: %s", data)
	}
	if strings.Contains(string(data), `"error"`) {
		t.Errorf("success response must not carry error: %s", data)
	}

	fail := NewErrorResponse("43", ErrNotFound, "no such session")
	data, err = json.Marshal(fail)
	if err != nil {
		t.Fatalf("marshal error response: %v", err)
	}
	if !strings.Contains(string(data), `"code":"NOT_FOUND"`) {
		t.Errorf("missing error code: %s", data)
	}
	if strings.Contains(string(data), `"result"`) {
		t.Errorf("error response must not carry result: %s", data)
	}
}

// TestEventFrameHasNoID verifies broadcasts are notifications (no id field).
func TestEventFrameHasNoID(t *testing.T) {
	evt := NewEvent(EventChat, map[string]string{"runId": "r-9"})
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if strings.Contains(string(data), `"id"`) {
		t.Errorf("event frame must not carry an id: %s", data)
	}
	if !strings.Contains(string(data), `"method":"chat"`) {
		t.Errorf("event frame missing method: %s", data)
	}
}

// TestErrorObjectError verifies ErrorObject satisfies the error interface usefully.
func TestErrorObjectError(t *testing.T) {
	e := &ErrorObject{Code: ErrTimeout, Message: "run exceeded deadline"}
	if got := e.Error(); got != "TIMEOUT: run exceeded deadline" {
		t.Fatalf("Error() = %q", got)
	}
}
