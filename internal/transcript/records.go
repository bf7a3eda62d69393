// Package transcript persists the append-only JSONL log of a session's
// messages. One file per session; the first line is a session header, every
// later line a message record. Writers serialize per file, readers never lock.
package transcript

import (
	"time"

	"github.com/google/uuid"
)

// Record types stored in the JSONL file.
const (
	RecordTypeSession = "session"
	RecordTypeMessage = "message"
)

// HeaderVersion is bumped when the on-disk record shape changes.
const HeaderVersion = 1

// SessionHeader is the first line of every transcript file.
type SessionHeader struct {
	Type      string `json:"type"` // "session"
	Version   int    `json:"version"`
	ID        string `json:"id"` // sessionId (UUID)
	Timestamp int64  `json:"timestamp"`
	CWD       string `json:"cwd,omitempty"`
}

// MessageRecord is one appended message line.
type MessageRecord struct {
	Type      string      `json:"type"` // "message"
	ID        string      `json:"id"`
	Timestamp int64       `json:"timestamp"`
	Message   MessageData `json:"message"`
}

// MessageData is the message payload inside a record.
type MessageData struct {
	Role       string         `json:"role"` // "user", "assistant", "system", "toolResult"
	Content    []ContentBlock `json:"content"`
	Timestamp  int64          `json:"timestamp"`
	StopReason string         `json:"stopReason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock is a tagged variant within message content.
type ContentBlock struct {
	Type     string `json:"type"` // "text", "image", "toolCall", "toolResult"
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64 for images
	ToolID   string `json:"toolId,omitempty"`
	ToolName string `json:"toolName,omitempty"`
}

// Usage records token consumption for an assistant message.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// NewMessageRecord builds a message record with a fresh id and timestamp.
func NewMessageRecord(role, text string) MessageRecord {
	now := time.Now().UnixMilli()
	return MessageRecord{
		Type:      RecordTypeMessage,
		ID:        uuid.NewString(),
		Timestamp: now,
		Message: MessageData{
			Role:      role,
			Content:   []ContentBlock{{Type: "text", Text: text}},
			Timestamp: now,
		},
	}
}

// Text concatenates the text blocks of a message.
func (m MessageData) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}
