package ingress

import (
	"encoding/json"
	"fmt"
)

// webchatPayload is the schema used by authenticated gateway clients sending
// turns over the WebSocket. Trust is established by the connection's auth,
// so the payload carries identity directly.
type webchatPayload struct {
	SenderID   string       `json:"senderId"`
	SenderName string       `json:"senderName,omitempty"`
	Text       string       `json:"text"`
	SessionKey string       `json:"sessionKey,omitempty"` // explicit target; skips resolution
	Attachments []Attachment `json:"attachments,omitempty"`
}

// WebchatNormalizer parses webchat payloads from gateway clients.
type WebchatNormalizer struct{}

func (WebchatNormalizer) Channel() string { return "webchat" }

func (WebchatNormalizer) Normalize(payload json.RawMessage) (*InboundContext, error) {
	var p webchatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("webchat payload: %w", err)
	}
	if p.SenderID == "" {
		return nil, fmt.Errorf("webchat payload: missing senderId")
	}

	return &InboundContext{
		Provider:       "webchat",
		Channel:        "webchat",
		SenderID:       p.SenderID,
		SenderName:     p.SenderName,
		ChatType:       ChatDirect,
		ConversationID: p.SenderID,
		RawBody:        p.Text,
		Body:           p.Text,
		SessionKey:     p.SessionKey,
		Attachments:    p.Attachments,
	}, nil
}
