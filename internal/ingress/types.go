// Package ingress turns per-channel inbound payloads into a canonical
// InboundContext and decides acceptance: parse, access control, group
// mention gating, session key resolution, command/body split.
package ingress

import "encoding/json"

// Chat types produced by normalizers.
const (
	ChatDirect  = "direct"
	ChatGroup   = "group"
	ChatChannel = "channel"
	ChatTopic   = "topic"
)

// DM policies.
const (
	DMDisabled  = "disabled"
	DMOpen      = "open"
	DMAllowlist = "allowlist"
	DMPairing   = "pairing"
)

// Group policies.
const (
	GroupDisabled  = "disabled"
	GroupOpen      = "open"
	GroupAllowlist = "allowlist"
)

// Block reasons reported in gate outcomes.
const (
	ReasonUnparseable     = "unparseable"
	ReasonPolicy          = "policy"
	ReasonNotActivated    = "not-activated"
	ReasonUnknownChannel  = "unknown-channel"
	ReasonDisabledChannel = "disabled-channel"
)

// Attachment is inbound media normalized to bytes plus metadata.
type Attachment struct {
	Type     string `json:"type"` // image|document|audio|video
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Location is a shared geographic point.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// PolicyOverride lets a single ingress payload override the channel's
// configured access policy. Test harnesses and webhook relays use this.
type PolicyOverride struct {
	DMPolicy       string   `json:"dmPolicy,omitempty"`
	GroupPolicy    string   `json:"groupPolicy,omitempty"`
	AllowFrom      []string `json:"allowFrom,omitempty"`
	RequireMention *bool    `json:"requireMention,omitempty"`
}

// InboundContext is the canonical normalized inbound message.
type InboundContext struct {
	// Identity.
	Provider       string `json:"provider"`
	Channel        string `json:"channel"`
	AccountID      string `json:"accountId,omitempty"`
	SenderID       string `json:"senderId"`
	SenderE164     string `json:"senderE164,omitempty"`
	SenderName     string `json:"senderName,omitempty"`
	SenderUsername string `json:"senderUsername,omitempty"`

	// Target.
	ChatType       string `json:"chatType"`
	GroupSubject   string `json:"groupSubject,omitempty"`
	ConversationID string `json:"conversationId"`
	ReplyToID      string `json:"replyToId,omitempty"`
	TopicID        string `json:"topicId,omitempty"` // forum/thread id within the conversation

	// Payload.
	RawBody         string       `json:"rawBody"`
	Body            string       `json:"body"`
	BodyForAgent    string       `json:"bodyForAgent"`
	BodyForCommands string       `json:"bodyForCommands"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	Location        *Location    `json:"location,omitempty"`

	// Routing.
	SessionKey        string   `json:"sessionKey,omitempty"`
	CommandAuthorized bool     `json:"commandAuthorized,omitempty"`
	WasMentioned      bool     `json:"wasMentioned,omitempty"`
	MentionedIDs      []string `json:"mentionedIds,omitempty"`

	// Forwarding provenance.
	ForwardedFrom     string `json:"forwardedFrom,omitempty"`
	ForwardedFromType string `json:"forwardedFromType,omitempty"`
	ForwardedDate     int64  `json:"forwardedDate,omitempty"`

	MessageID string `json:"messageId,omitempty"`
	SelfID    string `json:"selfId,omitempty"` // channel account's own peer id
	Timestamp int64  `json:"timestamp,omitempty"`

	Policy *PolicyOverride `json:"-"`
}

// Normalizer parses one channel's payload schema.
type Normalizer interface {
	Channel() string
	Normalize(payload json.RawMessage) (*InboundContext, error)
}
