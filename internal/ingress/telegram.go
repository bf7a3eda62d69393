package ingress

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/openclaw/openclaw/internal/config"
)

// telegramPayload mirrors the subset of the Bot API update schema the
// gateway consumes, wrapped with the receiving account's identity and
// optional policy overrides.
type telegramPayload struct {
	Message *telegramMessage `json:"message"`
	Me      struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"me"`

	AllowFrom      config.FlexibleStringSlice `json:"allowFrom,omitempty"`
	DMPolicy       string                     `json:"dmPolicy,omitempty"`
	GroupPolicy    string                     `json:"groupPolicy,omitempty"`
	RequireMention *bool                      `json:"requireMention,omitempty"`
}

type telegramMessage struct {
	MessageID int64 `json:"message_id"`
	Date      int64 `json:"date"`
	Chat      struct {
		ID    int64  `json:"id"`
		Type  string `json:"type"` // private|group|supergroup|channel
		Title string `json:"title"`
	} `json:"chat"`
	From *struct {
		ID        int64  `json:"id"`
		Username  string `json:"username"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	} `json:"from"`
	Text            string `json:"text"`
	Caption         string `json:"caption"`
	MessageThreadID int64  `json:"message_thread_id"`
	ReplyToMessage  *struct {
		MessageID int64 `json:"message_id"`
		From      *struct {
			ID int64 `json:"id"`
		} `json:"from"`
	} `json:"reply_to_message"`
	Entities []struct {
		Type   string `json:"type"`
		Offset int    `json:"offset"`
		Length int    `json:"length"`
	} `json:"entities"`
	ForwardFrom *struct {
		ID        int64  `json:"id"`
		FirstName string `json:"first_name"`
		Username  string `json:"username"`
	} `json:"forward_from"`
	ForwardFromChat *struct {
		ID    int64  `json:"id"`
		Type  string `json:"type"`
		Title string `json:"title"`
	} `json:"forward_from_chat"`
	ForwardDate int64 `json:"forward_date"`
	Location    *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
	Photo []struct {
		FileID   string `json:"file_id"`
		FileSize int64  `json:"file_size"`
	} `json:"photo"`
	Document *struct {
		FileID   string `json:"file_id"`
		FileName string `json:"file_name"`
		MimeType string `json:"mime_type"`
		FileSize int64  `json:"file_size"`
	} `json:"document"`
}

// TelegramNormalizer parses telegram update payloads.
type TelegramNormalizer struct{}

func (TelegramNormalizer) Channel() string { return "telegram" }

func (TelegramNormalizer) Normalize(payload json.RawMessage) (*InboundContext, error) {
	var p telegramPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("telegram payload: %w", err)
	}
	msg := p.Message
	if msg == nil || msg.From == nil {
		return nil, fmt.Errorf("telegram payload: missing message or sender")
	}

	body := msg.Text
	if body == "" {
		body = msg.Caption
	}

	ctx := &InboundContext{
		Provider:       "telegram",
		Channel:        "telegram",
		AccountID:      strconv.FormatInt(p.Me.ID, 10),
		SenderID:       strconv.FormatInt(msg.From.ID, 10),
		SenderName:     strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		SenderUsername: msg.From.Username,
		ConversationID: strconv.FormatInt(msg.Chat.ID, 10),
		GroupSubject:   msg.Chat.Title,
		RawBody:        body,
		Body:           body,
		MessageID:      strconv.FormatInt(msg.MessageID, 10),
		SelfID:         strconv.FormatInt(p.Me.ID, 10),
		Timestamp:      msg.Date * 1000,
	}

	switch msg.Chat.Type {
	case "private":
		ctx.ChatType = ChatDirect
	case "channel":
		ctx.ChatType = ChatChannel
	default:
		ctx.ChatType = ChatGroup
		if msg.MessageThreadID != 0 {
			ctx.ChatType = ChatTopic
			ctx.TopicID = strconv.FormatInt(msg.MessageThreadID, 10)
		}
	}

	if msg.ReplyToMessage != nil {
		ctx.ReplyToID = strconv.FormatInt(msg.ReplyToMessage.MessageID, 10)
		if f := msg.ReplyToMessage.From; f != nil && f.ID == p.Me.ID {
			ctx.WasMentioned = true
		}
	}

	// Mention entities: collapse any number of @botname mentions to one.
	botTag := "@" + p.Me.Username
	runes := []rune(body)
	for _, e := range msg.Entities {
		if e.Type != "mention" || e.Offset+e.Length > len(runes) {
			continue
		}
		mention := string(runes[e.Offset : e.Offset+e.Length])
		ctx.MentionedIDs = appendUnique(ctx.MentionedIDs, mention)
		if p.Me.Username != "" && strings.EqualFold(mention, botTag) {
			ctx.WasMentioned = true
		}
	}
	if !ctx.WasMentioned && p.Me.Username != "" &&
		strings.Contains(strings.ToLower(body), strings.ToLower(botTag)) {
		ctx.WasMentioned = true
	}

	if msg.ForwardFrom != nil {
		ctx.ForwardedFrom = strconv.FormatInt(msg.ForwardFrom.ID, 10)
		ctx.ForwardedFromType = "user"
		ctx.ForwardedDate = msg.ForwardDate * 1000
	} else if msg.ForwardFromChat != nil {
		ctx.ForwardedFrom = strconv.FormatInt(msg.ForwardFromChat.ID, 10)
		ctx.ForwardedFromType = msg.ForwardFromChat.Type
		ctx.ForwardedDate = msg.ForwardDate * 1000
	}

	if msg.Location != nil {
		ctx.Location = &Location{Latitude: msg.Location.Latitude, Longitude: msg.Location.Longitude}
	}

	if len(msg.Photo) > 0 {
		// Largest rendition is last.
		best := msg.Photo[len(msg.Photo)-1]
		ctx.Attachments = append(ctx.Attachments, Attachment{
			Type: "image", URL: "tg-file://" + best.FileID, Size: best.FileSize,
		})
	}
	if msg.Document != nil {
		ctx.Attachments = append(ctx.Attachments, Attachment{
			Type:     "document",
			URL:      "tg-file://" + msg.Document.FileID,
			FileName: msg.Document.FileName,
			MimeType: msg.Document.MimeType,
			Size:     msg.Document.FileSize,
		})
	}

	if p.DMPolicy != "" || p.GroupPolicy != "" || p.AllowFrom != nil || p.RequireMention != nil {
		ov := &PolicyOverride{
			DMPolicy:       p.DMPolicy,
			GroupPolicy:    p.GroupPolicy,
			RequireMention: p.RequireMention,
		}
		ov.AllowFrom = append([]string(nil), p.AllowFrom...)
		ctx.Policy = ov
	}
	return ctx, nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
