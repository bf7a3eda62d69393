package ingress

import (
	"encoding/json"
	"fmt"
	"time"
)

// discordPayload mirrors the subset of the gateway MESSAGE_CREATE shape the
// gateway consumes, wrapped with the bot's own identity.
type discordPayload struct {
	Message *discordMessage `json:"message"`
	Me      struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"me"`

	DMPolicy       string   `json:"dmPolicy,omitempty"`
	GroupPolicy    string   `json:"groupPolicy,omitempty"`
	AllowFrom      []string `json:"allowFrom,omitempty"`
	RequireMention *bool    `json:"requireMention,omitempty"`
}

type discordMessage struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Author    *struct {
		ID         string `json:"id"`
		Username   string `json:"username"`
		GlobalName string `json:"global_name"`
	} `json:"author"`
	Mentions []struct {
		ID string `json:"id"`
	} `json:"mentions"`
	MessageReference *struct {
		MessageID string `json:"message_id"`
	} `json:"message_reference"`
	ReferencedMessage *struct {
		Author *struct {
			ID string `json:"id"`
		} `json:"author"`
	} `json:"referenced_message"`
	Attachments []struct {
		URL         string `json:"url"`
		Filename    string `json:"filename"`
		ContentType string `json:"content_type"`
		Size        int64  `json:"size"`
	} `json:"attachments"`
}

// DiscordNormalizer parses discord message payloads.
type DiscordNormalizer struct{}

func (DiscordNormalizer) Channel() string { return "discord" }

func (DiscordNormalizer) Normalize(payload json.RawMessage) (*InboundContext, error) {
	var p discordPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("discord payload: %w", err)
	}
	msg := p.Message
	if msg == nil || msg.Author == nil {
		return nil, fmt.Errorf("discord payload: missing message or author")
	}

	ctx := &InboundContext{
		Provider:       "discord",
		Channel:        "discord",
		AccountID:      p.Me.ID,
		SenderID:       msg.Author.ID,
		SenderName:     msg.Author.GlobalName,
		SenderUsername: msg.Author.Username,
		ConversationID: msg.ChannelID,
		RawBody:        msg.Content,
		Body:           msg.Content,
		MessageID:      msg.ID,
		SelfID:         p.Me.ID,
	}
	if ctx.SenderName == "" {
		ctx.SenderName = msg.Author.Username
	}
	if ts, err := time.Parse(time.RFC3339, msg.Timestamp); err == nil {
		ctx.Timestamp = ts.UnixMilli()
	}

	// Guild-less messages are DMs; guild messages map to the channel peer.
	if msg.GuildID == "" {
		ctx.ChatType = ChatDirect
		ctx.ConversationID = msg.Author.ID
	} else {
		ctx.ChatType = ChatChannel
	}

	for _, m := range msg.Mentions {
		ctx.MentionedIDs = appendUnique(ctx.MentionedIDs, m.ID)
		if m.ID == p.Me.ID {
			ctx.WasMentioned = true
		}
	}
	if msg.MessageReference != nil {
		ctx.ReplyToID = msg.MessageReference.MessageID
	}
	if ref := msg.ReferencedMessage; ref != nil && ref.Author != nil && ref.Author.ID == p.Me.ID {
		ctx.WasMentioned = true
	}

	for _, a := range msg.Attachments {
		kind := "document"
		if len(a.ContentType) >= 6 && a.ContentType[:6] == "image/" {
			kind = "image"
		}
		ctx.Attachments = append(ctx.Attachments, Attachment{
			Type:     kind,
			URL:      a.URL,
			FileName: a.Filename,
			MimeType: a.ContentType,
			Size:     a.Size,
		})
	}

	if p.DMPolicy != "" || p.GroupPolicy != "" || p.AllowFrom != nil || p.RequireMention != nil {
		ctx.Policy = &PolicyOverride{
			DMPolicy:       p.DMPolicy,
			GroupPolicy:    p.GroupPolicy,
			AllowFrom:      p.AllowFrom,
			RequireMention: p.RequireMention,
		}
	}
	return ctx, nil
}
