// Package discord is the Discord adapter: gateway events in, chunked
// channel messages out, typing indicators while a reply streams.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/channels"
	"github.com/openclaw/openclaw/internal/config"
)

const (
	messageLimit = 2000
	// Discord clears the typing indicator after ~10 s.
	typingRefresh = 8 * time.Second
)

// Channel connects to the Discord gateway via discordgo.
type Channel struct {
	*channels.BaseChannel
	session *discordgo.Session
	cfg     config.DiscordConfig

	botUserID   string
	botUsername string
	lastTyping  sync.Map // channelID string → time.Time
}

// New builds the adapter from config.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", msgBus),
		session:     session,
		cfg:         cfg,
	}, nil
}

// Start opens the gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.botUsername = user.Username

	c.SetRunning(true)
	slog.Info("discord.connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

// envelope wraps one MESSAGE_CREATE with the bot's identity and the
// configured policy overrides for the ingress gate.
type envelope struct {
	Message *discordgo.Message `json:"message"`
	Me      identity           `json:"me"`

	AllowFrom      []string `json:"allowFrom,omitempty"`
	DMPolicy       string   `json:"dmPolicy,omitempty"`
	GroupPolicy    string   `json:"groupPolicy,omitempty"`
	RequireMention *bool    `json:"requireMention,omitempty"`
}

type identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	payload, err := json.Marshal(envelope{
		Message:        m.Message,
		Me:             identity{ID: c.botUserID, Username: c.botUsername},
		AllowFrom:      c.cfg.AllowFrom,
		DMPolicy:       c.cfg.DMPolicy,
		GroupPolicy:    c.cfg.GroupPolicy,
		RequireMention: c.cfg.RequireMention,
	})
	if err != nil {
		slog.Warn("discord.payload_marshal_failed", "error", err)
		return
	}
	if !c.Publish(payload) {
		slog.Warn("discord.inbound_dropped", "channel_id", m.ChannelID)
	}
}

// Send delivers an outbound message, split to the Discord message limit.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.Running() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("empty discord channel id")
	}
	for _, chunk := range channels.Chunk(msg.Content, messageLimit) {
		if _, err := c.session.ChannelMessageSend(msg.ChatID, chunk); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

// StreamEnabled reports whether run progress maps to typing indicators.
func (c *Channel) StreamEnabled() bool { return c.Running() }

// OnStreamStart shows the typing indicator.
func (c *Channel) OnStreamStart(_ context.Context, chatID string) error {
	c.lastTyping.Store(chatID, time.Now())
	return c.session.ChannelTyping(chatID)
}

// OnStreamDelta refreshes the typing indicator, throttled.
func (c *Channel) OnStreamDelta(_ context.Context, chatID string) error {
	if v, ok := c.lastTyping.Load(chatID); ok && time.Since(v.(time.Time)) < typingRefresh {
		return nil
	}
	c.lastTyping.Store(chatID, time.Now())
	return c.session.ChannelTyping(chatID)
}

// OnStreamEnd is a no-op: the reply message clears the indicator.
func (c *Channel) OnStreamEnd(_ context.Context, chatID string) error {
	c.lastTyping.Delete(chatID)
	return nil
}
