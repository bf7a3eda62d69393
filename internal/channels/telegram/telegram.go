// Package telegram is the Telegram Bot API adapter: long-poll updates in,
// chunked sendMessage out, typing actions while a reply streams.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/channels"
	"github.com/openclaw/openclaw/internal/config"
)

const (
	messageLimit  = 4096
	typingRefresh = 4 * time.Second
	stopGrace     = 10 * time.Second
)

// Channel connects to Telegram via Bot API long polling.
type Channel struct {
	*channels.BaseChannel
	bot *telego.Bot
	cfg config.TelegramConfig

	pollCancel context.CancelFunc
	pollDone   chan struct{}
	lastTyping sync.Map // chatID string → time.Time
}

// New builds the adapter from config.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus),
		bot:         bot,
		cfg:         cfg,
	}, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram.connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram.updates_closed")
					return
				}
				if update.Message != nil {
					c.publishMessage(update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels long polling and waits for the receive loop. Telegram holds
// a getUpdates lock until the old poller exits.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(stopGrace):
			slog.Warn("telegram.poll_exit_timeout")
		}
	}
	return nil
}

// envelope wraps one Bot API message with the receiving account's identity
// and the configured policy overrides for the ingress gate.
type envelope struct {
	Message *telego.Message `json:"message"`
	Me      identity        `json:"me"`

	AllowFrom      []string `json:"allowFrom,omitempty"`
	DMPolicy       string   `json:"dmPolicy,omitempty"`
	GroupPolicy    string   `json:"groupPolicy,omitempty"`
	RequireMention *bool    `json:"requireMention,omitempty"`
}

type identity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

func (c *Channel) publishMessage(msg *telego.Message) {
	payload, err := json.Marshal(envelope{
		Message:        msg,
		Me:             identity{ID: c.bot.ID(), Username: c.bot.Username()},
		AllowFrom:      c.cfg.AllowFrom,
		DMPolicy:       c.cfg.DMPolicy,
		GroupPolicy:    c.cfg.GroupPolicy,
		RequireMention: c.cfg.RequireMention,
	})
	if err != nil {
		slog.Warn("telegram.payload_marshal_failed", "error", err)
		return
	}
	if !c.Publish(payload) {
		slog.Warn("telegram.inbound_dropped", "chat_id", msg.Chat.ID)
	}
}

// Send delivers an outbound message, split to the Bot API message limit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.Running() {
		return fmt.Errorf("telegram bot not running")
	}
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", msg.ChatID, err)
	}

	for _, chunk := range channels.Chunk(msg.Content, messageLimit) {
		params := tu.Message(tu.ID(chatID), chunk)
		if c.cfg.LinkPreview != nil && !*c.cfg.LinkPreview {
			params.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
		}
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// StreamEnabled reports whether run progress maps to typing actions.
func (c *Channel) StreamEnabled() bool { return c.Running() }

// OnStreamStart shows the typing indicator.
func (c *Channel) OnStreamStart(ctx context.Context, chatID string) error {
	return c.typing(ctx, chatID, true)
}

// OnStreamDelta refreshes the typing indicator; Telegram clears it after
// roughly five seconds.
func (c *Channel) OnStreamDelta(ctx context.Context, chatID string) error {
	return c.typing(ctx, chatID, false)
}

// OnStreamEnd is a no-op: the reply message clears the indicator.
func (c *Channel) OnStreamEnd(_ context.Context, chatID string) error {
	c.lastTyping.Delete(chatID)
	return nil
}

func (c *Channel) typing(ctx context.Context, chatID string, force bool) error {
	if !force {
		if v, ok := c.lastTyping.Load(chatID); ok && time.Since(v.(time.Time)) < typingRefresh {
			return nil
		}
	}
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	c.lastTyping.Store(chatID, time.Now())
	return c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(id), telego.ChatActionTyping))
}

// parseChatID extracts the numeric chat id, dropping any ":topic:<n>"
// suffix from composite conversation ids.
func parseChatID(chatID string) (int64, error) {
	raw := chatID
	if idx := strings.Index(chatID, ":"); idx > 0 {
		raw = chatID[:idx]
	}
	return strconv.ParseInt(raw, 10, 64)
}
