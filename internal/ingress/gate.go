package ingress

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/sessions"
)

// Statuses returned by Process.
const (
	StatusAccepted = "accepted"
	StatusBlocked  = "blocked"
)

// PairingIssuer mints pairing codes for unknown DM senders.
type PairingIssuer interface {
	IssueCode(channel, senderID, meta string) (string, error)
}

// Outcome is the gate's verdict on one inbound payload.
type Outcome struct {
	Status      string          `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	Ctx         *InboundContext `json:"ctx,omitempty"`
	PairingCode string          `json:"pairingCode,omitempty"` // set when a pairing DM was blocked
}

// Gate runs the ingress pipeline: normalize, access control, group gating,
// session key resolution, body split. It is stateless per inbound; the only
// state it touches is the short-term group history.
type Gate struct {
	cfg         *config.Config
	registry    *sessions.Registry
	pairing     PairingIssuer
	history     *GroupHistory
	normalizers map[string]Normalizer
}

// NewGate builds a gate with the built-in normalizers registered.
func NewGate(cfg *config.Config, registry *sessions.Registry, pairing PairingIssuer) *Gate {
	g := &Gate{
		cfg:         cfg,
		registry:    registry,
		pairing:     pairing,
		history:     NewGroupHistory(0),
		normalizers: make(map[string]Normalizer),
	}
	g.Register(TelegramNormalizer{})
	g.Register(DiscordNormalizer{})
	g.Register(WebchatNormalizer{})
	return g
}

// Register adds or replaces a channel normalizer.
func (g *Gate) Register(n Normalizer) {
	g.normalizers[strings.ToLower(n.Channel())] = n
}

// History exposes the group history buffer for context assembly.
func (g *Gate) History() *GroupHistory { return g.history }

// Process runs the full pipeline for one inbound payload.
func (g *Gate) Process(channel string, payload json.RawMessage) Outcome {
	n, ok := g.normalizers[strings.ToLower(channel)]
	if !ok {
		return Outcome{Status: StatusBlocked, Reason: ReasonUnknownChannel}
	}

	ctx, err := n.Normalize(payload)
	if err != nil {
		slog.Debug("ingress.unparseable", "channel", channel, "error", err)
		return Outcome{Status: StatusBlocked, Reason: ReasonUnparseable}
	}

	if ctx.ChatType == ChatDirect {
		if out, code := g.checkDM(ctx); !out {
			// Ctx rides along so the consumer can tell the sender their
			// pairing code.
			return Outcome{Status: StatusBlocked, Reason: ReasonPolicy, Ctx: ctx, PairingCode: code}
		}
	} else {
		if !g.checkGroupPolicy(ctx) {
			return Outcome{Status: StatusBlocked, Reason: ReasonPolicy}
		}
	}

	if ctx.SessionKey == "" {
		key, err := g.registry.ResolveKey(sessions.ResolveInput{
			Channel:   ctx.Channel,
			AccountID: ctx.AccountID,
			Peer:      peerForContext(ctx),
			SelfID:    ctx.SelfID,
			SenderID:  ctx.SenderID,
		})
		if err != nil {
			slog.Warn("ingress.resolve_failed", "channel", channel, "error", err)
			return Outcome{Status: StatusBlocked, Reason: ReasonUnparseable}
		}
		ctx.SessionKey = key
	}

	// Group gating runs after key resolution so the per-session
	// groupActivation=always override can be consulted.
	if ctx.ChatType != ChatDirect && g.requireMention(ctx) {
		if !ctx.WasMentioned && !g.registry.GroupActivationAlways(ctx.SessionKey) {
			g.history.Record(ctx.ConversationID, ctx.SenderName, ctx.Body)
			return Outcome{Status: StatusBlocked, Reason: ReasonNotActivated}
		}
	}

	ctx.CommandAuthorized = g.cfg.IsOwner(ctx.SenderID)
	ctx.BodyForAgent, ctx.BodyForCommands = SplitCommand(ctx.Body)
	g.shrinkAttachments(ctx)

	return Outcome{Status: StatusAccepted, Ctx: ctx}
}

// checkDM applies the DM policy. The second return is a pairing code when
// one was issued for a blocked pairing DM.
func (g *Gate) checkDM(ctx *InboundContext) (bool, string) {
	policy := g.dmPolicy(ctx)
	switch policy {
	case DMDisabled:
		return false, ""
	case DMOpen:
		return true, ""
	}

	// allowlist and pairing both start with an allowlist check. A payload
	// override replaces the configured list for this inbound only.
	allowed := false
	if ctx.Policy != nil && ctx.Policy.AllowFrom != nil {
		allowed = sessions.AllowlistMatch(ctx.Policy.AllowFrom, ctx.SenderID, ctx.SenderUsername)
	} else {
		allowed = g.registry.DMAllowed(ctx.Channel, ctx.SenderID, ctx.SenderUsername)
	}
	if allowed {
		return true, ""
	}
	if policy != DMPairing || g.pairing == nil {
		return false, ""
	}

	code, err := g.pairing.IssueCode(ctx.Channel, ctx.SenderID, ctx.SenderName)
	if err != nil {
		slog.Warn("ingress.pairing_issue_failed", "channel", ctx.Channel, "sender", ctx.SenderID, "error", err)
		return false, ""
	}
	return false, code
}

func (g *Gate) checkGroupPolicy(ctx *InboundContext) bool {
	policy := g.groupPolicy(ctx)
	switch policy {
	case GroupDisabled:
		return false
	case GroupAllowlist:
		return g.registry.GroupAllowed(ctx.Channel, ctx.ConversationID)
	default:
		return true
	}
}

func (g *Gate) dmPolicy(ctx *InboundContext) string {
	if ctx.Policy != nil && ctx.Policy.DMPolicy != "" {
		return ctx.Policy.DMPolicy
	}
	switch ctx.Channel {
	case "telegram":
		if p := g.cfg.Channels.Telegram.DMPolicy; p != "" {
			return p
		}
		return DMPairing
	case "discord":
		if p := g.cfg.Channels.Discord.DMPolicy; p != "" {
			return p
		}
		return DMOpen
	}
	return DMOpen
}

func (g *Gate) groupPolicy(ctx *InboundContext) string {
	if ctx.Policy != nil && ctx.Policy.GroupPolicy != "" {
		return ctx.Policy.GroupPolicy
	}
	switch ctx.Channel {
	case "telegram":
		if p := g.cfg.Channels.Telegram.GroupPolicy; p != "" {
			return p
		}
	case "discord":
		if p := g.cfg.Channels.Discord.GroupPolicy; p != "" {
			return p
		}
	}
	return GroupOpen
}

func (g *Gate) requireMention(ctx *InboundContext) bool {
	if ctx.Policy != nil && ctx.Policy.RequireMention != nil {
		return *ctx.Policy.RequireMention
	}
	var flag *bool
	switch ctx.Channel {
	case "telegram":
		flag = g.cfg.Channels.Telegram.RequireMention
	case "discord":
		flag = g.cfg.Channels.Discord.RequireMention
	}
	if flag != nil {
		return *flag
	}
	return true
}

// shrinkAttachments enforces the attachment byte cap: oversized images are
// downscaled, anything else oversized is dropped.
func (g *Gate) shrinkAttachments(ctx *InboundContext) {
	max := g.cfg.Gateway.MaxAttachmentBytes
	if max <= 0 {
		max = 5 << 20
	}

	kept := ctx.Attachments[:0]
	for _, a := range ctx.Attachments {
		if a.Data == nil || int64(len(a.Data)) <= max {
			kept = append(kept, a)
			continue
		}
		if a.Type == "image" {
			shrunk, mime, err := ShrinkImage(a.Data, max)
			if err == nil {
				a.Data = shrunk
				a.MimeType = mime
				a.Size = int64(len(shrunk))
				kept = append(kept, a)
				continue
			}
			slog.Warn("ingress.image_shrink_failed", "file", a.FileName, "error", err)
		}
		slog.Warn("ingress.attachment_dropped", "file", a.FileName, "bytes", len(a.Data))
	}
	ctx.Attachments = kept
}

func peerForContext(ctx *InboundContext) sessions.Peer {
	switch ctx.ChatType {
	case ChatDirect:
		return sessions.Peer{Kind: sessions.PeerDM, ID: ctx.ConversationID}
	case ChatChannel:
		return sessions.Peer{Kind: sessions.PeerChannel, ID: ctx.ConversationID}
	case ChatTopic:
		return sessions.Peer{Kind: sessions.PeerTopic, ID: ctx.ConversationID + ":" + ctx.TopicID}
	default:
		return sessions.Peer{Kind: sessions.PeerGroup, ID: ctx.ConversationID}
	}
}

// SplitCommand derives the agent-facing and command-facing bodies. A leading
// "/" line is a command: it stays in BodyForCommands and is stripped from
// BodyForAgent. Plain messages pass through both unchanged.
func SplitCommand(body string) (bodyForAgent, bodyForCommands string) {
	trimmed := strings.TrimSpace(body)
	bodyForCommands = trimmed
	if !strings.HasPrefix(trimmed, "/") {
		return trimmed, bodyForCommands
	}
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		return strings.TrimSpace(trimmed[idx+1:]), bodyForCommands
	}
	return "", bodyForCommands
}
