package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openclaw/openclaw/internal/agent"
	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/ingress"
	"github.com/openclaw/openclaw/internal/scheduler"
)

// inboundSubmitter is the slice of the run controller the pipeline needs.
type inboundSubmitter interface {
	Submit(ctx context.Context, sub agent.Submission) (*agent.Ack, error)
}

// consumeInbound is the channel → agent pipeline: raw adapter payloads come
// off the bus, pass the ingress gate, survive redelivery dedupe, and are
// debounced per session so rapid consecutive messages merge into one turn.
// Blocked pairing DMs get their code sent back to the sender.
func consumeInbound(ctx context.Context, cfg *config.Config, msgBus *bus.MessageBus, gate *ingress.Gate, ctrl inboundSubmitter) {
	window := time.Duration(cfg.Gateway.InboundDebounceMs) * time.Millisecond
	dedupe := bus.NewDedupeCache(0, 0)
	debouncer := bus.NewInboundDebouncer(window, func(_ string, msgs []bus.InboundMessage) {
		submitMerged(ctx, msgBus, gate, ctrl, msgs)
	})
	defer debouncer.Stop()

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}

		outcome := gate.Process(msg.Channel, msg.Payload)
		if outcome.Status != ingress.StatusAccepted {
			handleBlocked(msgBus, outcome)
			continue
		}
		in := outcome.Ctx

		// Adapters redeliver on reconnect; the platform message id is the
		// dedupe key.
		if in.MessageID != "" {
			dk := "inbound:" + in.Channel + ":" + in.ConversationID + ":" + in.MessageID
			if _, seen := dedupe.Get(dk); seen {
				slog.Debug("inbound.duplicate", "channel", in.Channel, "message", in.MessageID)
				continue
			}
			dedupe.Put(dk, struct{}{})
		}

		debouncer.Add(in.Channel+":"+in.SessionKey, msg)
	}
}

// submitMerged re-normalizes a debounced batch and submits it as one turn.
// Normalization is pure for accepted payloads, and the blocked paths were
// already filtered at intake.
func submitMerged(ctx context.Context, msgBus *bus.MessageBus, gate *ingress.Gate, ctrl inboundSubmitter, msgs []bus.InboundMessage) {
	var merged *ingress.InboundContext
	var bodies []string
	runID := ""
	for _, m := range msgs {
		outcome := gate.Process(m.Channel, m.Payload)
		if outcome.Status != ingress.StatusAccepted {
			continue
		}
		in := outcome.Ctx
		if merged == nil {
			merged = in
		} else {
			merged.Attachments = append(merged.Attachments, in.Attachments...)
			merged.MessageID = in.MessageID
			merged.Timestamp = in.Timestamp
		}
		if in.Body != "" {
			bodies = append(bodies, in.Body)
		}
		if m.RunID != "" {
			runID = m.RunID
		}
	}
	if merged == nil {
		return
	}
	merged.Body = strings.Join(bodies, "\n")
	merged.RawBody = merged.Body
	merged.BodyForAgent, merged.BodyForCommands = ingress.SplitCommand(merged.Body)

	ack, err := ctrl.Submit(ctx, agent.Submission{In: merged, RunID: runID})
	switch {
	case err == nil:
		slog.Debug("inbound.submitted",
			"channel", merged.Channel,
			"session", ack.SessionKey,
			"status", ack.Status,
			"merged", len(msgs),
		)
	case errors.Is(err, agent.ErrEmptyMessage):
		// Stickers, joins, other non-text noise.
	case errors.Is(err, scheduler.ErrQueueFull):
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: merged.Channel,
			ChatID:  merged.ConversationID,
			Content: "I'm handling too many requests right now, please try again in a moment.",
		})
	default:
		slog.Error("inbound.submit_failed", "channel", merged.Channel, "error", err)
	}
}

func handleBlocked(msgBus *bus.MessageBus, outcome ingress.Outcome) {
	if outcome.PairingCode == "" || outcome.Ctx == nil {
		slog.Debug("inbound.blocked", "reason", outcome.Reason)
		return
	}
	msgBus.PublishOutbound(bus.OutboundMessage{
		Channel: outcome.Ctx.Channel,
		ChatID:  outcome.Ctx.ConversationID,
		Content: fmt.Sprintf(
			"Your pairing code is %s. Ask the gateway owner to run:\n\nopenclaw pairing approve %s",
			outcome.PairingCode, outcome.PairingCode,
		),
	})
}
