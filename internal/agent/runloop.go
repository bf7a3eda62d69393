package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openclaw/openclaw/internal/approval"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/providers"
	"github.com/openclaw/openclaw/internal/sessions"
	"github.com/openclaw/openclaw/internal/tools"
	"github.com/openclaw/openclaw/internal/transcript"
	"github.com/openclaw/openclaw/pkg/protocol"
)

// heartbeatAckToken is the reply prefix that suppresses heartbeat delivery.
const heartbeatAckToken = "HEARTBEAT_OK"

// defaultAckMaxChars is how much trailing text after HEARTBEAT_OK is still
// treated as "nothing needs attention".
const defaultAckMaxChars = 300

type runOutput struct {
	content string
	usage   *providers.Usage
}

// execute runs the think→act→observe loop for one dequeued run and finalizes
// the transcript and delivery. The returned content is post-sanitization.
func (c *Controller) execute(ctx context.Context, p *pendingRun) (out *runOutput, err error) {
	ctx, span := otel.Tracer("openclaw").Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("run.id", p.runID),
		attribute.String("session.key", p.sessionKey),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
		} else if out != nil && out.usage != nil {
			span.SetAttributes(
				attribute.Int("tokens.prompt", out.usage.PromptTokens),
				attribute.Int("tokens.completion", out.usage.CompletionTokens),
			)
		}
		span.End()
	}()

	entry, err := c.registry.Get(p.sessionKey)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", p.sessionKey, err)
	}
	agentID := entry.AgentID
	d := c.cfg.ResolveAgent(agentID)

	providerName, model := d.Provider, d.Model
	if entry.ModelOverride != "" {
		if pn, m, ok := splitModelRef(entry.ModelOverride); ok {
			providerName, model = pn, m
		}
	}
	provider, err := c.providers.Get(providerName)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = provider.DefaultModel()
	}

	workspace := config.ExpandHome(d.Workspace)
	path := c.registry.TranscriptPath(p.sessionKey, entry)
	if err := c.transcripts.Ensure(entry.SessionID, path, workspace); err != nil {
		return nil, err
	}

	history, err := c.transcripts.Read(path, 0)
	if err != nil {
		return nil, err
	}

	isSubagent := sessions.IsSubagent(p.sessionKey)
	messages := []providers.Message{{
		Role:    "system",
		Content: c.buildSystemPrompt(agentID, model, workspace, p.channel, isSubagent || sessions.IsCron(p.sessionKey)),
	}}
	messages = append(messages, trimToBudget(historyMessages(history), d.ContextWindow)...)

	userMsg := providers.Message{Role: "user", Content: p.message}
	if imgs := attachmentImages(p.attachments); len(imgs) > 0 {
		userMsg.Images = imgs
	}
	messages = append(messages, userMsg)

	if err := c.transcripts.Append(path, transcript.NewMessageRecord("user", p.message)); err != nil {
		return nil, err
	}

	// Tool context shared by every call in this run.
	toolCtx := tools.WithToolWorkspace(ctx, workspace)
	toolCtx = tools.WithToolRunID(toolCtx, p.runID)
	toolCtx = tools.WithApprovalPolicy(toolCtx, c.sessionApprovalPolicy(agentID))

	maxDepth := 1
	if sub := d.Subagents; sub != nil && sub.MaxSpawnDepth > 0 {
		maxDepth = sub.MaxSpawnDepth
	}
	isLeaf := isSubagent && c.spawnDepth(p.sessionKey) >= maxDepth

	var toolDefs []providers.ToolDefinition
	if c.policy != nil {
		toolDefs = c.policy.FilterTools(c.tools, agentID, isSubagent, isLeaf)
	} else if c.tools != nil {
		toolDefs = c.tools.ProviderDefs()
	}

	options := map[string]interface{}{
		providers.OptMaxTokens:   d.MaxTokens,
		providers.OptTemperature: d.Temperature,
	}
	thinking := resolveThinkingLevel(p.inline, entry.ThinkingLevel, d.ThinkingDefault, providerName, model)
	if thinking != "" && thinking != "off" {
		options[providers.OptThinkingLevel] = thinking
	}

	maxIterations := d.MaxToolIterations
	if maxIterations <= 0 {
		maxIterations = 20
	}

	var totalUsage providers.Usage
	var finalContent string
	asyncTools := 0

	for iteration := 1; iteration <= maxIterations; iteration++ {
		slog.Debug("agent.iteration", "run_id", p.runID, "iteration", iteration, "messages", len(messages))

		resp, err := provider.ChatStream(ctx, providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
			Model:    model,
			Options:  options,
		}, func(chunk providers.StreamChunk) {
			if chunk.Content != "" {
				c.chatDelta(p, protocol.ChatEventChunk, chunk.Content, false)
			}
			if chunk.Thinking != "" {
				c.chatDelta(p, protocol.ChatEventThinking, chunk.Thinking, false)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("llm call (iteration %d): %w", iteration, err)
		}
		totalUsage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		messages = append(messages, providers.Message{
			Role:                "assistant",
			Content:             resp.Content,
			ToolCalls:           resp.ToolCalls,
			RawAssistantContent: resp.RawAssistantContent,
		})

		results := c.runToolCalls(toolCtx, p, resp.ToolCalls)
		for _, r := range results {
			if r.result.Async {
				asyncTools++
			}
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    r.result.ForLLM,
				ToolCallID: r.tc.ID,
			})
			c.appendToolRecord(path, r.tc, r.result)
		}
	}

	finalContent = SanitizeAssistantContent(finalContent)
	silent := IsSilentReply(finalContent)
	if finalContent == "" {
		if asyncTools > 0 {
			finalContent = "Working on it, I'll follow up when it finishes."
		} else {
			finalContent = "..."
		}
	}

	rec := transcript.NewMessageRecord("assistant", finalContent)
	rec.Message.StopReason = "stop"
	rec.Message.Usage = &transcript.Usage{
		Input:  totalUsage.PromptTokens,
		Output: totalUsage.CompletionTokens,
		Total:  totalUsage.TotalTokens,
	}
	if err := c.transcripts.Append(path, rec); err != nil {
		slog.Warn("agent.transcript_append_failed", "run_id", p.runID, "error", err)
	}

	c.registry.AccumulateTokens(p.sessionKey, int64(totalUsage.PromptTokens), int64(totalUsage.CompletionTokens))

	if silent {
		slog.Info("agent.silent_reply", "run_id", p.runID, "session", p.sessionKey)
		c.chatDelta(p, protocol.ChatEventMessage, "", true)
		return &runOutput{content: "", usage: &totalUsage}, nil
	}

	c.chatDelta(p, protocol.ChatEventMessage, finalContent, true)

	if p.deliver {
		out := finalContent
		if p.heartbeat {
			var ok bool
			out, ok = heartbeatDeliverable(finalContent, c.ackMaxChars(d))
			if !ok {
				return &runOutput{content: finalContent, usage: &totalUsage}, nil
			}
		}
		if d.ResponsePrefix != "" {
			out = d.ResponsePrefix + out
		}
		c.deliver(p.channel, p.chatID, out)
	}

	return &runOutput{content: finalContent, usage: &totalUsage}, nil
}

type toolCallResult struct {
	idx    int
	tc     providers.ToolCall
	result *tools.Result
}

// runToolCalls executes a batch of tool calls — sequentially for one,
// parallel goroutines for several. Results come back ordered by call index
// so the message history stays deterministic.
func (c *Controller) runToolCalls(ctx context.Context, p *pendingRun, calls []providers.ToolCall) []toolCallResult {
	for _, tc := range calls {
		c.agentEvent(protocol.AgentEventToolCall, p, map[string]interface{}{"name": tc.Name, "id": tc.ID})
	}

	exec := func(tc providers.ToolCall) *tools.Result {
		argsJSON, _ := json.Marshal(tc.Arguments)
		slog.Info("agent.tool_call", "run_id", p.runID, "tool", tc.Name, "args_len", len(argsJSON))
		toolCtx, span := otel.Tracer("openclaw").Start(ctx, "agent.tool", trace.WithAttributes(
			attribute.String("tool.name", tc.Name),
			attribute.String("run.id", p.runID),
		))
		res := c.tools.ExecuteWithContext(toolCtx, tc.Name, tc.Arguments, p.channel, p.chatID, p.peerKind, p.sessionKey, nil)
		span.SetAttributes(attribute.Bool("tool.is_error", res != nil && res.IsError))
		span.End()
		return res
	}

	var collected []toolCallResult
	if len(calls) == 1 {
		collected = []toolCallResult{{idx: 0, tc: calls[0], result: exec(calls[0])}}
	} else {
		resultCh := make(chan toolCallResult, len(calls))
		var wg sync.WaitGroup
		for i, tc := range calls {
			wg.Add(1)
			go func(idx int, tc providers.ToolCall) {
				defer wg.Done()
				resultCh <- toolCallResult{idx: idx, tc: tc, result: exec(tc)}
			}(i, tc)
		}
		go func() { wg.Wait(); close(resultCh) }()
		for r := range resultCh {
			collected = append(collected, r)
		}
		sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })
	}

	for _, r := range collected {
		if r.result.IsError {
			msg := r.result.ForLLM
			if len(msg) > 200 {
				msg = msg[:200] + "..."
			}
			slog.Warn("agent.tool_error", "run_id", p.runID, "tool", r.tc.Name, "error", msg)
		}
		c.agentEvent(protocol.AgentEventToolResult, p, map[string]interface{}{
			"name":     r.tc.Name,
			"id":       r.tc.ID,
			"is_error": r.result.IsError,
		})
	}
	return collected
}

// appendToolRecord persists one tool outcome to the transcript.
func (c *Controller) appendToolRecord(path string, tc providers.ToolCall, res *tools.Result) {
	now := time.Now().UnixMilli()
	rec := transcript.MessageRecord{
		Type:      transcript.RecordTypeMessage,
		ID:        newSessionID(),
		Timestamp: now,
		Message: transcript.MessageData{
			Role:      "toolResult",
			Timestamp: now,
			Content: []transcript.ContentBlock{{
				Type:     "toolResult",
				Text:     res.ForLLM,
				ToolID:   tc.ID,
				ToolName: tc.Name,
			}},
		},
	}
	if err := c.transcripts.Append(path, rec); err != nil {
		slog.Warn("agent.transcript_append_failed", "tool", tc.Name, "error", err)
	}
}

// sessionApprovalPolicy resolves the per-agent exec approval override, merged
// against the global policy inside the engine.
func (c *Controller) sessionApprovalPolicy(agentID string) approval.Policy {
	if spec, ok := c.cfg.Agents.List[agentID]; ok && spec.ExecApproval != nil {
		return approval.Policy{Security: spec.ExecApproval.Security, Ask: spec.ExecApproval.Ask}
	}
	return approval.Policy{}
}

func (c *Controller) ackMaxChars(d config.AgentDefaults) int {
	if d.Heartbeat != nil && d.Heartbeat.AckMaxChars > 0 {
		return d.Heartbeat.AckMaxChars
	}
	return defaultAckMaxChars
}

// heartbeatDeliverable strips the HEARTBEAT_OK ack and decides whether the
// remainder still warrants channel delivery.
func heartbeatDeliverable(content string, ackMax int) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, heartbeatAckToken) {
		return content, true
	}
	rest := strings.TrimSpace(strings.TrimPrefix(trimmed, heartbeatAckToken))
	rest = strings.TrimLeft(rest, ":-— \t\n")
	if len(rest) <= ackMax {
		return "", false
	}
	return rest, true
}

// resolveThinkingLevel applies the precedence inline > session > global
// default, then falls back to "off" for models without a reasoning mode.
func resolveThinkingLevel(inline, session, global, providerName, model string) string {
	level := inline
	if level == "" {
		level = session
	}
	if level == "" {
		level = global
	}
	if level == "" || level == "off" {
		return "off"
	}
	if !modelSupportsThinking(providerName, model) {
		return "off"
	}
	return level
}

// modelSupportsThinking is a coarse capability check for the built-in
// providers.
func modelSupportsThinking(providerName, model string) bool {
	m := strings.ToLower(model)
	switch providerName {
	case "anthropic":
		return !strings.Contains(m, "haiku-3")
	case "openai":
		return strings.HasPrefix(m, "o") || strings.Contains(m, "gpt-5")
	}
	return false
}
