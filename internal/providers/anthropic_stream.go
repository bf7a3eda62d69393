package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// streamAccum collects one SSE response into a ChatResponse as events arrive.
type streamAccum struct {
	resp         *ChatResponse
	onChunk      func(StreamChunk)
	toolArgsJSON map[int]string    // raw input_json_delta fragments per tool call index
	rawBlocks    []json.RawMessage // content blocks preserved for thinking passback
	blockType    string
	thinkChars   int
}

// ChatStream sends messages and invokes onChunk for each delta until the
// stream ends. The returned response carries the fully assembled content.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body := p.buildRequestBody(model, req, true)

	// Only the connection phase is retried. Once bytes flow, a failure
	// surfaces to the caller rather than replaying a partial stream.
	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	acc := &streamAccum{
		resp:         &ChatResponse{FinishReason: "stop"},
		onChunk:      onChunk,
		toolArgsJSON: make(map[int]string),
	}

	scanner := bufio.NewScanner(respBody)
	// Thinking deltas can produce very long data lines.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := strings.CutPrefix(line, "event: "); ok {
			event = rest
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if err := p.handleStreamEvent(acc, event, data); err != nil {
			return nil, err
		}
	}

	return acc.finish(p), nil
}

func (p *AnthropicProvider) handleStreamEvent(acc *streamAccum, event, data string) error {
	switch event {
	case "message_start":
		var ev anthropicMessageStartEvent
		if json.Unmarshal([]byte(data), &ev) == nil {
			if acc.resp.Usage == nil {
				acc.resp.Usage = &Usage{}
			}
			if ev.Message.Usage.InputTokens > 0 {
				acc.resp.Usage.PromptTokens = ev.Message.Usage.InputTokens
			}
			acc.resp.Usage.CacheCreationTokens = ev.Message.Usage.CacheCreationInputTokens
			acc.resp.Usage.CacheReadTokens = ev.Message.Usage.CacheReadInputTokens
		}

	case "content_block_start":
		var ev anthropicContentBlockStartEvent
		if json.Unmarshal([]byte(data), &ev) == nil {
			acc.blockType = ev.ContentBlock.Type
			if ev.ContentBlock.Type == "tool_use" {
				acc.resp.ToolCalls = append(acc.resp.ToolCalls, ToolCall{
					ID:        ev.ContentBlock.ID,
					Name:      strings.TrimSpace(ev.ContentBlock.Name),
					Arguments: make(map[string]interface{}),
				})
			}
			// Placeholder; replaced with the full block on content_block_stop.
			acc.rawBlocks = append(acc.rawBlocks, json.RawMessage(fmt.Sprintf(`{"type":"%s"`, ev.ContentBlock.Type)))
		}

	case "content_block_delta":
		var ev anthropicContentBlockDeltaEvent
		if json.Unmarshal([]byte(data), &ev) == nil {
			acc.applyDelta(ev)
		}

	case "content_block_stop":
		if n := len(acc.rawBlocks); n > 0 {
			if block := p.buildRawBlock(acc.blockType, acc.resp, acc.toolArgsJSON, n-1); block != nil {
				acc.rawBlocks[n-1] = block
			}
		}
		acc.blockType = ""

	case "message_delta":
		var ev anthropicMessageDeltaEvent
		if json.Unmarshal([]byte(data), &ev) == nil {
			acc.applyMessageDelta(ev)
		}

	case "error":
		var ev anthropicErrorEvent
		if json.Unmarshal([]byte(data), &ev) == nil {
			return fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
		}

	case "message_stop":
	}
	return nil
}

func (a *streamAccum) applyDelta(ev anthropicContentBlockDeltaEvent) {
	switch ev.Delta.Type {
	case "text_delta":
		a.resp.Content += ev.Delta.Text
		if a.onChunk != nil {
			a.onChunk(StreamChunk{Content: ev.Delta.Text})
		}
	case "thinking_delta":
		a.resp.Thinking += ev.Delta.Thinking
		a.thinkChars += len(ev.Delta.Thinking)
		if a.onChunk != nil {
			a.onChunk(StreamChunk{Thinking: ev.Delta.Thinking})
		}
	case "input_json_delta":
		if n := len(a.resp.ToolCalls); n > 0 {
			a.toolArgsJSON[n-1] += ev.Delta.PartialJSON
		}
	case "signature_delta":
		// Captured via raw block reconstruction on content_block_stop.
	}
}

func (a *streamAccum) applyMessageDelta(ev anthropicMessageDeltaEvent) {
	switch ev.Delta.StopReason {
	case "":
	case "tool_use":
		a.resp.FinishReason = "tool_calls"
	case "max_tokens":
		a.resp.FinishReason = "length"
	default:
		a.resp.FinishReason = "stop"
	}
	if ev.Usage.OutputTokens > 0 {
		if a.resp.Usage == nil {
			a.resp.Usage = &Usage{}
		}
		a.resp.Usage.CompletionTokens = ev.Usage.OutputTokens
	}
}

// finish parses buffered tool arguments, fills usage totals, and emits the
// terminal chunk.
func (a *streamAccum) finish(p *AnthropicProvider) *ChatResponse {
	for i, raw := range a.toolArgsJSON {
		if raw == "" {
			continue
		}
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(raw), &args)
		a.resp.ToolCalls[i].Arguments = args
	}

	if a.resp.Usage != nil {
		a.resp.Usage.TotalTokens = a.resp.Usage.PromptTokens + a.resp.Usage.CompletionTokens
		// Rough estimate: ~4 chars per thinking token.
		if a.thinkChars > 0 {
			a.resp.Usage.ThinkingTokens = a.thinkChars / 4
		}
	}

	if len(a.rawBlocks) > 0 && len(a.resp.ToolCalls) > 0 {
		if b, err := json.Marshal(a.rawBlocks); err == nil {
			a.resp.RawAssistantContent = b
		}
	}

	if a.onChunk != nil {
		a.onChunk(StreamChunk{Done: true})
	}
	return a.resp
}
