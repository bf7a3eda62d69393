package providers

import "encoding/json"

// buildRawBlock reassembles a finished content block from streamed pieces.
// Thinking blocks must round-trip verbatim (signature included) or the API
// rejects the tool-use passback.
func (p *AnthropicProvider) buildRawBlock(blockType string, result *ChatResponse, toolCallJSON map[int]string, _ int) json.RawMessage {
	marshal := func(block map[string]interface{}) json.RawMessage {
		b, err := json.Marshal(block)
		if err != nil {
			return nil
		}
		return b
	}

	switch blockType {
	case "thinking":
		return marshal(map[string]interface{}{
			"type":     "thinking",
			"thinking": result.Thinking,
		})
	case "text":
		return marshal(map[string]interface{}{
			"type": "text",
			"text": result.Content,
		})
	case "tool_use":
		if len(result.ToolCalls) == 0 {
			return nil
		}
		last := len(result.ToolCalls) - 1
		tc := result.ToolCalls[last]
		args := make(map[string]interface{})
		if raw := toolCallJSON[last]; raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		return marshal(map[string]interface{}{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": args,
		})
	case "redacted_thinking":
		// The encrypted payload is not exposed over streaming.
		return marshal(map[string]interface{}{
			"type": "redacted_thinking",
		})
	}
	return nil
}

func (p *AnthropicProvider) buildRequestBody(model string, req ChatRequest, stream bool) map[string]interface{} {
	systemBlocks, messages := convertAnthropicMessages(req.Messages)

	body := map[string]interface{}{
		"model":         model,
		"max_tokens":    4096,
		"messages":      messages,
		"cache_control": map[string]interface{}{"type": "ephemeral"},
	}
	if stream {
		body["stream"] = true
	}
	if len(systemBlocks) > 0 {
		body["system"] = systemBlocks
	}

	if len(req.Tools) > 0 {
		var tools []map[string]interface{}
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": CleanSchemaForProvider("anthropic", t.Function.Parameters),
			})
		}
		body["tools"] = tools
	}

	if v, ok := req.Options[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature]; ok {
		body["temperature"] = v
	}

	if level, ok := req.Options[OptThinkingLevel].(string); ok && level != "" && level != "off" {
		budget := anthropicThinkingBudget(level)
		body["thinking"] = map[string]interface{}{
			"type":          "enabled",
			"budget_tokens": budget,
		}
		// The API rejects temperature alongside extended thinking, and
		// max_tokens has to cover the budget plus the visible reply.
		delete(body, "temperature")
		if maxTok, ok := body["max_tokens"].(int); !ok || maxTok < budget+4096 {
			body["max_tokens"] = budget + 8192
		}
	}

	return body
}

// convertAnthropicMessages splits system prompts from the conversation and
// maps every message to Anthropic's block format.
func convertAnthropicMessages(msgs []Message) (system, messages []map[string]interface{}) {
	for _, msg := range msgs {
		switch msg.Role {
		case "system":
			system = append(system, textBlock(msg.Content))
		case "user":
			messages = append(messages, anthropicUserMessage(msg))
		case "assistant":
			messages = append(messages, anthropicAssistantMessage(msg))
		case "tool":
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Content,
				}},
			})
		}
	}
	return system, messages
}

func anthropicUserMessage(msg Message) map[string]interface{} {
	if len(msg.Images) == 0 {
		return map[string]interface{}{"role": "user", "content": msg.Content}
	}
	var blocks []map[string]interface{}
	for _, img := range msg.Images {
		blocks = append(blocks, map[string]interface{}{
			"type": "image",
			"source": map[string]interface{}{
				"type":       "base64",
				"media_type": img.MimeType,
				"data":       img.Data,
			},
		})
	}
	if msg.Content != "" {
		blocks = append(blocks, textBlock(msg.Content))
	}
	return map[string]interface{}{"role": "user", "content": blocks}
}

func anthropicAssistantMessage(msg Message) map[string]interface{} {
	// Prior turns with thinking blocks are replayed verbatim so signatures
	// stay valid.
	if msg.RawAssistantContent != nil {
		var rawBlocks []json.RawMessage
		if json.Unmarshal(msg.RawAssistantContent, &rawBlocks) == nil && len(rawBlocks) > 0 {
			return map[string]interface{}{"role": "assistant", "content": rawBlocks}
		}
	}

	var blocks []map[string]interface{}
	if msg.Content != "" {
		blocks = append(blocks, textBlock(msg.Content))
	}
	for _, tc := range msg.ToolCalls {
		blocks = append(blocks, map[string]interface{}{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": tc.Arguments,
		})
	}
	return map[string]interface{}{"role": "assistant", "content": blocks}
}

func textBlock(text string) map[string]interface{} {
	return map[string]interface{}{"type": "text", "text": text}
}

// anthropicThinkingBudget maps a thinking level to a token budget.
func anthropicThinkingBudget(level string) int {
	switch level {
	case "low":
		return 4096
	case "medium":
		return 10000
	case "high":
		return 32000
	default:
		return 10000
	}
}
