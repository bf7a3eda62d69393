package agent

import (
	"github.com/openclaw/openclaw/internal/providers"
	"github.com/openclaw/openclaw/internal/transcript"
)

// historyMessages converts transcript records into provider messages for
// replay. Tool records are not replayed: tool_use/tool_result pairs cannot be
// reconstructed faithfully across provider wire formats, so history carries
// the conversational text only.
func historyMessages(records []transcript.MessageRecord) []providers.Message {
	var msgs []providers.Message
	for _, rec := range records {
		role := rec.Message.Role
		if role != "user" && role != "assistant" {
			continue
		}
		text := rec.Message.Text()
		if text == "" {
			continue
		}
		msgs = append(msgs, providers.Message{Role: role, Content: text})
	}
	return msgs
}

// trimToBudget drops the oldest whole turns until the estimated token count
// fits inside half the context window, leaving the other half for the system
// prompt, the new turn, and the response. A turn is one user message plus
// everything up to the next user message.
func trimToBudget(msgs []providers.Message, contextWindow int) []providers.Message {
	if contextWindow <= 0 {
		contextWindow = 200000
	}
	budget := contextWindow / 2

	for len(msgs) > 0 && estimateTokens(msgs) > budget {
		cut := 1
		for cut < len(msgs) && msgs[cut].Role != "user" {
			cut++
		}
		msgs = msgs[cut:]
	}
	return msgs
}

// estimateTokens is the rough chars/4 heuristic.
func estimateTokens(msgs []providers.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Content)
	}
	return chars / 4
}
