// Assistant output cleanup. Model text can carry tool-call XML artifacts,
// leaked reasoning tags, echoed system prompts, and duplicated paragraphs;
// everything here runs before text reaches the transcript or a channel.

package agent

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// sanitizePasses run in order; each takes the output of the previous one.
var sanitizePasses = []func(string) string{
	stripGarbledToolXML,
	stripDowngradedToolCallText,
	stripThinkingTags,
	stripFinalTags,
	stripEchoedSystemMessages,
	collapseConsecutiveDuplicateBlocks,
	stripMediaPaths,
	stripLeadingBlankLines,
}

// SanitizeAssistantContent scrubs assistant response text before it is
// saved to the session or delivered to the user.
func SanitizeAssistantContent(content string) string {
	if content == "" {
		return content
	}

	original := content
	for _, pass := range sanitizePasses {
		content = pass(content)
		if content == "" {
			break
		}
	}
	content = strings.TrimSpace(content)

	if content != original {
		slog.Debug("sanitized assistant content",
			"original_len", len(original),
			"cleaned_len", len(content),
		)
	}
	return content
}

// Some models (DeepSeek, GLM, Minimax) emit tool-call XML as plain text
// instead of structured tool calls. A response carrying those markers is
// unusable: either the XML is the whole message, or what remains around it
// is leakage. Drop the response entirely when markers are present.

var garbledToolXMLPattern = regexp.MustCompile(
	`(?s)</?(?:function_calls?|functioninvoke|invoke|invfunction_calls|tool_call|tool_use|parameter|minimax:tool_call)[^>]*>`,
)

var garbledToolXMLIndicators = []string{
	"invfunction_calls",
	"functioninvoke",
	"<parameter name=",
	"</parameter",
	"<function_call",
	"<tool_call",
	"<tool_use",
	"<minimax:tool_call",
}

func stripGarbledToolXML(content string) string {
	lower := strings.ToLower(content)
	found := false
	for _, ind := range garbledToolXMLIndicators {
		if strings.Contains(lower, ind) {
			found = true
			break
		}
	}
	if !found {
		return content
	}

	cleaned := strings.TrimSpace(garbledToolXMLPattern.ReplaceAllString(content, ""))
	if cleaned == "" {
		slog.Warn("stripped entire response as garbled tool XML", "original_len", len(content))
		return ""
	}
	slog.Warn("stripped garbled tool call response",
		"original_len", len(content),
		"remaining_len", len(cleaned),
	)
	return ""
}

// stripDowngradedToolCallText removes [Tool Call: ...], [Tool Result ...]
// and [Historical context: ...] blocks emitted as text. Line-based scan;
// Go regexp has no lookahead.
func stripDowngradedToolCallText(content string) string {
	if !strings.Contains(content, "[Tool Call:") &&
		!strings.Contains(content, "[Tool Result") &&
		!strings.Contains(content, "[Historical context:") {
		return content
	}

	var kept []string
	skipping := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "[Tool Call:") ||
			strings.HasPrefix(trimmed, "[Tool Result") ||
			strings.HasPrefix(trimmed, "[Historical context:") {
			skipping = true
			continue
		}
		if skipping {
			// Argument JSON and tool output continue the block.
			if trimmed == "" || strings.HasPrefix(trimmed, "Arguments:") ||
				strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "}") {
				continue
			}
			skipping = false
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// Reasoning tags leak from models whose thinking mode is mis-detected.
// One pattern per tag name; Go regexp has no backreferences.
var thinkingTagPatterns = func() []*regexp.Regexp {
	names := []string{"think", "thinking", "thought", "antThinking", "antthinking"}
	pats := make([]*regexp.Regexp, 0, len(names))
	for _, n := range names {
		pats = append(pats, regexp.MustCompile(fmt.Sprintf(`(?is)<%s>.*?</%s>`, n, n)))
	}
	return pats
}()

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") &&
		!strings.Contains(lower, "<antthinking") {
		return content
	}
	for _, pat := range thinkingTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// stripFinalTags drops <final> markers but keeps the wrapped content.
var finalTagPattern = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)

func stripFinalTags(content string) string {
	if !strings.Contains(strings.ToLower(content), "final") {
		return content
	}
	return finalTagPattern.ReplaceAllString(content, "")
}

// stripEchoedSystemMessages removes "[System Message] ..." blocks the model
// echoed back from its prompt. A blank line terminates the block.
func stripEchoedSystemMessages(content string) string {
	if !strings.Contains(content, "[System Message]") {
		return content
	}

	var kept []string
	skipping := false
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "[System Message]") {
			skipping = true
			continue
		}
		if skipping {
			if strings.TrimSpace(line) == "" {
				skipping = false
			}
			continue
		}
		kept = append(kept, line)
	}

	cleaned := strings.TrimSpace(strings.Join(kept, "\n"))
	if cleaned != strings.TrimSpace(content) {
		slog.Warn("stripped echoed [System Message] from assistant response",
			"original_len", len(content),
			"cleaned_len", len(cleaned),
		)
	}
	return cleaned
}

// collapseConsecutiveDuplicateBlocks drops a paragraph when it repeats the
// one immediately before it.
func collapseConsecutiveDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}

	var kept []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(kept) > 0 && trimmed == strings.TrimSpace(kept[len(kept)-1]) {
			continue
		}
		kept = append(kept, block)
	}

	collapsed := strings.Join(kept, "\n\n")
	if collapsed != content {
		slog.Debug("collapsed duplicate blocks",
			"original_blocks", len(blocks),
			"result_blocks", len(kept),
		)
	}
	return collapsed
}

// stripMediaPaths removes MEDIA:/path lines. Media files travel on
// OutboundMessage.Media, never inline in the text.
func stripMediaPaths(content string) string {
	if !strings.Contains(content, "MEDIA:") {
		return content
	}
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "MEDIA:") || strings.HasPrefix(trimmed, "[[audio_as_voice]]") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

var leadingBlankLinesPattern = regexp.MustCompile(`^(?:[ \t]*\r?\n)+`)

// stripLeadingBlankLines keeps indentation of the first real line intact.
func stripLeadingBlankLines(content string) string {
	return leadingBlankLinesPattern.ReplaceAllString(content, "")
}

// IsSilentReply reports whether the text is a NO_REPLY token, alone or at
// either edge of the message.
func IsSilentReply(text string) bool {
	const token = "NO_REPLY"
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if trimmed == token {
		return true
	}
	if rest, ok := strings.CutPrefix(trimmed, token); ok {
		if rest == "" || !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if before, ok := strings.CutSuffix(trimmed, token); ok {
		if before == "" || !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
