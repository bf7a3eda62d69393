package channels

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// Chunk splits text into pieces whose display width fits the platform's
// message limit, preferring paragraph, then line, then word boundaries.
// A single overlong word is cut mid-word.
func Chunk(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || runewidth.StringWidth(text) <= limit {
		return []string{text}
	}

	var chunks []string
	rest := text
	for runewidth.StringWidth(rest) > limit {
		cut := cutIndex(rest, limit)
		chunk := strings.TrimRight(rest[:cut], " \n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		rest = strings.TrimLeft(rest[cut:], " \n")
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// cutIndex returns the byte offset to split s at: the last paragraph, line,
// or word boundary within the width limit, else a hard cut.
func cutIndex(s string, limit int) int {
	width := 0
	lastSpace, lastLine, lastPara := -1, -1, -1
	prev := rune(0)

	for i, r := range s {
		width += runewidth.RuneWidth(r)
		if width > limit {
			switch {
			case lastPara > 0:
				return lastPara
			case lastLine > 0:
				return lastLine
			case lastSpace > 0:
				return lastSpace
			case i > 0:
				return i
			default:
				return len(string(r))
			}
		}
		switch r {
		case '\n':
			if prev == '\n' {
				lastPara = i
			}
			lastLine = i
		case ' ':
			lastSpace = i
		}
		prev = r
	}
	return len(s)
}
