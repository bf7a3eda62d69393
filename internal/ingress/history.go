package ingress

import (
	"sync"
	"time"
)

const defaultHistoryLimit = 50

// HistoryItem is one unaddressed group message kept for later context.
type HistoryItem struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
	At     int64  `json:"at"`
}

// GroupHistory buffers recent group messages that did not trigger a turn, so
// the next activated turn can see what it missed. Bounded per conversation.
type GroupHistory struct {
	limit int

	mu     sync.Mutex
	groups map[string][]HistoryItem
}

// NewGroupHistory creates a buffer. limit <= 0 uses the default 50.
func NewGroupHistory(limit int) *GroupHistory {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &GroupHistory{limit: limit, groups: make(map[string][]HistoryItem)}
}

// Record appends a message, evicting the oldest past the limit.
func (h *GroupHistory) Record(conversationID, sender, text string) {
	if text == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	items := append(h.groups[conversationID], HistoryItem{
		Sender: sender,
		Text:   text,
		At:     time.Now().UnixMilli(),
	})
	if len(items) > h.limit {
		items = items[len(items)-h.limit:]
	}
	h.groups[conversationID] = items
}

// Drain returns and clears the buffered messages for a conversation.
func (h *GroupHistory) Drain(conversationID string) []HistoryItem {
	h.mu.Lock()
	defer h.mu.Unlock()

	items := h.groups[conversationID]
	delete(h.groups, conversationID)
	return items
}

// Len reports the buffered count for a conversation.
func (h *GroupHistory) Len(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups[conversationID])
}
