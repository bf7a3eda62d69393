package channels

import (
	"sync"
	"time"
)

const (
	// maxTrackedConversations caps the limiter's key space so rotating
	// chat ids cannot exhaust memory.
	maxTrackedConversations = 4096

	sendLimitWindow       = 60 * time.Second
	defaultSendsPerMinute = 20
)

type sendWindow struct {
	start time.Time
	count int
}

// SendLimiter bounds outbound sends per conversation inside a sliding
// window. It guards against reply loops and misfiring cron jobs flooding a
// chat. Safe for concurrent use.
type SendLimiter struct {
	mu        sync.Mutex
	entries   map[string]*sendWindow
	perMinute int
}

// NewSendLimiter builds a limiter; perMinute <= 0 uses the default of 20.
func NewSendLimiter(perMinute int) *SendLimiter {
	if perMinute <= 0 {
		perMinute = defaultSendsPerMinute
	}
	return &SendLimiter{entries: make(map[string]*sendWindow), perMinute: perMinute}
}

// Allow reports whether another send to the key is within the limit.
func (l *SendLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	if len(l.entries) >= maxTrackedConversations {
		for k, e := range l.entries {
			if now.Sub(e.start) >= sendLimitWindow {
				delete(l.entries, k)
			}
		}
		for len(l.entries) >= maxTrackedConversations {
			for k := range l.entries {
				delete(l.entries, k)
				break
			}
		}
	}

	e, ok := l.entries[key]
	if !ok || now.Sub(e.start) >= sendLimitWindow {
		l.entries[key] = &sendWindow{start: now, count: 1}
		return true
	}

	e.count++
	return e.count <= l.perMinute
}
