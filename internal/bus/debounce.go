package bus

import (
	"sync"
	"time"
)

// InboundDebouncer merges rapid consecutive payloads from the same
// conversation into one logical turn. A message restarts the window for its
// key; when the window elapses with no newer message the flush callback
// fires with all buffered messages in arrival order.
//
// Window <= 0 disables debouncing: Add flushes immediately.
type InboundDebouncer struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[string]*debounceState
	flush   func(key string, msgs []InboundMessage)
}

type debounceState struct {
	msgs  []InboundMessage
	timer *time.Timer
}

// NewInboundDebouncer creates a debouncer with the given window.
func NewInboundDebouncer(window time.Duration, flush func(key string, msgs []InboundMessage)) *InboundDebouncer {
	return &InboundDebouncer{
		window:  window,
		pending: make(map[string]*debounceState),
		flush:   flush,
	}
}

// Add buffers a message under key (typically channel:conversationId) and
// (re)starts its flush window.
func (d *InboundDebouncer) Add(key string, msg InboundMessage) {
	if d.window <= 0 {
		d.flush(key, []InboundMessage{msg})
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.pending[key]
	if !ok {
		st = &debounceState{}
		d.pending[key] = st
	}
	st.msgs = append(st.msgs, msg)

	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(d.window, func() { d.fire(key) })
}

// Flush immediately fires any pending window for key.
func (d *InboundDebouncer) Flush(key string) {
	d.mu.Lock()
	st, ok := d.pending[key]
	if ok && st.timer != nil {
		st.timer.Stop()
	}
	d.mu.Unlock()
	if ok {
		d.fire(key)
	}
}

// Stop cancels all pending windows without flushing.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, st := range d.pending {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(d.pending, key)
	}
}

func (d *InboundDebouncer) fire(key string) {
	d.mu.Lock()
	st, ok := d.pending[key]
	if !ok || len(st.msgs) == 0 {
		delete(d.pending, key)
		d.mu.Unlock()
		return
	}
	msgs := st.msgs
	delete(d.pending, key)
	d.mu.Unlock()

	d.flush(key, msgs)
}
