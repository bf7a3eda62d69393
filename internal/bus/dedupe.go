package bus

import (
	"container/list"
	"sync"
	"time"
)

// DedupeCache is a bounded LRU with per-entry TTL. The run controller keys
// it by "chat:<idempotencyKey>" so a re-submitted chat.send within the TTL
// returns the cached {runId, status} instead of starting a new run.
type DedupeCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = most recently used
	entries  map[string]*list.Element

	now func() time.Time // overridable in tests
}

type dedupeEntry struct {
	key      string
	value    interface{}
	storedAt time.Time
}

// NewDedupeCache creates a cache holding at most capacity entries, each
// expiring ttl after insertion. Zero values fall back to 10000 entries and
// 10 minutes.
func NewDedupeCache(capacity int, ttl time.Duration) *DedupeCache {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &DedupeCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Put stores a value, evicting the least recently used entry at capacity.
// Re-putting an existing key refreshes its value and TTL.
func (c *DedupeCache) Put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*dedupeEntry)
		ent.value = value
		ent.storedAt = c.now()
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}

	el := c.order.PushFront(&dedupeEntry{key: key, value: value, storedAt: c.now()})
	c.entries[key] = el
}

// Get returns the cached value if present and unexpired.
func (c *DedupeCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*dedupeEntry)
	if c.now().Sub(ent.storedAt) > c.ttl {
		c.removeLocked(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return ent.value, true
}

// Delete removes a key if present.
func (c *DedupeCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
}

// Len returns the number of live entries (expired entries may be counted
// until their next Get).
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *DedupeCache) removeLocked(el *list.Element) {
	ent := el.Value.(*dedupeEntry)
	delete(c.entries, ent.key)
	c.order.Remove(el)
}
