package tools

import (
	"container/list"
	"sync"
	"time"
)

const (
	defaultCacheTTL        = 15 * time.Minute
	defaultCacheMaxEntries = 128
)

// webCache is the shared response cache for the web tools: bounded LRU with
// a per-entry TTL. Expired entries are dropped lazily on get.
type webCache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	order   *list.List // front = most recently used
	entries map[string]*list.Element

	now func() time.Time // overridable in tests
}

type webCacheEntry struct {
	key      string
	value    string
	storedAt time.Time
}

func newWebCache(max int, ttl time.Duration) *webCache {
	if max <= 0 {
		max = defaultCacheMaxEntries
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &webCache{
		max:     max,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

func (c *webCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return "", false
	}
	ent := el.Value.(*webCacheEntry)
	if c.now().Sub(ent.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return "", false
	}
	c.order.MoveToFront(el)
	return ent.value, true
}

func (c *webCache) set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*webCacheEntry)
		ent.value = value
		ent.storedAt = c.now()
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.max {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*webCacheEntry).key)
	}

	el := c.order.PushFront(&webCacheEntry{key: key, value: value, storedAt: c.now()})
	c.entries[key] = el
}
