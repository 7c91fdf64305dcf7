package cache

import (
	"container/list"
	"sync"
	"time"
)

// Defaults applied when NewInMemoryCache receives non-positive limits.
const (
	DefaultMaxEntries = 1000
	DefaultTTL        = 5 * time.Minute
)

// Cache is what consumers depend on, so tests can swap in a stub.
type Cache[V any] interface {
	Get(key string) (V, bool)
	Set(key string, value V)
	Delete(key string)
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// InMemoryCache is a concurrent-safe, bounded key-value store. Entries expire
// after the configured TTL and the least recently used entry is evicted once
// maxEntries is reached. Callers invalidate explicitly with Delete when the
// underlying data changes.
type InMemoryCache[V any] struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	order      *list.List
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

// NewInMemoryCache creates a cache holding at most maxEntries values for ttl each.
func NewInMemoryCache[V any](maxEntries int, ttl time.Duration) *InMemoryCache[V] {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &InMemoryCache[V]{
		items:      make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Get retrieves a value from the cache.
// It returns the value and true if the key exists and has not expired.
func (c *InMemoryCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, found := c.items[key]
	if !found {
		return zero, false
	}

	e := elem.Value.(*entry[V])
	if !c.now().Before(e.expiresAt) {
		c.removeElement(elem)
		return zero, false
	}

	c.order.MoveToFront(elem)
	return e.value, true
}

// Set adds or updates a value in the cache, evicting the least recently used
// entry when the cache is full.
func (c *InMemoryCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)

	if elem, found := c.items[key]; found {
		e := elem.Value.(*entry[V])
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}

	for c.order.Len() >= c.maxEntries {
		c.removeElement(c.order.Back())
	}

	c.items[key] = c.order.PushFront(&entry[V]{key: key, value: value, expiresAt: expiresAt})
}

// Delete removes a value from the cache.
func (c *InMemoryCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, found := c.items[key]; found {
		c.removeElement(elem)
	}
}

// Len reports the number of stored entries, including any not yet reaped.
func (c *InMemoryCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Purge drops every entry.
func (c *InMemoryCache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}

func (c *InMemoryCache[V]) removeElement(elem *list.Element) {
	e := c.order.Remove(elem).(*entry[V])
	delete(c.items, e.key)
}
