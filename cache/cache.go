package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/stellarops/mirrorsync/clock"
)

// TTLConfig configures a TTLCache.
type TTLConfig struct {
	// TTL is the absolute lifetime of an entry, measured from
	// insertion. Refreshing a key with Set restarts its lifetime.
	// Default: 5 minutes
	TTL time.Duration

	// MaxSize is the maximum number of entries. When full, Set evicts
	// the least-recently-used entry.
	// Default: 128
	MaxSize int

	// MaxTTL caps per-entry TTL overrides passed to SetWithTTL.
	// If zero, overrides are not clamped.
	MaxTTL time.Duration

	// Clock provides the current time. If nil, the system clock is used.
	Clock clock.Clock
}

// TTLCache is a bounded in-memory cache with per-entry expiration and
// LRU eviction. Expired entries are removed lazily on Get; there is no
// background sweep. Safe for concurrent use.
type TTLCache[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxTTL  time.Duration
	maxSize int
	clock   clock.Clock
	order   *list.List // front = least recently used
	index   map[string]*list.Element
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// NewTTL creates a new TTLCache with the given configuration.
func NewTTL[V any](cfg TTLConfig) *TTLCache[V] {
	// Apply defaults
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 128
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &TTLCache[V]{
		ttl:     cfg.TTL,
		maxTTL:  cfg.MaxTTL,
		maxSize: cfg.MaxSize,
		clock:   cfg.Clock,
		order:   list.New(),
		index:   make(map[string]*list.Element),
	}
}

// Get retrieves a value. Returns (zero, false) on miss or expiry. A
// hit marks the entry most-recently-used; expiry is absolute from
// insertion, so a hit never extends an entry's lifetime.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.index[key]
	if !ok {
		return zero, false
	}

	ent := elem.Value.(*entry[V])
	if !c.clock.Now().Before(ent.expiresAt) {
		// Expired - clean up lazily
		c.removeLocked(elem)
		return zero, false
	}

	c.order.MoveToBack(elem)
	return ent.value, true
}

// Set stores a value, restarting its TTL. If the key exists it is
// replaced and marked most-recently-used; otherwise, a full cache
// evicts its least-recently-used entry first.
func (c *TTLCache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, 0)
}

// SetWithTTL stores a value with a per-entry TTL override. A
// non-positive override falls back to the configured TTL; overrides
// are clamped to MaxTTL when one is set.
func (c *TTLCache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.clock.Now().Add(c.effectiveTTL(ttl))

	if elem, ok := c.index[key]; ok {
		ent := elem.Value.(*entry[V])
		ent.value = value
		ent.expiresAt = expiresAt
		c.order.MoveToBack(elem)
		return
	}

	if c.order.Len() >= c.maxSize {
		c.removeLocked(c.order.Front())
	}

	c.index[key] = c.order.PushBack(&entry[V]{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	})
}

// Delete removes a value. Idempotent - no effect on miss.
func (c *TTLCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[key]; ok {
		c.removeLocked(elem)
	}
}

// Clear removes every entry.
func (c *TTLCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.index = make(map[string]*list.Element)
}

// Len returns the number of entries, including any that have expired
// but not yet been evicted.
func (c *TTLCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// effectiveTTL applies the default and the MaxTTL clamp.
func (c *TTLCache[V]) effectiveTTL(override time.Duration) time.Duration {
	ttl := override
	if ttl <= 0 {
		ttl = c.ttl
	}
	if c.maxTTL > 0 && ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	return ttl
}

// removeLocked unlinks an element. Caller must hold c.mu.
func (c *TTLCache[V]) removeLocked(elem *list.Element) {
	ent := elem.Value.(*entry[V])
	delete(c.index, ent.key)
	c.order.Remove(elem)
}
