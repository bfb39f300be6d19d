package tenant

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v2"
)

// item is one cached value and the instant it stops being served.
type item[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// Storage holds cache entries. A single Storage may back many caches; it is
// safe for concurrent use and lives as long as the process keeps it.
type Storage[V any] struct {
	m *xsync.MapOf[string, item[V]]
}

func NewStorage[V any]() *Storage[V] {
	return &Storage[V]{m: xsync.NewMapOf[item[V]]()}
}

// Len reports how many entries are stored, expired ones included.
func (s *Storage[V]) Len() int { return s.m.Size() }

// Cache is a time-expiring key/value cache. Get never refreshes: a caller
// that misses resolves the value itself and calls Set.
type Cache[V any] struct {
	storage *Storage[V]
	clock   clock.Clock
}

// NewCache returns a cache over storage. A nil storage gets a private one; a
// nil clk uses the wall clock.
func NewCache[V any](storage *Storage[V], clk clock.Clock) *Cache[V] {
	if storage == nil {
		storage = NewStorage[V]()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Cache[V]{storage: storage, clock: clk}
}

// Get returns the value for key, or def if it is absent or expired.
func (c *Cache[V]) Get(key string, def V) V {
	e, ok := c.storage.m.Load(key)
	if !ok || e.expiresAt.Before(c.clock.Now()) {
		return def
	}
	return e.value
}

// Set replaces the entry for key. It expires ttl from now.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.storage.m.Store(key, item[V]{
		key:       key,
		value:     value,
		expiresAt: c.clock.Now().Add(ttl),
	})
}
