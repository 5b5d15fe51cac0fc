package sandbox

import (
	"context"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/tetratelabs/wazero"
)

// Module is a compiled guest. A Module handed out by Runtime.Compile holds
// a reference that Release gives back.
type Module struct {
	id       string
	compiled wazero.CompiledModule
	size     int

	// guarded by moduleCache.mu
	refs    int
	evicted bool
	closed  bool
	cache   *moduleCache
}

// ID returns the content identifier the module was compiled from.
func (m *Module) ID() string { return m.id }

// Size returns the length of the module's binary.
func (m *Module) Size() int { return m.size }

// Release drops the caller's reference. The compiled code is freed once the
// module has left the cache and no caller holds it.
func (m *Module) Release(ctx context.Context) {
	m.cache.release(ctx, m)
}

// CacheStats describes the compiled module cache.
type CacheStats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// moduleCache is an LRU of compiled modules with reference counting, so an
// evicted module stays alive until its last instance is done.
type moduleCache struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[string, *Module]
	max     int
	pending []*Module

	hits, misses, evictions int64
}

func newModuleCache(size int) *moduleCache {
	c := &moduleCache{max: size}
	if size > 0 {
		c.lru, _ = simplelru.NewLRU[string, *Module](size, c.onEvict)
	}
	return c
}

// onEvict runs with mu held.
func (c *moduleCache) onEvict(_ string, m *Module) {
	c.evictions++
	m.evicted = true
	if m.refs == 0 && !m.closed {
		m.closed = true
		c.pending = append(c.pending, m)
	}
}

func (c *moduleCache) drain(ctx context.Context) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, m := range pending {
		m.compiled.Close(ctx)
	}
}

// acquire returns the cached module for id with a reference taken. Only
// counted lookups feed the hit and miss statistics.
func (c *moduleCache) acquire(id string, counted bool) (*Module, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var m *Module
	ok := false
	if c.lru != nil {
		m, ok = c.lru.Get(id)
	}
	if counted {
		if ok {
			c.hits++
		} else {
			c.misses++
		}
	}
	if !ok {
		return nil, false
	}
	m.refs++
	return m, true
}

func (c *moduleCache) enabled() bool { return c.lru != nil }

// insert hands a freshly compiled module to the cache, which keeps it until
// eviction. When id is already cached m is freed and the cached module is
// returned instead.
func (c *moduleCache) insert(ctx context.Context, m *Module) *Module {
	c.mu.Lock()
	if cur, ok := c.lru.Peek(m.id); ok {
		m.closed = true
		c.mu.Unlock()
		m.compiled.Close(ctx)
		return cur
	}
	c.lru.Add(m.id, m)
	c.mu.Unlock()
	c.drain(ctx)
	return m
}

// adopt takes a reference on a freshly compiled module, inserting it into
// the cache when one is configured. It reports false if m was already
// freed, in which case the caller must not use it.
func (c *moduleCache) adopt(ctx context.Context, m *Module) bool {
	c.mu.Lock()
	if m.closed {
		c.mu.Unlock()
		return false
	}
	m.refs++
	if c.lru == nil {
		m.evicted = true
	} else if !m.evicted && !c.lru.Contains(m.id) {
		c.lru.Add(m.id, m)
	}
	c.mu.Unlock()
	c.drain(ctx)
	return true
}

func (c *moduleCache) release(ctx context.Context, m *Module) {
	c.mu.Lock()
	m.refs--
	if m.refs <= 0 && m.evicted && !m.closed {
		m.closed = true
		c.pending = append(c.pending, m)
	}
	c.mu.Unlock()
	c.drain(ctx)
}

func (c *moduleCache) purge(ctx context.Context) {
	c.mu.Lock()
	if c.lru != nil {
		c.lru.Purge()
	}
	c.mu.Unlock()
	c.drain(ctx)
}

func (c *moduleCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := CacheStats{MaxSize: c.max, Hits: c.hits, Misses: c.misses, Evictions: c.evictions}
	if c.lru != nil {
		st.Size = c.lru.Len()
	}
	return st
}
