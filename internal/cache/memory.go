package cache

import (
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore is an in-memory LRU cache implementing Store.
type MemoryStore struct {
	lru       *expirable.LRU[string, []byte]
	evictions atomic.Int64
	maxSize   int
}

// NewMemoryStore creates a new in-memory LRU store with the given max size and TTL.
// A zero ttl keeps entries until they are evicted.
func NewMemoryStore(maxSize int, ttl time.Duration) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	s := &MemoryStore{maxSize: maxSize}
	s.lru = expirable.NewLRU[string, []byte](maxSize, func(string, []byte) {
		s.evictions.Add(1)
	}, ttl)
	return s
}

func (s *MemoryStore) Get(key string) ([]byte, bool) {
	return s.lru.Get(key)
}

// Set stores value. Callers must not modify value afterwards.
func (s *MemoryStore) Set(key string, value []byte) {
	s.lru.Add(key, value)
}

func (s *MemoryStore) Delete(key string) {
	s.lru.Remove(key)
}

func (s *MemoryStore) Purge() {
	s.lru.Purge()
}

func (s *MemoryStore) Stats() StoreStats {
	return StoreStats{
		Size:      s.lru.Len(),
		MaxSize:   s.maxSize,
		Evictions: s.evictions.Load(),
	}
}
